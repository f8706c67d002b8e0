// Package feedapi implements source.Source and source.Session against a JSON
// feed gateway that fronts the social network.
package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/kalambet/mediarelay/internal/source"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultRequestsPerMinute = 30
	defaultMaxBytes          = 200 << 20
	maxErrorBody             = 4 << 10
)

// Config configures a Session.
type Config struct {
	BaseURL           string
	Username          string
	Password          string
	SessionDir        string
	Timeout           time.Duration
	RequestsPerMinute int
	// MaxBytes caps the size of a single downloaded media file.
	MaxBytes int64
	// HTTPClient overrides the default client (used by tests). Its Jar is
	// replaced with a public-suffix aware cookie jar when nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Session is an authenticated connection to the feed gateway. It implements
// both source.Session and source.Source.
type Session struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	token     string
	lastLogin time.Time
	lastErr   string
}

var (
	_ source.Session = (*Session)(nil)
	_ source.Source  = (*Session)(nil)
)

type sessionFile struct {
	Username string    `json:"username"`
	Token    string    `json:"token"`
	SavedAt  time.Time `json:"saved_at"`
}

// NewSession creates a session and restores a previously saved token from
// cfg.SessionDir when present. It does not contact the gateway.
func NewSession(cfg Config) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("feedapi: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		client.Jar = jar
	}

	s := &Session{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		logger:  logger,
	}
	if err := s.restore(); err != nil {
		logger.Warn("could not restore saved session", "username", cfg.Username, "error", err)
	}
	return s, nil
}

func (s *Session) sessionPath() string {
	if s.cfg.SessionDir == "" || s.cfg.Username == "" {
		return ""
	}
	return filepath.Join(s.cfg.SessionDir, s.cfg.Username+".session")
}

func (s *Session) restore() error {
	path := s.sessionPath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parsing session file: %w", err)
	}
	if sf.Username != s.cfg.Username {
		return nil
	}
	s.mu.Lock()
	s.token = sf.Token
	s.lastLogin = sf.SavedAt
	s.mu.Unlock()
	return nil
}

func (s *Session) persist(token string, at time.Time) error {
	path := s.sessionPath()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(sessionFile{Username: s.cfg.Username, Token: token, SavedAt: at})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) anonymous() bool {
	return s.cfg.Username == ""
}

// Ensure validates the current token and logs in again when it is missing
// or stale. Without configured credentials the session runs anonymously.
func (s *Session) Ensure(ctx context.Context) error {
	if s.anonymous() {
		return nil
	}
	if s.currentToken() != "" && s.Valid(ctx) {
		return nil
	}
	return s.Login(ctx)
}

// Login exchanges the configured credentials for a token and saves it.
func (s *Session) Login(ctx context.Context) error {
	if s.anonymous() {
		return fmt.Errorf("%w: no account configured", source.ErrAuth)
	}
	if s.cfg.Password == "" {
		s.setError("no password configured")
		return fmt.Errorf("%w: no password configured for %s", source.ErrAuth, s.cfg.Username)
	}

	body, err := json.Marshal(map[string]string{"username": s.cfg.Username, "password": s.cfg.Password})
	if err != nil {
		return fmt.Errorf("marshaling login: %w", err)
	}
	resp, err := s.do(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/login", bytes.NewReader(body), false)
	if err != nil {
		s.setError(err.Error())
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if out.Token == "" {
		s.setError("empty token")
		return fmt.Errorf("%w: gateway returned an empty token", source.ErrAuth)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.token = out.Token
	s.lastLogin = now
	s.lastErr = ""
	s.mu.Unlock()

	if err := s.persist(out.Token, now); err != nil {
		s.logger.Warn("could not save session", "username", s.cfg.Username, "error", err)
	}
	s.logger.Info("logged in to feed gateway", "username", s.cfg.Username)
	return nil
}

// Valid asks the gateway whether the current token is still accepted.
func (s *Session) Valid(ctx context.Context) bool {
	if s.anonymous() {
		return true
	}
	if s.currentToken() == "" {
		return false
	}
	resp, err := s.do(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/me", nil, true)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Invalidate drops the token so the next Ensure logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// Status reports the session state without contacting the gateway.
func (s *Session) Status() source.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return source.SessionStatus{
		Username:  s.cfg.Username,
		LoggedIn:  s.token != "",
		Anonymous: s.cfg.Username == "",
		LastLogin: s.lastLogin,
		LastError: s.lastErr,
	}
}

// Close releases idle connections. The saved token stays on disk.
func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// do performs a paced request bounded by the configured timeout and maps
// provider failures onto the source error classes. On success the caller
// owns resp.Body.
func (s *Session) do(ctx context.Context, method, url string, body io.Reader, auth bool) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The pacing delay would outlast ctx's deadline.
		return nil, fmt.Errorf("%w: %v", source.ErrRateLimited, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if tok := s.currentToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", source.ErrConnection, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp, cancel)
		return nil, fmt.Errorf("%w (HTTP %d)", source.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drain(resp, cancel)
		if auth {
			s.Invalidate()
			s.setError(fmt.Sprintf("HTTP %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("%w (HTTP %d)", source.ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		drain(resp, cancel)
		return nil, fmt.Errorf("%w: gateway returned HTTP %d", source.ErrConnection, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func drain(resp *http.Response, cancel context.CancelFunc) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	cancel()
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
