// Package webhook delivers ingested items to per-profile HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mediarelay/internal/storage"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultLinkTTL     = time.Hour
	defaultConcurrency = 4

	// SignatureHeader carries "sha256=<hex hmac>" of the body when a secret is set.
	SignatureHeader = "X-Signature-256"
)

// ErrNotPending is returned by Replay for items that were already delivered.
var ErrNotPending = errors.New("item is not pending")

// DeliveryStore is the persistence the dispatcher needs.
type DeliveryStore interface {
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	GetItem(ctx context.Context, id string) (storage.Item, error)
	GetProfile(ctx context.Context, id string) (storage.Profile, error)
}

// Config configures a Dispatcher. Zero values select defaults.
type Config struct {
	// BaseURL is the public address media links are built from.
	BaseURL string
	// MediaDir is the root that artifact paths are made relative to.
	MediaDir    string
	Timeout     time.Duration
	LinkTTL     time.Duration
	Concurrency int
	Secret      string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Dispatcher posts item payloads to webhook endpoints.
type Dispatcher struct {
	store  DeliveryStore
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Dispatcher.
func New(store DeliveryStore, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = defaultLinkTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, cfg: cfg, client: client, logger: logger, now: time.Now}
}

// Payload is the JSON body posted for each item.
type Payload struct {
	Entity    string    `json:"entity"`
	Kind      string    `json:"kind"`
	Caption   string    `json:"caption"`
	Timestamp time.Time `json:"timestamp"`
	Media     Media     `json:"media"`
	Metadata  Metadata  `json:"metadata"`
}

// Media describes where the artifact can be fetched and for how long.
type Media struct {
	URL       string    `json:"url"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Metadata carries provider identifiers.
type Metadata struct {
	ExternalID string `json:"external_id"`
}

// BuildPayload assembles the payload for item on behalf of entity.
func (d *Dispatcher) BuildPayload(item storage.Item, entity string) Payload {
	return Payload{
		Entity:    entity,
		Kind:      string(item.Kind),
		Caption:   item.Caption,
		Timestamp: item.CapturedAt.UTC(),
		Media: Media{
			URL:       d.MediaURL(item.MediaPath),
			Type:      item.MediaType,
			ExpiresAt: d.now().UTC().Add(d.cfg.LinkTTL),
		},
		Metadata: Metadata{ExternalID: item.ExternalID},
	}
}

// MediaURL maps a local artifact path to its public /media URL. Paths
// outside the media root are reduced to their file name so host paths never
// leak into payloads.
func (d *Dispatcher) MediaURL(path string) string {
	rel := path
	var err error
	if d.cfg.MediaDir != "" {
		rel, err = filepath.Rel(d.cfg.MediaDir, path)
	}
	if err != nil || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		d.logger.Warn("artifact outside media root", "path", path)
		rel = filepath.Base(path)
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return d.cfg.BaseURL + "/media/" + strings.TrimLeft(strings.Join(segs, "/"), "/")
}

// Send delivers one item to destURL. It reports success only for a 2xx
// response within the timeout and once the item is marked delivered, so the
// result always matches the stored status. Failures leave the item pending
// and are never retried here.
func (d *Dispatcher) Send(ctx context.Context, item storage.Item, destURL, entity string) bool {
	log := d.logger.With("profile_id", item.ProfileID, "item_id", item.ID, "external_id", item.ExternalID)

	if err := d.post(ctx, destURL, d.BuildPayload(item, entity)); err != nil {
		log.Warn("webhook delivery failed", "url", destURL, "error", err)
		return false
	}

	if err := d.store.MarkDelivered(ctx, item.ID, d.now().UTC()); err != nil {
		// The endpoint has the item but it stays pending; a replay resends it.
		log.Error("webhook delivered but marking item delivered failed", "error", err)
		return false
	}
	log.Info("webhook delivered", "kind", string(item.Kind))
	return true
}

func (d *Dispatcher) post(ctx context.Context, destURL string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, destURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.cfg.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", d.cfg.Timeout)
		}
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the X-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// DispatchAll sends every item, fanning out up to the configured
// concurrency. One failure never prevents the others. Returns the number
// of successful deliveries.
func (d *Dispatcher) DispatchAll(ctx context.Context, items []storage.Item, destURL, entity string) int {
	if len(items) == 0 {
		return 0
	}
	ok := make([]bool, len(items))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			ok[i] = d.Send(ctx, it, destURL, entity)
			return nil
		})
	}
	g.Wait()

	sent := 0
	for _, v := range ok {
		if v {
			sent++
		}
	}
	if sent < len(items) {
		d.logger.Warn("some deliveries failed", "entity", entity, "sent", sent, "total", len(items))
	}
	return sent
}

// Replay re-sends a pending item to its profile's current webhook URL.
func (d *Dispatcher) Replay(ctx context.Context, itemID string) (bool, error) {
	item, err := d.store.GetItem(ctx, itemID)
	if err != nil {
		return false, err
	}
	if item.Status != storage.StatusPending {
		return false, ErrNotPending
	}
	p, err := d.store.GetProfile(ctx, item.ProfileID)
	if err != nil {
		return false, fmt.Errorf("loading profile %s: %w", item.ProfileID, err)
	}
	return d.Send(ctx, item, p.WebhookURL, p.Username), nil
}
