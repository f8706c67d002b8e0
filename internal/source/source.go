// Package source defines the capability the fetcher needs from an external
// content provider: a per-kind feed of items and a way to download their media.
package source

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

// Error classes reported by a Source. Implementations wrap these with %w so
// callers can classify with errors.Is.
var (
	// ErrAuth means the session was rejected and requires reconfiguration.
	ErrAuth = errors.New("source: authentication failed")
	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("source: rate limited")
	// ErrConnection covers transport failures and provider-side outages.
	ErrConnection = errors.New("source: connection failed")
)

// Media is one downloadable asset of an item.
type Media struct {
	URL  string
	Type string // "image" or "video"; empty means detect from the file name
}

// Item is a content item as reported by a feed.
type Item struct {
	ExternalID string
	CapturedAt time.Time
	Caption    string
	Media      []Media
}

// Artifact is a file written to local storage by Download.
type Artifact struct {
	Path      string
	MediaType string
}

// Feed iterates a profile's items of one kind, newest first. Next returns
// io.EOF when the feed is exhausted.
type Feed interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// Source is an external content provider.
type Source interface {
	Feed(ctx context.Context, handle string, kind storage.Kind) (Feed, error)
	// Download writes every media asset of item into dir. On error no
	// artifacts are left behind.
	Download(ctx context.Context, item Item, dir string) ([]Artifact, error)
}

// SessionStatus describes the provider session for operators.
type SessionStatus struct {
	Username  string    `json:"username"`
	LoggedIn  bool      `json:"logged_in"`
	Anonymous bool      `json:"anonymous"`
	LastLogin time.Time `json:"last_login,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Session owns the authenticated state used by a Source. It is created once
// at process start and reused across runs.
type Session interface {
	// Ensure makes the session usable, restoring or re-establishing it if
	// needed. It returns an error wrapping ErrAuth when credentials are rejected.
	Ensure(ctx context.Context) error
	Login(ctx context.Context) error
	Valid(ctx context.Context) bool
	Invalidate()
	Status() SessionStatus
	Close() error
}

// IsTransient reports whether err should abort the current kind but be
// retried on the next scheduled run.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnection)
}

// MediaTypeFor returns "video" for video file extensions and "image" otherwise.
func MediaTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mov", ".webm", ".m4v":
		return "video"
	}
	return "image"
}
