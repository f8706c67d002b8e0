package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a profile with the same username already exists.
var ErrConflict = errors.New("already exists")

// Kind is a category of content, each with its own watermark.
type Kind string

const (
	KindPost  Kind = "post"
	KindStory Kind = "story"
)

// Kinds lists every kind in processing order.
var Kinds = []Kind{KindPost, KindStory}

// Item delivery states.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// Log levels persisted in system_logs.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Profile is a tracked external account.
type Profile struct {
	ID              string
	Username        string
	WebhookURL      string
	CheckInterval   int // minutes
	DownloadPosts   bool
	DownloadStories bool
	Active          bool
	LastSeen        map[Kind]time.Time
	LastCheckedAt   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Enabled reports whether the profile downloads the given kind.
func (p Profile) Enabled(k Kind) bool {
	switch k {
	case KindPost:
		return p.DownloadPosts
	case KindStory:
		return p.DownloadStories
	}
	return false
}

// Interval returns CheckInterval as a duration, never less than a minute.
func (p Profile) Interval() time.Duration {
	if p.CheckInterval < 1 {
		return time.Minute
	}
	return time.Duration(p.CheckInterval) * time.Minute
}

// DedupKey identifies an ingested external item.
type DedupKey struct {
	ProfileID  string
	Kind       Kind
	ExternalID string
}

// Item is one downloaded artifact awaiting or past delivery.
type Item struct {
	ID          string
	ProfileID   string
	Kind        Kind
	ExternalID  string
	CapturedAt  time.Time
	Caption     string
	MediaPath   string
	MediaType   string // "image" or "video"
	Status      string
	DeliveredAt time.Time
	PurgedAt    time.Time
	CreatedAt   time.Time
}

// Key returns the dedup key the item was ingested under.
func (it Item) Key() DedupKey {
	return DedupKey{ProfileID: it.ProfileID, Kind: it.Kind, ExternalID: it.ExternalID}
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	ProfileID string
	Status    string
	Limit     int
}

// LogEntry is a persisted system log record.
type LogEntry struct {
	ID        string
	Level     string
	Message   string
	Details   string
	ProfileID string
	CreatedAt time.Time
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	Level     string
	ProfileID string
	Limit     int
}

// Stats summarizes the store for dashboards.
type Stats struct {
	TotalProfiles  int
	ActiveProfiles int
	TotalPosts     int
	TotalStories   int
	TotalErrors    int
	LastCheck      time.Time
}
