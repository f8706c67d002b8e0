package feedapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/mediarelay/internal/source"
	"github.com/kalambet/mediarelay/internal/storage"
)

type wireMedia struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type wireItem struct {
	ID      string      `json:"id"`
	TakenAt time.Time   `json:"taken_at"`
	Caption string      `json:"caption"`
	Media   []wireMedia `json:"media"`
}

type wirePage struct {
	Items      []wireItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Feed opens a paginated feed of handle's items of the given kind.
func (s *Session) Feed(ctx context.Context, handle string, kind storage.Kind) (source.Feed, error) {
	f := &feed{
		s:        s,
		endpoint: fmt.Sprintf("%s/v1/users/%s/%ss", s.cfg.BaseURL, url.PathEscape(handle), kind),
	}
	// Fetch the first page eagerly so missing profiles fail at open time.
	if err := f.load(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

type feed struct {
	s        *Session
	endpoint string
	page     []wireItem
	cursor   string
	done     bool
}

func (f *feed) load(ctx context.Context) error {
	u := f.endpoint
	if f.cursor != "" {
		u += "?cursor=" + url.QueryEscape(f.cursor)
	}
	resp, err := f.s.do(ctx, http.MethodGet, u, nil, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var p wirePage
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return fmt.Errorf("%w: decoding feed page: %v", source.ErrConnection, err)
	}
	f.page = p.Items
	f.cursor = p.NextCursor
	f.done = p.NextCursor == ""
	return nil
}

func (f *feed) Next(ctx context.Context) (source.Item, error) {
	for len(f.page) == 0 {
		if f.done {
			return source.Item{}, io.EOF
		}
		if err := f.load(ctx); err != nil {
			return source.Item{}, err
		}
	}
	w := f.page[0]
	f.page = f.page[1:]

	it := source.Item{
		ExternalID: w.ID,
		CapturedAt: w.TakenAt.UTC(),
		Caption:    w.Caption,
	}
	for _, m := range w.Media {
		it.Media = append(it.Media, source.Media{URL: f.s.resolve(m.URL), Type: m.Type})
	}
	return it, nil
}

func (f *feed) Close() error {
	f.page = nil
	f.done = true
	return nil
}

// errTooLarge marks a media file over the configured size cap. It is not
// transient: the item fails and is retried on a later run.
var errTooLarge = errors.New("media file too large")

// resolve turns gateway-relative media links into absolute URLs.
func (s *Session) resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return s.cfg.BaseURL + "/" + strings.TrimLeft(ref, "/")
}

// Download fetches every media asset of item into dir as
// <externalID>_<n><ext>. Partial downloads are removed on failure.
func (s *Session) Download(ctx context.Context, item source.Item, dir string) ([]source.Artifact, error) {
	if len(item.Media) == 0 {
		return nil, fmt.Errorf("item %s has no media", item.ExternalID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	var out []source.Artifact
	for i, m := range item.Media {
		a, err := s.downloadOne(ctx, m, dir, fmt.Sprintf("%s_%d", safeName(item.ExternalID), i+1))
		if err != nil {
			for _, done := range out {
				os.Remove(done.Path)
			}
			return nil, fmt.Errorf("downloading media %d of %s: %w", i+1, item.ExternalID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Session) downloadOne(ctx context.Context, m source.Media, dir, base string) (source.Artifact, error) {
	resp, err := s.do(ctx, http.MethodGet, m.URL, nil, true)
	if err != nil {
		return source.Artifact{}, err
	}
	defer resp.Body.Close()

	name := base + extensionFor(m, resp.Header.Get("Content-Type"))
	dst := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return source.Artifact{}, err
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return source.Artifact{}, fmt.Errorf("%w: %v", source.ErrConnection, err)
	}
	if n > s.cfg.MaxBytes {
		tmp.Close()
		os.Remove(tmp.Name())
		return source.Artifact{}, fmt.Errorf("%w: %s exceeds %d bytes", errTooLarge, m.URL, s.cfg.MaxBytes)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return source.Artifact{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return source.Artifact{}, err
	}

	mediaType := m.Type
	if mediaType == "" {
		mediaType = source.MediaTypeFor(dst)
	}
	return source.Artifact{Path: dst, MediaType: mediaType}, nil
}

func extensionFor(m source.Media, contentType string) string {
	if u, err := url.Parse(m.URL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		switch ct {
		case "video/mp4":
			return ".mp4"
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/webp":
			return ".webp"
		}
	}
	if m.Type == "video" {
		return ".mp4"
	}
	return ".jpg"
}

// safeName strips path separators from provider ids used in file names.
func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}
