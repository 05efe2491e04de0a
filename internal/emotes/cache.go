package emotes

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/core"
)

const cacheSchema = `CREATE TABLE IF NOT EXISTS emote_cache (
  platform TEXT NOT NULL,
  emote_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  cache_path TEXT NOT NULL,
  cached_at TEXT NOT NULL,
  PRIMARY KEY (platform, emote_id)
);`

// targetDisplaySize is the pixel size chat renders emotes at; the variant
// picker aims for the smallest image at least this large.
const targetDisplaySize = 32

// Cache downloads emote images to disk and answers data-URI lookups from
// disk only. Downloads are single-flighted per (platform, emote id) and the
// sqlite index makes cache state survive restarts.
type Cache struct {
	dir  string
	reg  *Registry
	bus  *bus.Bus
	idx  *sql.DB
	http *http.Client

	mu       sync.Mutex
	inflight map[string]*flight
}

// flight is one in-progress download; waiters read err after done closes.
type flight struct {
	done chan struct{}
	err  error
}

// OpenCache opens the cache rooted at dir, creating the directory and the
// index, and warms the registry from the index.
func OpenCache(dir string, reg *Registry, b *bus.Bus) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create emote cache dir")
	}
	idx, err := sql.Open("sqlite", filepath.Join(dir, "emotes.db"))
	if err != nil {
		return nil, errors.Wrap(err, "open emote index")
	}
	if _, err := idx.Exec(cacheSchema); err != nil {
		_ = idx.Close()
		return nil, errors.Wrap(err, "apply emote index schema")
	}

	c := &Cache{
		dir:      dir,
		reg:      reg,
		bus:      b,
		idx:      idx,
		http:     &http.Client{Timeout: 15 * time.Second},
		inflight: make(map[string]*flight),
	}
	c.warm()
	return c, nil
}

func (c *Cache) Close() error { return c.idx.Close() }

// warm replays the index into the registry, skipping rows whose file has
// been removed from disk.
func (c *Cache) warm() {
	rows, err := c.idx.Query(`SELECT platform, emote_id, name, cache_path, cached_at FROM emote_cache`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var platform, emoteID, name, path, at string
		if err := rows.Scan(&platform, &emoteID, &name, &path, &at); err != nil {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		rec := core.EmoteRecord{
			Platform:  platform,
			EmoteID:   emoteID,
			Name:      name,
			CachePath: path,
		}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			rec.CachedAt = t
		}
		c.reg.Upsert(GlobalScope, rec)
	}
}

// PrefetchEmoteImage ensures the emote's image is on disk, downloading the
// preferred variant if needed. Concurrent callers for the same emote share
// one download. Completion is announced on the bus.
func (c *Cache) PrefetchEmoteImage(ctx context.Context, platform, emoteID string) error {
	rec, ok := c.reg.Lookup(platform, emoteID)
	if !ok {
		return fmt.Errorf("emotes: unknown emote %s/%s", platform, emoteID)
	}
	if rec.Cached() {
		return nil
	}

	key := platform + "/" + emoteID
	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.err = c.download(ctx, rec)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(f.done)
	return f.err
}

func (c *Cache) download(ctx context.Context, rec core.EmoteRecord) error {
	variant, ok := PickVariant(rec.Images, targetDisplaySize)
	if !ok {
		return fmt.Errorf("emotes: %s/%s has no image variants", rec.Platform, rec.EmoteID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, variant.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download emote %s/%s", rec.Platform, rec.EmoteID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emotes: download %s/%s: status %d", rec.Platform, rec.EmoteID, resp.StatusCode)
	}

	path := filepath.Join(c.dir, cacheFileName(rec, variant.Format))
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create emote file")
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, 8<<20)); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "write emote file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	now := time.Now().UTC()
	c.reg.MarkCached(rec.Platform, rec.EmoteID, path, now)
	_, _ = c.idx.Exec(`INSERT INTO emote_cache (platform, emote_id, name, cache_path, cached_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(platform, emote_id) DO UPDATE SET cache_path = excluded.cache_path, cached_at = excluded.cached_at;`,
		rec.Platform, rec.EmoteID, rec.Name, path, now.Format(time.RFC3339))

	if c.bus != nil {
		c.bus.PublishEmoteCached(bus.EmoteCached{Platform: rec.Platform, EmoteID: rec.EmoteID})
	}
	return nil
}

// Lookup reports the registry record for an emote, if known.
func (c *Cache) Lookup(platform, emoteID string) (core.EmoteRecord, bool) {
	return c.reg.Lookup(platform, emoteID)
}

// DataURI returns a base64 data: URI for the cached image. It reads disk
// only; an uncached emote is an error, never a download.
func (c *Cache) DataURI(platform, emoteID string) (string, error) {
	rec, ok := c.reg.Lookup(platform, emoteID)
	if !ok || !rec.Cached() {
		return "", fmt.Errorf("emotes: %s/%s not cached", platform, emoteID)
	}
	data, err := os.ReadFile(rec.CachePath)
	if err != nil {
		return "", errors.Wrap(err, "read cached emote")
	}
	mime := "image/png"
	if strings.HasSuffix(rec.CachePath, ".gif") {
		mime = "image/gif"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// PickVariant selects the smallest variant at least target pixels, falling
// back to the largest available. Animated (GIF) variants win over static
// ones when both exist.
func PickVariant(images []core.EmoteImage, target int) (core.EmoteImage, bool) {
	if len(images) == 0 {
		return core.EmoteImage{}, false
	}

	pool := images
	var gifs []core.EmoteImage
	for _, img := range images {
		if img.Format == core.FormatGIF {
			gifs = append(gifs, img)
		}
	}
	if len(gifs) > 0 {
		pool = gifs
	}

	var best core.EmoteImage
	found := false
	for _, img := range pool {
		if img.Size >= target {
			if !found || img.Size < best.Size {
				best = img
				found = true
			}
		}
	}
	if found {
		return best, true
	}
	// nothing reaches target; take the largest
	best = pool[0]
	for _, img := range pool[1:] {
		if img.Size > best.Size {
			best = img
		}
	}
	return best, true
}

// cacheFileName builds "{platform}_{emoteID}[_name].{ext}" with the name
// sanitized down to filesystem-safe runes.
func cacheFileName(rec core.EmoteRecord, format core.ImageFormat) string {
	ext := "png"
	if format == core.FormatGIF {
		ext = "gif"
	}
	base := rec.Platform + "_" + sanitize(rec.EmoteID)
	if rec.Name != "" {
		base += "_" + sanitize(rec.Name)
	}
	return base + "." + ext
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
