package config

import (
	"database/sql"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `CREATE TABLE IF NOT EXISTS config (
  key TEXT NOT NULL PRIMARY KEY,
  value TEXT NOT NULL
);`

// Store is the process-wide durable key/value configuration store. Every
// mutation serializes on one mutex and is committed to SQLite before the
// call returns, so two handles over the same file never diverge.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the config database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open config db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply config schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the value at path, or def when absent or undecodable.
func (s *Store) Get(path string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(path)
	if !ok {
		return def
	}
	return v
}

func (s *Store) getLocked(path string) (any, bool) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, path).Scan(&raw)
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

// Set writes value at path, durably, before returning.
func (s *Store) Set(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(path, value)
}

func (s *Store) setLocked(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode config value")
	}
	_, err = s.db.Exec(
		`INSERT INTO config (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, path, string(raw))
	return errors.Wrap(err, "write config value")
}

// Delete removes the key at path. Missing keys are not an error.
func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM config WHERE key = ?`, path)
	return errors.Wrap(err, "delete config value")
}

// GetString returns the string at path or def.
func (s *Store) GetString(path, def string) string {
	if v, ok := s.Get(path, def).(string); ok {
		return v
	}
	return def
}

// GetBool returns the bool at path or def.
func (s *Store) GetBool(path string, def bool) bool {
	if v, ok := s.Get(path, def).(bool); ok {
		return v
	}
	return def
}

// GetInt returns the integer at path or def. JSON numbers decode as float64.
func (s *Store) GetInt(path string, def int) int {
	switch v := s.Get(path, def).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

const platformPrefix = "platforms."

// GetPlatform returns every key under platforms.{platformID} as a flat map
// keyed by the remainder of the path.
func (s *Store) GetPlatform(platformID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := platformPrefix + platformID + "."
	rows, err := s.db.Query(`SELECT key, value FROM config WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return map[string]any{}
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = v
	}
	return out
}

// GetPrefix returns every key under prefix as a flat map keyed by the
// remainder of the path. Used by namespaces that enumerate their children,
// like automation variables and timer groups.
func (s *Store) GetPrefix(prefix string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	rows, err := s.db.Query(`SELECT key, value FROM config WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return map[string]any{}
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = v
	}
	return out
}

// SetPlatform writes one key under the platform namespace.
func (s *Store) SetPlatform(platformID, key string, value any) error {
	return s.Set(platformPrefix+platformID+"."+key, value)
}

// MergePlatformStreamInfo deep-merges partial into the stored stream_info
// map for the platform and returns the post-merge view.
func (s *Store) MergePlatformStreamInfo(platformID string, partial map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := platformPrefix + platformID + ".stream_info"
	merged := map[string]any{}
	if existing, ok := s.getLocked(path); ok {
		if m, ok := existing.(map[string]any); ok {
			merged = m
		}
	}
	deepMerge(merged, partial)
	if err := s.setLocked(path, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				deepMerge(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}
