// Package emotes keeps the per-platform emote registry and the on-disk
// image cache behind it. The registry is the single source of truth for
// emote metadata; renderers resolve names and ids here and never touch the
// network themselves.
package emotes

import (
	"strings"
	"sync"
	"time"

	"github.com/you/omnichat/internal/core"
)

// GlobalScope is the name-lookup scope for emotes not tied to a channel.
const GlobalScope = "global"

// Registry maps ids and names to emote records. Name lookups are
// case-insensitive and prefer the broadcaster scope over the global scope.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]map[string]core.EmoteRecord
	// byName: platform -> scope -> lowercased name -> emote id
	byName map[string]map[string]map[string]string
	sets   map[string]map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]map[string]core.EmoteRecord),
		byName: make(map[string]map[string]map[string]string),
		sets:   make(map[string]map[string][]string),
	}
}

// Upsert merges the record into the registry. An existing cache path is
// kept when the incoming record carries none, so metadata refreshes never
// lose the downloaded image.
func (r *Registry) Upsert(scope string, rec core.EmoteRecord) {
	if rec.Platform == "" || rec.EmoteID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byID[rec.Platform]
	if ids == nil {
		ids = make(map[string]core.EmoteRecord)
		r.byID[rec.Platform] = ids
	}
	if existing, ok := ids[rec.EmoteID]; ok {
		if rec.CachePath == "" {
			rec.CachePath = existing.CachePath
			rec.CachedAt = existing.CachedAt
		}
		if rec.Name == "" {
			rec.Name = existing.Name
		}
		if len(rec.Images) == 0 {
			rec.Images = existing.Images
		}
	}
	ids[rec.EmoteID] = rec

	if rec.Name != "" {
		if scope == "" {
			scope = GlobalScope
		}
		scopes := r.byName[rec.Platform]
		if scopes == nil {
			scopes = make(map[string]map[string]string)
			r.byName[rec.Platform] = scopes
		}
		names := scopes[scope]
		if names == nil {
			names = make(map[string]string)
			scopes[scope] = names
		}
		names[strings.ToLower(rec.Name)] = rec.EmoteID
	}

	if rec.EmoteSetID != "" {
		sets := r.sets[rec.Platform]
		if sets == nil {
			sets = make(map[string][]string)
			r.sets[rec.Platform] = sets
		}
		members := sets[rec.EmoteSetID]
		for _, id := range members {
			if id == rec.EmoteID {
				return
			}
		}
		sets[rec.EmoteSetID] = append(members, rec.EmoteID)
	}
}

// Lookup returns the record for (platform, emote id).
func (r *Registry) Lookup(platform, emoteID string) (core.EmoteRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[platform][emoteID]
	return rec, ok
}

// LookupName resolves a name in the broadcaster scope first, then the
// global scope.
func (r *Registry) LookupName(platform, broadcasterScope, name string) (core.EmoteRecord, bool) {
	lower := strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := r.byName[platform]
	if scopes == nil {
		return core.EmoteRecord{}, false
	}
	if broadcasterScope != "" {
		if id, ok := scopes[broadcasterScope][lower]; ok {
			rec, ok := r.byID[platform][id]
			return rec, ok
		}
	}
	if id, ok := scopes[GlobalScope][lower]; ok {
		rec, ok := r.byID[platform][id]
		return rec, ok
	}
	return core.EmoteRecord{}, false
}

// SetMembers returns the emote ids known for (platform, set id).
func (r *Registry) SetMembers(platform, setID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.sets[platform][setID]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// MarkCached records the on-disk location of an emote image.
func (r *Registry) MarkCached(platform, emoteID, path string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byID[platform]
	if ids == nil {
		return
	}
	rec, ok := ids[emoteID]
	if !ok {
		return
	}
	rec.CachePath = path
	rec.CachedAt = at
	ids[emoteID] = rec
}
