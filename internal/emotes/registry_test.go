package emotes

import (
	"testing"
	"time"

	"github.com/you/omnichat/internal/core"
)

func TestUpsertAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Upsert(GlobalScope, core.EmoteRecord{
		Platform: "twitch",
		EmoteID:  "25",
		Name:     "Kappa",
		Images:   []core.EmoteImage{{URL: "http://x/25", Size: 28, Format: core.FormatPNG}},
	})

	rec, ok := r.Lookup("twitch", "25")
	if !ok || rec.Name != "Kappa" {
		t.Fatalf("lookup: %#v ok=%v", rec, ok)
	}
	if _, ok := r.Lookup("kick", "25"); ok {
		t.Fatal("platforms must not share emote ids")
	}
}

func TestUpsertKeepsCachePath(t *testing.T) {
	r := NewRegistry()
	r.Upsert(GlobalScope, core.EmoteRecord{Platform: "twitch", EmoteID: "25", Name: "Kappa"})
	r.MarkCached("twitch", "25", "/cache/twitch_25_Kappa.png", time.Now())

	// metadata refresh without a cache path must not lose the download
	r.Upsert(GlobalScope, core.EmoteRecord{
		Platform: "twitch",
		EmoteID:  "25",
		Images:   []core.EmoteImage{{URL: "http://x/25", Size: 28}},
	})

	rec, _ := r.Lookup("twitch", "25")
	if rec.CachePath != "/cache/twitch_25_Kappa.png" {
		t.Fatalf("cache path lost: %#v", rec)
	}
	if rec.Name != "Kappa" {
		t.Fatalf("name lost: %#v", rec)
	}
	if len(rec.Images) != 1 {
		t.Fatalf("images lost: %#v", rec)
	}
}

func TestLookupNameScopeFallback(t *testing.T) {
	r := NewRegistry()
	r.Upsert(GlobalScope, core.EmoteRecord{Platform: "twitch", EmoteID: "g-1", Name: "Wave"})
	r.Upsert("chan-9", core.EmoteRecord{Platform: "twitch", EmoteID: "c-1", Name: "Wave"})

	// broadcaster scope shadows global
	rec, ok := r.LookupName("twitch", "chan-9", "wave")
	if !ok || rec.EmoteID != "c-1" {
		t.Fatalf("broadcaster lookup: %#v ok=%v", rec, ok)
	}

	// unknown broadcaster scope falls through to global
	rec, ok = r.LookupName("twitch", "chan-other", "WAVE")
	if !ok || rec.EmoteID != "g-1" {
		t.Fatalf("global fallback: %#v ok=%v", rec, ok)
	}

	if _, ok := r.LookupName("twitch", "chan-9", "nosuch"); ok {
		t.Fatal("unknown name resolved")
	}
}

func TestSetMembers(t *testing.T) {
	r := NewRegistry()
	r.Upsert(GlobalScope, core.EmoteRecord{Platform: "twitch", EmoteID: "1", Name: "A", EmoteSetID: "set-1"})
	r.Upsert(GlobalScope, core.EmoteRecord{Platform: "twitch", EmoteID: "2", Name: "B", EmoteSetID: "set-1"})
	// duplicate upsert must not duplicate membership
	r.Upsert(GlobalScope, core.EmoteRecord{Platform: "twitch", EmoteID: "1", Name: "A", EmoteSetID: "set-1"})

	members := r.SetMembers("twitch", "set-1")
	if len(members) != 2 {
		t.Fatalf("members: %v", members)
	}
	if len(r.SetMembers("twitch", "set-none")) != 0 {
		t.Fatal("unknown set should be empty")
	}
}

func TestMarkCachedUnknownEmote(t *testing.T) {
	r := NewRegistry()
	// no panic, no phantom record
	r.MarkCached("twitch", "missing", "/nowhere.png", time.Now())
	if _, ok := r.Lookup("twitch", "missing"); ok {
		t.Fatal("MarkCached must not create records")
	}
}
