package emotes

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/core"
)

func TestFetchEmoteSets(t *testing.T) {
	reg := NewRegistry()
	signals := bus.New()
	ready := make(chan bus.EmoteSetReady, 1)
	signals.SubscribeEmoteSetReady(func(ev bus.EmoteSetReady) { ready <- ev })

	svc := NewService(reg, signals)
	svc.RegisterFetcher("twitch", func(_ context.Context, setIDs []string) ([]core.EmoteRecord, error) {
		if len(setIDs) != 1 || setIDs[0] != "set-1" {
			t.Errorf("set ids: %v", setIDs)
		}
		return []core.EmoteRecord{
			{EmoteID: "1", Name: "A", EmoteSetID: "set-1"},
			{EmoteID: "2", Name: "B", EmoteSetID: "set-1"},
		}, nil
	})

	if err := svc.FetchEmoteSets(context.Background(), "twitch", GlobalScope, []string{"set-1"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	select {
	case ev := <-ready:
		if ev.Platform != "twitch" || len(ev.EmoteIDs) != 2 {
			t.Fatalf("ready event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no set-ready announcement")
	}

	// the fetcher's platform is stamped onto every record
	rec, ok := reg.Lookup("twitch", "1")
	if !ok || rec.Platform != "twitch" {
		t.Fatalf("record: %#v ok=%v", rec, ok)
	}
	if _, ok := reg.LookupName("twitch", "", "a"); !ok {
		t.Fatal("name not registered")
	}
}

func TestFetchEmoteSetsNoFetcher(t *testing.T) {
	svc := NewService(NewRegistry(), nil)
	if err := svc.FetchEmoteSets(context.Background(), "nowhere", GlobalScope, []string{"s"}); err == nil {
		t.Fatal("expected error for unregistered platform")
	}
}

func TestFetchEmoteSetsPropagatesError(t *testing.T) {
	svc := NewService(NewRegistry(), nil)
	svc.RegisterFetcher("twitch", func(context.Context, []string) ([]core.EmoteRecord, error) {
		return nil, errors.New("backend down")
	})
	if err := svc.FetchEmoteSets(context.Background(), "twitch", GlobalScope, []string{"s"}); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}

func TestScheduleCoalescesDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	svc := NewService(reg, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	fetched := make(chan struct{}, 8)
	svc.RegisterFetcher("twitch", func(context.Context, []string) ([]core.EmoteRecord, error) {
		calls.Add(1)
		<-release
		fetched <- struct{}{}
		return nil, nil
	})

	// same set list in different order coalesces to one fetch
	svc.ScheduleEmoteSetFetch(ctx, "twitch", GlobalScope, []string{"b", "a"})
	svc.ScheduleEmoteSetFetch(ctx, "twitch", GlobalScope, []string{"a", "b"})
	svc.ScheduleEmoteSetFetch(ctx, "twitch", GlobalScope, []string{"a", "b"})

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatal("scheduled fetch never ran")
	}
	// allow stragglers to surface before counting
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one coalesced fetch, got %d", got)
	}
}

func TestScheduleEmptyListIsNoop(t *testing.T) {
	svc := NewService(NewRegistry(), nil)
	svc.ScheduleEmoteSetFetch(context.Background(), "twitch", GlobalScope, nil)
}
