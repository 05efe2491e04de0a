package emotes

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/core"
)

// SetFetcher retrieves emote metadata for a batch of set ids on one
// platform. Implementations live next to each connector.
type SetFetcher func(ctx context.Context, setIDs []string) ([]core.EmoteRecord, error)

const fetchWorkers = 2

// Service runs set-metadata fetches. Blocking fetches go straight through;
// scheduled fetches are coalesced per (platform, set ids) and drained by a
// small worker pool so a burst of chat lines costs one network call.
type Service struct {
	reg      *Registry
	bus      *bus.Bus
	fetchers map[string]SetFetcher

	mu      sync.Mutex
	pending map[string]struct{}
	queue   chan fetchJob
	once    sync.Once
}

type fetchJob struct {
	platform string
	scope    string
	setIDs   []string
	key      string
}

func NewService(reg *Registry, b *bus.Bus) *Service {
	return &Service{
		reg:      reg,
		bus:      b,
		fetchers: make(map[string]SetFetcher),
		pending:  make(map[string]struct{}),
		queue:    make(chan fetchJob, 64),
	}
}

// RegisterFetcher installs the platform's metadata fetcher.
func (s *Service) RegisterFetcher(platform string, f SetFetcher) {
	s.mu.Lock()
	s.fetchers[platform] = f
	s.mu.Unlock()
}

func (s *Service) fetcher(platform string) (SetFetcher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fetchers[platform]
	return f, ok
}

// FetchEmoteSets fetches metadata for the sets synchronously, merges the
// records into the registry under scope, and announces the learned ids.
func (s *Service) FetchEmoteSets(ctx context.Context, platform, scope string, setIDs []string) error {
	f, ok := s.fetcher(platform)
	if !ok {
		return fmt.Errorf("emotes: no fetcher for %s", platform)
	}
	records, err := f(ctx, setIDs)
	if err != nil {
		return fmt.Errorf("emotes: fetch %s sets: %w", platform, err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		rec.Platform = platform
		s.reg.Upsert(scope, rec)
		ids = append(ids, rec.EmoteID)
	}
	if len(ids) > 0 && s.bus != nil {
		s.bus.PublishEmoteSetReady(bus.EmoteSetReady{Platform: platform, EmoteIDs: ids})
	}
	return nil
}

// ScheduleEmoteSetFetch queues a background fetch. Duplicate requests for
// the same platform and set list coalesce while one is in flight.
func (s *Service) ScheduleEmoteSetFetch(ctx context.Context, platform, scope string, setIDs []string) {
	if len(setIDs) == 0 {
		return
	}
	sorted := make([]string, len(setIDs))
	copy(sorted, setIDs)
	sort.Strings(sorted)
	key := platform + "|" + strings.Join(sorted, ",")

	s.mu.Lock()
	if _, inflight := s.pending[key]; inflight {
		s.mu.Unlock()
		return
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	s.once.Do(func() { s.startWorkers(ctx) })

	select {
	case s.queue <- fetchJob{platform: platform, scope: scope, setIDs: sorted, key: key}:
	default:
		// queue full; drop the coalesce marker so a later request retries
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		log.Printf("emotes: fetch queue full, dropping %s set request", platform)
	}
}

func (s *Service) startWorkers(ctx context.Context) {
	for i := 0; i < fetchWorkers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-s.queue:
					if err := s.FetchEmoteSets(ctx, job.platform, job.scope, job.setIDs); err != nil {
						log.Printf("emotes: %v", err)
					}
					s.mu.Lock()
					delete(s.pending, job.key)
					s.mu.Unlock()
				}
			}
		}()
	}
}
