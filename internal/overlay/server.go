// Package overlay serves the OBS browser-source feed: an SSE stream of
// rendered messages and deletions, plus health, status and metrics
// endpoints. The server is a pure downstream of the pipeline; a slow or
// absent overlay client never blocks chat.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/omnichat/internal/chatmanager"
	"github.com/you/omnichat/internal/core"
	"github.com/you/omnichat/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var feedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "omnichat_overlay_frames_total",
	Help: "Frames broadcast to overlay clients.",
}, []string{"kind"})

// Frame is the stable wire shape overlay clients consume.
type Frame struct {
	Kind      string       `json:"kind"`
	Platform  string       `json:"platform"`
	Username  string       `json:"username,omitempty"`
	Text      string       `json:"text,omitempty"`
	MessageID string       `json:"message_id"`
	Badges    []core.Badge `json:"badges,omitempty"`
	Color     string       `json:"color,omitempty"`
}

// StatusSource supplies the /status payload.
type StatusSource interface {
	Status() []chatmanager.PlatformStatus
}

// WarningSource supplies active credential warnings for /status.
type WarningSource interface {
	Warnings() map[string]string
}

type Options struct {
	Addr string
	// RateRPS/RateBurst bound per-IP request rates; zero disables limiting.
	RateRPS   int
	RateBurst int
}

// Server is the overlay HTTP server and SSE broadcaster.
type Server struct {
	httpServer *http.Server
	status     StatusSource
	warnings   WarningSource
	limiter    *ipRateLimiter

	mu       sync.Mutex
	clients  map[chan Frame]struct{}
	closed   bool
	listener net.Listener
}

func New(status StatusSource, warnings WarningSource, opts Options) *Server {
	srv := &Server{
		status:   status,
		warnings: warnings,
		limiter:  newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		clients:  make(map[chan Frame]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/feed", srv.handleFeed)
	mux.Handle("/metrics", promhttp.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.limit(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.status != nil {
		payload["platforms"] = s.status.Status()
	}
	if s.warnings != nil {
		payload["warnings"] = s.warnings.Warnings()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan Frame, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Kind, data)
			flusher.Flush()
		}
	}
}

// broadcast fans a frame to every client, dropping for slow ones.
func (s *Server) broadcast(frame Frame) {
	feedFramesTotal.WithLabelValues(frame.Kind).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Inserted implements pipeline.Sink: only ordinary chat messages carrying
// at least one image reach the overlay.
func (s *Server) Inserted(row pipeline.Row) {
	if !row.HasImage {
		return
	}
	if row.Event != "" && row.Event != core.EventChat {
		return
	}
	s.broadcast(Frame{
		Kind:      "message",
		Platform:  row.Platform,
		Username:  row.Username,
		Text:      row.Text,
		MessageID: row.MsgID,
		Badges:    row.Badges,
		Color:     row.Color,
	})
}

// Removed implements pipeline.Sink: deletions always go out.
func (s *Server) Removed(platform, platformMsgID string) {
	s.broadcast(Frame{Kind: "delete", Platform: platform, MessageID: platformMsgID})
}

// Start listens and serves until Shutdown. The bound address is available
// through Addr once Start has begun listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Printf("overlay: listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Addr reports the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
