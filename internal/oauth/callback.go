package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// callbackResult is what a provider redirect delivers to a waiting flow.
type callbackResult struct {
	Code  string
	State string
	Err   string
}

// pendingFlow is one in-flight authentication waiting on its redirect.
// Handlers are one-shot: the first matching redirect consumes the flow.
type pendingFlow struct {
	platform string
	state    string
	ch       chan callbackResult
}

// CallbackListener is the single shared local HTTP server receiving OAuth
// redirects for every platform. Routes are matched per (platform, state)
// with an unscoped per-platform fallback when the provider drops the state
// path segment.
type CallbackListener struct {
	httpServer *http.Server

	mu      sync.Mutex
	pending map[string]*pendingFlow // keyed platform+"/"+state
}

const confirmationPage = `<!DOCTYPE html>
<html><head><title>omnichat</title></head>
<body><p>Authentication complete. You can close this window and return to omnichat.</p></body></html>`

// NewCallbackListener binds 127.0.0.1:port and serves /oauth/{platform}
// and /oauth/{platform}/{state}.
func NewCallbackListener(port int) *CallbackListener {
	l := &CallbackListener{pending: make(map[string]*pendingFlow)}

	r := mux.NewRouter()
	r.HandleFunc("/oauth/{platform}/{state}", l.handleRedirect).Methods(http.MethodGet)
	r.HandleFunc("/oauth/{platform}", l.handleRedirect).Methods(http.MethodGet)

	l.httpServer = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return l
}

func (l *CallbackListener) Start() error {
	log.Printf("oauth: callback listener on %s", l.httpServer.Addr)
	if err := l.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (l *CallbackListener) Shutdown(ctx context.Context) error {
	return l.httpServer.Shutdown(ctx)
}

// Register creates a one-shot route for (platform, state) and returns the
// channel the redirect will be delivered on plus a cleanup func.
func (l *CallbackListener) Register(platform, state string) (<-chan callbackResult, func()) {
	flow := &pendingFlow{platform: platform, state: state, ch: make(chan callbackResult, 1)}
	key := platform + "/" + state

	l.mu.Lock()
	l.pending[key] = flow
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.pending, key)
		l.mu.Unlock()
	}
	return flow.ch, cleanup
}

func (l *CallbackListener) handleRedirect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	platform := vars["platform"]
	state := vars["state"]
	if state == "" {
		state = r.URL.Query().Get("state")
	}

	flow, ok := l.takeFlow(platform, state)
	if !ok {
		http.Error(w, "no authentication in progress", http.StatusNotFound)
		return
	}

	res := callbackResult{
		Code:  r.URL.Query().Get("code"),
		State: r.URL.Query().Get("state"),
		Err:   r.URL.Query().Get("error"),
	}
	if res.State == "" {
		res.State = state
	}

	// Deliver without blocking; the channel is buffered and one-shot.
	select {
	case flow.ch <- res:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(confirmationPage))
}

// takeFlow resolves the redirect to its pending flow. A stateless redirect
// is accepted only when exactly one flow for the platform is in flight.
func (l *CallbackListener) takeFlow(platform, state string) (*pendingFlow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state != "" {
		key := platform + "/" + state
		if flow, ok := l.pending[key]; ok {
			delete(l.pending, key)
			return flow, true
		}
	}

	var match *pendingFlow
	count := 0
	for _, flow := range l.pending {
		if flow.platform == platform {
			match = flow
			count++
		}
	}
	if count != 1 {
		return nil, false
	}
	delete(l.pending, match.platform+"/"+match.state)
	return match, true
}
