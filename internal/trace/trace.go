// Package trace carries per-message diagnostic records through the display
// pipeline. A record is cheap to create and survives the message even when
// the message itself is dropped, so drop reasons stay observable.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Stage is one point a message passes on its way to the view.
type Stage string

const (
	StageReceived Stage = "received"
	StageRendered Stage = "rendered"
	StageInserted Stage = "inserted"
	StagePatched  Stage = "patched"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names a drop stage with its reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// Record captures diagnostic metadata for one message in the pipeline.
type Record struct {
	Platform string
	MsgID    string
	User     string
	Snippet  string
	TraceID  string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewRecord builds a record and seeds the received counter.
func NewRecord(platform, msgID, user, snippet string) *Record {
	if len(snippet) > 48 {
		snippet = snippet[:48]
	}
	r := &Record{
		Platform: platform,
		MsgID:    msgID,
		User:     user,
		Snippet:  snippet,
		TraceID:  computeTraceID(platform, msgID, user, snippet),
		counters: make(map[Stage]int64),
	}
	r.counters[StageReceived] = 1
	return r
}

// Inc increments the stage counter and returns the new value.
func (r *Record) Inc(stage Stage) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[stage]++
	return r.counters[stage]
}

// Log emits the record through structured logging.
func (r *Record) Log(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(msg,
		"trace_id", r.TraceID,
		"platform", r.Platform,
		"msg_id", r.MsgID,
		"user", r.User,
		"snippet", r.Snippet,
		"counters", r.snapshot(),
	)
}

func (r *Record) snapshot() map[Stage]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Stage]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

func computeTraceID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
