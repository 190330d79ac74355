package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/scheduler"
)

// StatusSource is the read side of the State Store the handlers need.
type StatusSource interface {
	Ping(ctx context.Context) error
	ListLive(ctx context.Context) ([]live.Record, error)
	GetKV(ctx context.Context, key string) (string, bool, error)
}

// InFlightCounter reports running check jobs.
type InFlightCounter interface {
	InFlight() int
}

// Options tunes the mux.
type Options struct {
	// AdminToken guards /status via X-Admin-Token; empty leaves it open.
	AdminToken string
	// StatusPerMinute caps /status requests per client IP; zero disables.
	StatusPerMinute int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store StatusSource
	jobs  InFlightCounter
	// staleAfter is how old the tick heartbeat may get before /readyz fails.
	staleAfter time.Duration
	now        func() time.Time
}

// NewHandlers creates handlers. The scheduler is ready while its heartbeat
// is younger than three tick intervals.
func NewHandlers(store StatusSource, jobs InFlightCounter, tickInterval time.Duration) *Handlers {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &Handlers{store: store, jobs: jobs, staleAfter: 3 * tickInterval, now: time.Now}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) lastTick(ctx context.Context) (time.Time, error) {
	v, ok, err := h.store.GetKV(ctx, scheduler.HeartbeatKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.New("no tick recorded yet")
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad heartbeat %q: %w", v, err)
	}
	return t, nil
}

// HandleReadyz responds to readiness probes with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"scheduler", func() error {
			t, err := h.lastTick(r.Context())
			if err != nil {
				return err
			}
			if age := h.now().Sub(t); age > h.staleAfter {
				return fmt.Errorf("last tick %s ago", age.Round(time.Second))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type liveEntry struct {
	EntityID     string     `json:"entity_id"`
	Platform     string     `json:"platform"`
	LastNotified string     `json:"last_notified,omitempty"`
	SessionStart *time.Time `json:"session_start,omitempty"`
	MessageRef   string     `json:"message_ref,omitempty"`
}

type statusResponse struct {
	Live     []liveEntry `json:"live"`
	InFlight int         `json:"in_flight"`
	LastTick *time.Time  `json:"last_tick,omitempty"`
}

// HandleStatus lists the pairs currently live.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := h.store.ListLive(r.Context())
	if err != nil {
		slog.Error("list live status", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to load status", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{Live: make([]liveEntry, 0, len(recs))}
	for _, rec := range recs {
		e := liveEntry{EntityID: rec.EntityID, Platform: string(rec.Platform), SessionStart: rec.SessionStart}
		if !rec.LastNotified.IsZero() {
			e.LastNotified = rec.LastNotified.String()
		}
		if rec.Message != nil {
			e.MessageRef = rec.Message.MessageRef
		}
		resp.Live = append(resp.Live, e)
	}
	if h.jobs != nil {
		resp.InFlight = h.jobs.InFlight()
	}
	if t, err := h.lastTick(r.Context()); err == nil {
		resp.LastTick = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
