package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/mailrelay/internal/queue"
	"github.com/hyperengineering/mailrelay/internal/types"
)

// Drainer is the engine surface the intake endpoint needs: a drain trigger
// and a state snapshot for health reporting.
type Drainer interface {
	TryDrain()
	State() (initialized bool, lastCursor uint64)
}

// Handler implements the API handlers
type Handler struct {
	queue       *queue.Queue
	engine      Drainer
	waitTimeout time.Duration
	apiKey      string
	mailbox     string
	version     string
}

// NewHandler creates a new Handler. waitTimeout bounds how long the intake
// handler waits for a notification's outcome before answering 202.
func NewHandler(q *queue.Queue, e Drainer, waitTimeout time.Duration, apiKey, mailbox, version string) *Handler {
	return &Handler{
		queue:       q,
		engine:      e,
		waitTimeout: waitTimeout,
		apiKey:      apiKey,
		mailbox:     mailbox,
		version:     version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	initialized, lastCursor := h.engine.State()
	resp := types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Mailbox:     h.mailbox,
		Initialized: initialized,
		LastCursor:  lastCursor,
		QueueDepth:  h.queue.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// intakeResponse is the 2xx body for a resolved notification.
type intakeResponse struct {
	Status    string `json:"status"`
	Forwarded int    `json:"forwarded,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// Notify handles POST /api/v1/notifications. It decodes the push envelope,
// enqueues the notification, wakes the engine, and waits (bounded) for the
// resolution outcome. The response code tells the push source whether to
// redeliver: 2xx/4xx no, 202/5xx yes.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var env types.PushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	ev, err := env.DecodeEvent()
	if err != nil {
		if errors.Is(err, types.ErrMissingCursor) {
			WriteProblem(w, r, http.StatusBadRequest, "Envelope data is missing a cursor")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid envelope data: %s", err.Error()))
		return
	}

	n := types.NewNotification(ev, env.Message.MessageID, env.Message.PublishTime)
	if err := h.queue.Enqueue(n); err != nil {
		// Queue at capacity; the push source's retry is the backpressure.
		WriteProblem(w, r, http.StatusServiceUnavailable, "Notification queue full, retry later")
		return
	}
	h.engine.TryDrain()

	select {
	case outcome := <-n.Done():
		h.writeOutcome(w, r, outcome)
	case <-time.After(h.waitTimeout):
		// Still queued or mid-cycle (cold-start contention, long batch).
		// The source redelivers and the stale check absorbs the replay.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(intakeResponse{Status: "accepted"}); err != nil {
			slog.Error("failed to encode intake response", "error", err)
		}
	case <-r.Context().Done():
		// Caller gave up; the engine still resolves the notification.
	}
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, o types.Outcome) {
	switch o.Status {
	case types.StatusResolved:
		writeJSON(w, http.StatusOK, intakeResponse{
			Status:    string(o.Status),
			Forwarded: o.Forwarded,
			Skipped:   o.Skipped,
			Failed:    o.Failed,
		})
	case types.StatusBaseline, types.StatusStale:
		writeJSON(w, http.StatusOK, intakeResponse{Status: string(o.Status)})
	case types.StatusTransientError:
		WriteProblem(w, r, http.StatusServiceUnavailable, "Upstream temporarily unavailable, retry later")
	case types.StatusServerError:
		WriteProblem(w, r, http.StatusInternalServerError, "Baseline initialization failed, retry later")
	default:
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
