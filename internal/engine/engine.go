// Package engine implements the incremental synchronization engine: it
// drains the notification queue one item at a time, establishes the cursor
// baseline on cold start, resolves each newer cursor into the set of added
// items, and forwards the ones that qualify. At most one resolution cycle
// runs at any instant and the last-processed cursor never regresses.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/mailrelay/internal/archive"
	"github.com/hyperengineering/mailrelay/internal/forward"
	"github.com/hyperengineering/mailrelay/internal/queue"
	"github.com/hyperengineering/mailrelay/internal/store"
	"github.com/hyperengineering/mailrelay/internal/types"
	"github.com/hyperengineering/mailrelay/internal/upstream"
)

// Config holds the collaborators and policy for NewEngine. A struct because
// seven dependencies is too many for positional parameters.
type Config struct {
	Queue        *queue.Queue
	Tokens       upstream.TokenProvider
	Source       upstream.ChangeSource
	Sink         forward.Sink
	Cursors      store.CursorStore // nil means no persistence
	Archive      archive.Archiver  // nil means no archiving
	Mailbox      string
	RequiredTags []string // qualification predicate; empty forwards all
	CallTimeout  time.Duration
}

// Engine owns the synchronization state for one mailbox. Instantiate one
// engine per mailbox; there are no package-level globals.
type Engine struct {
	queue        *queue.Queue
	tokens       upstream.TokenProvider
	source       upstream.ChangeSource
	sink         forward.Sink
	cursors      store.CursorStore
	archive      archive.Archiver
	mailbox      string
	requiredTags []string
	callTimeout  time.Duration

	// wake carries drain triggers to the Run loop. Buffered with one
	// slot: a trigger during an active drain coalesces with the pending
	// one instead of accumulating.
	wake chan struct{}

	// processing is the single-flight drain lock; initializing guards
	// the cold-start branch against re-entry.
	processing   atomic.Bool
	initializing atomic.Bool

	// mu guards initialized and lastCursor for readers outside the
	// drain cycle (health endpoint); the drain cycle itself is the only
	// writer.
	mu          sync.Mutex
	initialized bool
	lastCursor  uint64
}

// New creates an engine. It does not start draining; call Run.
func New(cfg Config) *Engine {
	cursors := cfg.Cursors
	if cursors == nil {
		cursors = store.NoopStore{}
	}
	arch := cfg.Archive
	if arch == nil {
		arch = archive.NoopArchiver{}
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Engine{
		queue:        cfg.Queue,
		tokens:       cfg.Tokens,
		source:       cfg.Source,
		sink:         cfg.Sink,
		cursors:      cursors,
		archive:      arch,
		mailbox:      cfg.Mailbox,
		requiredTags: cfg.RequiredTags,
		callTimeout:  callTimeout,
		wake:         make(chan struct{}, 1),
	}
}

// Run is the worker loop. It blocks until ctx is cancelled, draining the
// queue whenever TryDrain wakes it.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.drain(ctx)
		}
	}
}

// TryDrain schedules a drain. It never blocks: if a drain is already
// pending or active, the trigger coalesces and the active drain picks up
// the queued work.
func (e *Engine) TryDrain() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// State returns the engine's initialization flag and last-processed cursor.
func (e *Engine) State() (initialized bool, lastCursor uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized, e.lastCursor
}

// drain processes queued notifications to completion, one at a time, until
// the queue is empty. Guarded by the single-flight processing flag.
func (e *Engine) drain(ctx context.Context) {
	if !e.processing.CompareAndSwap(false, true) {
		// The active drain will pick up the queued work.
		return
	}

	for ctx.Err() == nil {
		n, ok := e.queue.DequeueOldest()
		if !ok {
			break
		}
		if deferred := e.resolve(ctx, n); deferred {
			// The notification went back to the front of the queue;
			// replay it on the next wake rather than spinning here.
			break
		}
	}

	e.processing.Store(false)

	// An Enqueue between the last DequeueOldest and the flag release
	// would otherwise be stranded until the next notification arrives.
	if e.queue.Len() > 0 {
		e.TryDrain()
	}
}

// resolve processes one notification to completion. It returns true when
// the notification was deferred (re-enqueued at the front) instead of
// completed.
func (e *Engine) resolve(ctx context.Context, n *types.Notification) bool {
	token, err := e.fetchToken(ctx)
	if err != nil {
		slog.Warn("token acquisition failed",
			"component", "engine",
			"action", "token_failed",
			"cursor", n.Cursor,
			"error", err,
		)
		n.Complete(types.Outcome{Status: types.StatusTransientError, Err: err})
		return false
	}

	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()

	if !initialized {
		return e.coldStart(ctx, n, token)
	}

	e.resolveDelta(ctx, n, token)
	return false
}

// coldStart establishes the baseline cursor: from the cursor store when it
// holds one, otherwise from the mailbox's current cursor. No changes are
// resolved on this cycle; the next notification resolves the delta.
func (e *Engine) coldStart(ctx context.Context, n *types.Notification, token string) bool {
	if e.initializing.Load() {
		// Another cycle is mid cold-start. Defer, preserving arrival
		// order relative to everything queued behind this notification.
		e.queue.PushFront(n)
		return true
	}
	e.initializing.Store(true)
	defer e.initializing.Store(false)

	baseline, err := e.readStoredCursor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		baseline, err = e.currentCursor(ctx, token)
		if err == nil {
			if werr := e.writeStoredCursor(ctx, baseline); werr != nil {
				slog.Warn("baseline persist failed",
					"component", "engine",
					"action", "cursor_persist_failed",
					"cursor", baseline,
					"error", werr,
				)
			}
		}
	}
	if err != nil {
		slog.Error("cold start failed",
			"component", "engine",
			"action", "cold_start_failed",
			"cursor", n.Cursor,
			"error", err,
		)
		n.Complete(types.Outcome{Status: types.StatusServerError, Err: err})
		return false
	}

	e.mu.Lock()
	e.lastCursor = baseline
	e.initialized = true
	e.mu.Unlock()

	slog.Info("baseline established",
		"component", "engine",
		"action", "cold_start_complete",
		"baseline", baseline,
	)
	n.Complete(types.Outcome{Status: types.StatusBaseline})
	return false
}

// resolveDelta walks the change window (lastCursor, n.Cursor], forwards
// qualifying items, and advances the cursor.
//
// The cursor advances unconditionally once the batch has been walked: a
// per-item tag-fetch or forward failure is counted, not retried. Holding
// the cursor back would reprocess the whole window on every redelivery and
// can wedge the relay behind one permanently failing item.
func (e *Engine) resolveDelta(ctx context.Context, n *types.Notification, token string) {
	e.mu.Lock()
	last := e.lastCursor
	e.mu.Unlock()

	if n.Cursor <= last {
		slog.Debug("stale notification skipped",
			"component", "engine",
			"action", "stale_skipped",
			"cursor", n.Cursor,
			"last_cursor", last,
		)
		n.Complete(types.Outcome{Status: types.StatusStale})
		return
	}

	records, err := e.listChanges(ctx, token, last, n.Cursor)
	if err != nil {
		slog.Warn("change listing failed",
			"component", "engine",
			"action", "list_changes_failed",
			"cursor", n.Cursor,
			"since", last,
			"error", err,
		)
		n.Complete(types.Outcome{Status: types.StatusTransientError, Err: err})
		return
	}

	// The same item may appear in multiple records; process each id once.
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.ItemID]; ok {
			continue
		}
		seen[r.ItemID] = struct{}{}
		ids = append(ids, r.ItemID)
	}

	var forwarded, skipped, failed int
	for _, id := range ids {
		tags, err := e.fetchTags(ctx, token, id)
		if err != nil {
			failed++
			slog.Warn("tag fetch failed",
				"component", "engine",
				"action", "tag_fetch_failed",
				"item_id", id,
				"error", err,
			)
			continue
		}
		if !e.qualifies(tags) {
			skipped++
			continue
		}

		payload := types.ForwardPayload{
			DeliveryID:  ulid.Make().String(),
			ItemID:      id,
			Mailbox:     e.mailbox,
			Cursor:      n.Cursor,
			MessageID:   n.MessageID,
			PublishTime: n.PublishTime,
			ForwardedAt: time.Now().UTC(),
		}
		if err := e.deliver(ctx, payload); err != nil {
			failed++
			slog.Warn("forward failed",
				"component", "engine",
				"action", "forward_failed",
				"item_id", id,
				"delivery_id", payload.DeliveryID,
				"error", err,
			)
			continue
		}
		forwarded++

		if err := e.archivePayload(ctx, payload); err != nil {
			slog.Warn("delivery archive failed",
				"component", "engine",
				"action", "archive_failed",
				"delivery_id", payload.DeliveryID,
				"error", err,
			)
		}
	}

	e.mu.Lock()
	if n.Cursor > e.lastCursor {
		e.lastCursor = n.Cursor
	}
	e.mu.Unlock()

	if err := e.writeStoredCursor(ctx, n.Cursor); err != nil {
		slog.Warn("cursor persist failed",
			"component", "engine",
			"action", "cursor_persist_failed",
			"cursor", n.Cursor,
			"error", err,
		)
	}

	slog.Info("cycle complete",
		"component", "engine",
		"action", "cycle_complete",
		"cursor", n.Cursor,
		"items", len(ids),
		"forwarded", forwarded,
		"skipped", skipped,
		"failed", failed,
	)
	n.Complete(types.Outcome{
		Status:    types.StatusResolved,
		Forwarded: forwarded,
		Skipped:   skipped,
		Failed:    failed,
	})
}

// qualifies reports whether the item's current tags satisfy the predicate:
// every required tag must be present.
func (e *Engine) qualifies(tags []string) bool {
	if len(e.requiredTags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[t] = struct{}{}
	}
	for _, want := range e.requiredTags {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// Bounded-timeout wrappers around each external collaborator call.

func (e *Engine) fetchToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.tokens.Token(ctx)
}

func (e *Engine) currentCursor(ctx context.Context, token string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.source.CurrentCursor(ctx, token)
}

func (e *Engine) listChanges(ctx context.Context, token string, since, until uint64) ([]upstream.ChangeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.source.ListChanges(ctx, token, since, until)
}

func (e *Engine) fetchTags(ctx context.Context, token, itemID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.source.Tags(ctx, token, itemID)
}

func (e *Engine) deliver(ctx context.Context, payload types.ForwardPayload) error {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.sink.Deliver(ctx, payload)
}

func (e *Engine) archivePayload(ctx context.Context, payload types.ForwardPayload) error {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.archive.Store(ctx, payload)
}

func (e *Engine) readStoredCursor(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.cursors.Read(ctx, e.mailbox)
}

func (e *Engine) writeStoredCursor(ctx context.Context, cursor uint64) error {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.cursors.Write(ctx, e.mailbox, cursor)
}
