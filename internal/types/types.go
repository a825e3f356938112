// Package types defines the wire and domain types shared across mailrelay:
// the inbound push envelope, the queued notification, the resolution outcome
// delivered back to the intake caller, and the outbound forward payload.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingCursor indicates the decoded change event carried no cursor.
var ErrMissingCursor = errors.New("change event missing cursor")

// PushEnvelope is the JSON envelope delivered by the push subscription.
// Message.Data is base64-encoded JSON holding the actual change event;
// encoding/json handles the base64 layer for []byte fields.
type PushEnvelope struct {
	Message struct {
		Data        []byte    `json:"data"`
		MessageID   string    `json:"messageId"`
		PublishTime time.Time `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ChangeEvent is the decoded payload of a push message. The cursor is the
// only signal of "something changed"; the mailbox identifies which account
// the cursor belongs to.
type ChangeEvent struct {
	Mailbox string `json:"mailbox,omitempty"`
	Cursor  uint64 `json:"cursor"`
}

// DecodeEvent extracts the ChangeEvent from the envelope's data field.
func (e *PushEnvelope) DecodeEvent() (ChangeEvent, error) {
	var ev ChangeEvent
	if len(e.Message.Data) == 0 {
		return ev, ErrMissingCursor
	}
	if err := json.Unmarshal(e.Message.Data, &ev); err != nil {
		return ev, fmt.Errorf("decode change event: %w", err)
	}
	if ev.Cursor == 0 {
		return ev, ErrMissingCursor
	}
	return ev, nil
}

// OutcomeStatus classifies how a notification's resolution cycle ended.
type OutcomeStatus string

const (
	// StatusBaseline: cold start completed; a baseline cursor was
	// established and no changes were resolved on this cycle.
	StatusBaseline OutcomeStatus = "baseline"
	// StatusResolved: the change window was walked and qualifying items
	// were forwarded.
	StatusResolved OutcomeStatus = "resolved"
	// StatusStale: the notification's cursor was at or behind the last
	// processed cursor; nothing to do. A success, not an error.
	StatusStale OutcomeStatus = "stale"
	// StatusTransientError: token acquisition or change listing failed;
	// state is unchanged and redelivery is safe.
	StatusTransientError OutcomeStatus = "transient_error"
	// StatusServerError: cold start failed; the next notification retries.
	StatusServerError OutcomeStatus = "server_error"
)

// Outcome is the terminal result of resolving one notification.
type Outcome struct {
	Status    OutcomeStatus
	Forwarded int
	Skipped   int
	Failed    int
	Err       error
}

// Notification is one inbound push event awaiting resolution. It is created
// by the intake handler, owned by the queue until dequeued, and completed
// exactly once by the engine.
type Notification struct {
	Cursor      uint64
	Mailbox     string
	MessageID   string
	PublishTime time.Time
	ReceivedAt  time.Time

	done chan Outcome
}

// NewNotification creates a notification with its one-shot completion handle.
func NewNotification(ev ChangeEvent, messageID string, publishTime time.Time) *Notification {
	return &Notification{
		Cursor:      ev.Cursor,
		Mailbox:     ev.Mailbox,
		MessageID:   messageID,
		PublishTime: publishTime,
		ReceivedAt:  time.Now().UTC(),
		done:        make(chan Outcome, 1),
	}
}

// Complete delivers the outcome to the original caller. The channel is
// buffered so completion never blocks on an intake handler that already
// timed out. A second Complete would indicate an engine bug; the surplus
// send is dropped rather than panicking.
func (n *Notification) Complete(o Outcome) {
	select {
	case n.done <- o:
	default:
	}
}

// Done returns the channel on which the outcome arrives.
func (n *Notification) Done() <-chan Outcome {
	return n.done
}

// ForwardPayload is one outbound webhook body describing a single
// qualifying change, with provenance back to the triggering notification.
type ForwardPayload struct {
	DeliveryID  string    `json:"deliveryId"`
	ItemID      string    `json:"itemId"`
	Mailbox     string    `json:"mailbox,omitempty"`
	Cursor      uint64    `json:"cursor"`
	MessageID   string    `json:"messageId,omitempty"`
	PublishTime time.Time `json:"publishTime,omitempty"`
	ForwardedAt time.Time `json:"forwardedAt"`
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Mailbox     string `json:"mailbox"`
	Initialized bool   `json:"initialized"`
	LastCursor  uint64 `json:"last_cursor"`
	QueueDepth  int    `json:"queue_depth"`
}
