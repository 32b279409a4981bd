package types

import "time"

// EventKind classifies the single notification a cycle produces.
type EventKind string

const (
	EventUnchanged     EventKind = "unchanged"
	EventChanged       EventKind = "changed"
	EventError         EventKind = "error"
	EventPricesFetched EventKind = "pricesFetched"
)

// Event is the notifier payload. A reconcile cycle emits exactly one event;
// a fetch cycle emits at most one.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// EventUnchanged: the state the plant was already in.
	State PowerState `json:"state,omitempty"`

	// EventChanged: the confirmed transition.
	OldState PowerState `json:"oldState,omitempty"`
	NewState PowerState `json:"newState,omitempty"`

	// EventError: what failed.
	ErrorKind string `json:"errorKind,omitempty"`
	Detail    string `json:"detail,omitempty"`

	// EventPricesFetched: which day landed in the store.
	Date string `json:"date,omitempty"`

	// Decision context for rendering, when a decision was reached.
	Decision *PowerDecision `json:"decision,omitempty"`
}

// SessionEvidence is a raw control-surface payload captured when a cycle hit
// an unexpected state. Write-only audit artifact, never read back by code.
type SessionEvidence struct {
	CycleID     string    `json:"cycleID"`
	Stage       string    `json:"stage"`
	CapturedAt  time.Time `json:"capturedAt"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
}
