// Package htr talks to the Transkribus handwritten text recognition service.
//
// One page is uploaded as one document and recognized by one job. A job is
// followed through an explicit state machine:
//
//	SUBMITTED -> RUNNING -> FINISHED | FAILED | CANCELED
//
// with a synthetic TIMED_OUT state entered when the poll budget runs out.
// Terminal states have no outgoing transitions.
package htr

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Credentials authenticate against the service.
type Credentials struct {
	Username string
	Password string
}

// Session is an opaque login token. It is only valid for the lifetime of a
// run and is shared read-only between pages.
type Session struct {
	ID string
}

// JobHandle identifies one recognition job and where its result will live.
type JobHandle struct {
	JobID        string
	DocumentID   string
	CollectionID string
	// PageNumber is the page inside the uploaded document; always 1 because
	// every page is uploaded on its own.
	PageNumber int
}

// JobState is the client side view of a recognition job.
type JobState int

const (
	StateSubmitted JobState = iota
	StateRunning
	StateFinished
	StateFailed
	StateCanceled
	StateTimedOut
)

func (s JobState) String() string {
	switch s {
	case StateSubmitted:
		return "SUBMITTED"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	case StateCanceled:
		return "CANCELED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateCanceled, StateTimedOut:
		return true
	default:
		return false
	}
}

// parseState maps the service's job states onto JobState. CREATED and
// WAITING are queued states; anything unrecognised is treated as still
// running so the poll budget decides.
func parseState(raw string) (JobState, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CREATED", "WAITING", "PENDING":
		return StateSubmitted, true
	case "RUNNING":
		return StateRunning, true
	case "FINISHED":
		return StateFinished, true
	case "FAILED":
		return StateFailed, true
	case "CANCELED", "CANCELLED":
		return StateCanceled, true
	default:
		return StateRunning, false
	}
}

// JobOutcome is the single terminal value produced by AwaitCompletion.
type JobOutcome struct {
	State JobState
	// Polls is the number of status requests made.
	Polls int
	// Text is the recognized text; set only when State is StateFinished.
	Text string
}

// opaqueID accepts identifiers the service sends as either JSON strings or
// numbers.
type opaqueID string

func (id *opaqueID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = opaqueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = opaqueID(n.String())
	return nil
}
