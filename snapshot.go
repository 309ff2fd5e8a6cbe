package cascade

import (
	"encoding/json"
	"time"
)

// RecordingKind identifies the kind of non-deterministic operation a
// recording captured. Replay verifies kinds positionally: a mismatch means
// the snapshot is corrupt or the program is non-deterministic.
type RecordingKind string

const (
	RecordingTime   RecordingKind = "time"
	RecordingRandom RecordingKind = "random"
	RecordingSleep  RecordingKind = "sleep"
	RecordingCall   RecordingKind = "call"
	RecordingEvent  RecordingKind = "event"
)

// Recording is one entry in the call boundary's log: the captured result of a
// non-deterministic operation, identified by its position in the execution
// order. Results are stored in JSON-friendly form so a log reloaded from a
// snapshot is indistinguishable from one built in memory.
type Recording struct {
	Sequence   int64         `json:"sequence"`
	Kind       RecordingKind `json:"kind"`
	Result     any           `json:"result,omitempty"`
	Failure    *Error        `json:"failure,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Err returns the recorded failure as an error, or nil on success.
func (r *Recording) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Snapshot is a durable capture of in-progress execution state: the step
// ledger plus the call boundary recordings needed for deterministic replay.
// Replaying a program against the recordings up to the resume marker is a
// pure re-derivation; only code past the marker performs new side effects.
//
// An invocation points at its latest snapshot only. Older snapshots are
// superseded, not linked.
type Snapshot struct {
	ID           string        `json:"id"`
	InvocationID string        `json:"invocation_id"`
	Attempt      int           `json:"attempt"`
	Steps        []*StepRecord `json:"steps,omitempty"`
	Recordings   []*Recording  `json:"recordings,omitempty"`

	// ResumeMarker is the number of recordings a resumed execution replays
	// before live execution begins.
	ResumeMarker int64 `json:"resume_marker"`

	// Subscription is set while the invocation is suspended on an event wait.
	Subscription *EventSubscription `json:"subscription,omitempty"`

	// LastEventSeq carries the timeline sequence counter across resumes.
	LastEventSeq int64 `json:"last_event_seq,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the snapshot via a JSON round trip, which also
// normalizes recorded results to their persisted representation.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventSubscription binds a suspended invocation to an external event type,
// an optional filter, and a timeout. A subscription is consumed exactly once,
// by a matching event or by timeout expiry, whichever occurs first.
type EventSubscription struct {
	ID           string        `json:"id"`
	InvocationID string        `json:"invocation_id"`
	EventType    string        `json:"event_type"`
	Filter       string        `json:"filter,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	CreatedAt    time.Time     `json:"created_at"`
}
