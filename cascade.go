// Package cascade defines the data model and collaborator contracts for the
// cascade execution engine: a deterministic, durable runtime for registered
// entrypoints (functions and workflows). Programs execute against a recording
// call boundary so that a suspended or crashed invocation can be rebuilt from
// its latest snapshot and fast-forwarded to exactly where it left off.
//
// The engine itself lives in the engine package. Storage, event delivery, and
// program loading are pluggable through the interfaces declared here.
package cascade

import (
	"log"

	"go.jetify.com/typeid"
)

// Mode selects how an invocation is driven once submitted.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// NewInvocationID creates a new invocation id
func NewInvocationID() string {
	return newID("inv")
}

// NewEventID creates a new event id
func NewEventID() string {
	return newID("event")
}

// NewSnapshotID creates a new snapshot id
func NewSnapshotID() string {
	return newID("snap")
}

// NewSubscriptionID creates a new event subscription id
func NewSubscriptionID() string {
	return newID("sub")
}

func newID(prefix string) string {
	value, err := typeid.WithPrefix(prefix)
	if err != nil {
		log.Fatalf("error creating new id: %v", err)
	}
	return value.String()
}
