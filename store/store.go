// Package store provides InvocationStore implementations: an in-memory store
// for tests and embedding, and a SQLite store for durable single-node
// deployments.
package store

import "errors"

var (
	// ErrNotFound is returned when an invocation does not exist.
	ErrNotFound = errors.New("invocation not found")

	// ErrDuplicateID is returned when creating an invocation whose id is
	// already taken.
	ErrDuplicateID = errors.New("invocation id already exists")

	// ErrStaleFence is returned for writes made with a superseded fencing
	// token. The caller has lost its claim and must stop executing.
	ErrStaleFence = errors.New("stale fencing token")

	// ErrInvalidTransition is returned when a status change is not legal
	// from the invocation's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)
