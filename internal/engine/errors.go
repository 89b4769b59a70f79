package engine

import "errors"

var (
	// ErrConflict means an active iteration already exists for the scene.
	ErrConflict = errors.New("active iteration already exists for scene")

	// ErrStaleTransition means the ledger compare-and-swap found a
	// different state than expected: a redelivered or racing task lost.
	// Discarded silently by the losing worker, never surfaced to clients.
	ErrStaleTransition = errors.New("stale transition")

	// ErrTerminal means the iteration has already reached COMMIT or ABORTED.
	ErrTerminal = errors.New("iteration is terminal")
)
