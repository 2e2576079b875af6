package chat

import "errors"

var (
	// ErrNotFound covers users, sessions, and model refs that don't exist
	// (or that the caller isn't allowed to know exist).
	ErrNotFound = errors.New("chat: not found")

	// ErrNotOwner is returned when a caller touches a session owned by
	// someone else. Never downgraded to ErrNotFound on the resolve path,
	// so the transaction is rolled back and the mismatch is visible.
	ErrNotOwner = errors.New("chat: session owned by another user")
)
