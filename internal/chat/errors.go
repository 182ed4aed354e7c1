package chat

import "errors"

var (
	// ErrNotFound is returned when a conversation or message does not exist,
	// or when a message does not belong to the stated conversation.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by the explicit create path when the
	// conversation id is already taken.
	ErrConflict = errors.New("already exists")

	// ErrValidation is returned when a request is missing required
	// identifiers. Rejected before any store operation runs.
	ErrValidation = errors.New("invalid request")
)
