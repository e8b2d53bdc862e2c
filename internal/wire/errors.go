package wire

import "errors"

// Format errors.
var (
	ErrUnknownVersion = errors.New("serialized session state has unknown version")
	ErrMalformed      = errors.New("malformed session payload")
	ErrTooLarge       = errors.New("session payload exceeds size limit")
)

// ErrSerializerMismatch means the peers disagree on the key serializer chain.
var ErrSerializerMismatch = errors.New("session was serialized with a different key serializer")
