// Package serializer provides the per-key value serializers used to encode
// session values, and the ordered chain that combines them.
package serializer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotHandled is returned by a KeySerializer that has no registration for a key.
var ErrNotHandled = errors.New("key not handled by serializer")

// KeySerializer converts session values to and from bytes for a set of keys.
//
// ID identifies the encoding. Both ends of a synchronized pair must report
// the same ID.
type KeySerializer interface {
	ID() string
	Serialize(key string, value any) ([]byte, error)
	Deserialize(key string, data []byte) (any, error)
}

// UnknownKeyError lists session keys that no serializer could handle.
type UnknownKeyError struct {
	Keys []string
}

// NewUnknownKeyError returns an UnknownKeyError with a sorted copy of keys.
func NewUnknownKeyError(keys []string) *UnknownKeyError {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &UnknownKeyError{Keys: sorted}
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown session keys: %s", strings.Join(e.Keys, ", "))
}
