package serializer

import (
	"fmt"
	"strings"
)

// BytesSerializer passes []byte values through unchanged for keys that
// start with one of its prefixes. An empty prefix matches every key.
type BytesSerializer struct {
	prefixes []string
}

// NewBytesSerializer creates a pass-through serializer for the given key prefixes.
func NewBytesSerializer(prefixes ...string) *BytesSerializer {
	return &BytesSerializer{prefixes: prefixes}
}

// ID implements KeySerializer.
func (s *BytesSerializer) ID() string { return "bytes" }

// Serialize implements KeySerializer.
func (s *BytesSerializer) Serialize(key string, value any) ([]byte, error) {
	if !s.handles(key) {
		return nil, ErrNotHandled
	}
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("key %q holds %T, want []byte", key, value)
	}
	return append([]byte(nil), b...), nil
}

// Deserialize implements KeySerializer.
func (s *BytesSerializer) Deserialize(key string, data []byte) (any, error) {
	if !s.handles(key) {
		return nil, ErrNotHandled
	}
	return append([]byte(nil), data...), nil
}

func (s *BytesSerializer) handles(key string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
