package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// JSONSerializer encodes values of registered keys as JSON. Each key is
// bound to one Go type; values of any other type are rejected.
type JSONSerializer struct {
	mu     sync.RWMutex
	types  map[string]reflect.Type
	logger *zap.Logger
}

// NewJSONSerializer creates an empty registry.
func NewJSONSerializer(logger *zap.Logger) *JSONSerializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONSerializer{
		types:  make(map[string]reflect.Type),
		logger: logger.Named("json"),
	}
}

// Register binds key to T.
func Register[T any](s *JSONSerializer, key string) {
	s.RegisterKey(key, reflect.TypeFor[T]())
}

// RegisterKey binds key to typ.
func (s *JSONSerializer) RegisterKey(key string, typ reflect.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[key] = typ
}

// Keys returns the number of registered keys.
func (s *JSONSerializer) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.types)
}

// ID implements KeySerializer.
func (s *JSONSerializer) ID() string { return "json" }

// Serialize implements KeySerializer.
func (s *JSONSerializer) Serialize(key string, value any) ([]byte, error) {
	typ, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotHandled
	}

	if value == nil {
		if !nillable(typ) {
			return nil, fmt.Errorf("key %q registered as %s cannot hold nil", key, typ)
		}
		return []byte("null"), nil
	}

	if actual := reflect.TypeOf(value); !actual.AssignableTo(typ) {
		s.logger.Warn("session key type mismatch",
			zap.String("key", key),
			zap.String("registered", typ.String()),
			zap.String("actual", actual.String()))
		return nil, fmt.Errorf("key %q registered as %s but was actually %s", key, typ, actual)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal %q: %w", key, err)
	}
	return data, nil
}

// Deserialize implements KeySerializer.
func (s *JSONSerializer) Deserialize(key string, data []byte) (any, error) {
	typ, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotHandled
	}

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if !nillable(typ) {
			return nil, fmt.Errorf("key %q registered as %s cannot hold nil", key, typ)
		}
		return nil, nil
	}

	ptr := reflect.New(typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("unmarshal %q as %s: %w", key, typ, err)
	}
	return ptr.Elem().Interface(), nil
}

func (s *JSONSerializer) lookup(key string) (reflect.Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	typ, ok := s.types[key]
	return typ, ok
}

func nillable(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	default:
		return false
	}
}
