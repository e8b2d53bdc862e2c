package serializer

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// Chain tries its members in registration order. The first member that
// succeeds wins, for both directions.
type Chain struct {
	members []KeySerializer
	tracker *UnknownKeyTracker
	logger  *zap.Logger
}

// NewChain creates a chain over members. If logger is nil, uses a no-op logger.
func NewChain(logger *zap.Logger, members ...KeySerializer) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		members: members,
		logger:  logger.Named("serializer"),
	}
}

// NewUntypedChain builds the chain both binaries use: jsonKeys are bound
// to untyped JSON values and keys under bytesPrefixes pass through as raw
// bytes. A JSON key that also matches a bytes prefix is left to the bytes
// member, so the chain ID only depends on whether prefixes are configured.
func NewUntypedChain(logger *zap.Logger, jsonKeys, bytesPrefixes []string) *Chain {
	keys := NewJSONSerializer(logger)
	raw := NewBytesSerializer(bytesPrefixes...)
	for _, key := range jsonKeys {
		if !raw.handles(key) {
			keys.RegisterKey(key, reflect.TypeFor[any]())
		}
	}
	members := []KeySerializer{keys}
	if len(bytesPrefixes) > 0 {
		members = append(members, raw)
	}
	return NewChain(logger, members...)
}

// WithTracker records every key the chain fails on in t.
func (c *Chain) WithTracker(t *UnknownKeyTracker) *Chain {
	c.tracker = t
	return c
}

// Tracker returns the attached tracker, or nil.
func (c *Chain) Tracker() *UnknownKeyTracker {
	return c.tracker
}

// ID joins the member IDs with ';'.
func (c *Chain) ID() string {
	ids := make([]string, len(c.members))
	for i, m := range c.members {
		ids[i] = m.ID()
	}
	return strings.Join(ids, ";")
}

// Serialize encodes value with the first member that accepts key.
func (c *Chain) Serialize(key string, value any) ([]byte, error) {
	var errs []error
	for _, m := range c.members {
		data, err := m.Serialize(key, value)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotHandled) {
			c.logger.Debug("serializer failed",
				zap.String("serializer", m.ID()),
				zap.String("key", key),
				zap.Error(err))
		}
		errs = append(errs, err)
	}
	c.unknown(key)
	return nil, fmt.Errorf("serialize %q: %w", key, errors.Join(append(errs, ErrNotHandled)...))
}

// Deserialize decodes data with the first member that accepts key.
func (c *Chain) Deserialize(key string, data []byte) (any, error) {
	var errs []error
	for _, m := range c.members {
		v, err := m.Deserialize(key, data)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotHandled) {
			c.logger.Debug("deserializer failed",
				zap.String("serializer", m.ID()),
				zap.String("key", key),
				zap.Error(err))
		}
		errs = append(errs, err)
	}
	c.unknown(key)
	return nil, fmt.Errorf("deserialize %q: %w", key, errors.Join(append(errs, ErrNotHandled)...))
}

func (c *Chain) unknown(key string) {
	if c.tracker != nil {
		c.tracker.Record(key)
	}
}
