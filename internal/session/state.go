package session

import (
	"slices"
	"sort"
	"time"
)

// DefaultTimeout is the idle timeout assigned to sessions that do not carry one.
const DefaultTimeout = 20 * time.Minute

// State is a session and its key/value collection.
type State struct {
	id string

	// Timeout is the idle timeout. The wire carries it in whole minutes.
	Timeout      time.Duration
	IsNewSession bool
	IsAbandoned  bool
	IsReadOnly   bool

	tracking bool
	items    map[string]cell
	unknown  []string
	decoder  Deserializer
	onError  func(key string, err error)
}

// Change is the change marker of a single key.
type Change struct {
	Key   string
	State ChangeState
}

// Entry is a read-only view of one key used by encoders. Reading an Entry
// does not promote its state.
type Entry struct {
	Key   string
	State ChangeState
	Value any
	Raw   []byte
}

// Option configures a State.
type Option func(*State)

// WithDeserializer sets the decoder used for raw payloads.
func WithDeserializer(d Deserializer) Option {
	return func(s *State) { s.decoder = d }
}

// WithDecodeErrorHook registers a callback for payloads that fail to decode
// on access.
func WithDecodeErrorHook(fn func(key string, err error)) Option {
	return func(s *State) { s.onError = fn }
}

// NewState creates an empty plain session.
func NewState(id string, opts ...Option) *State {
	s := &State{
		id:    id,
		items: make(map[string]cell),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTracking creates an empty session that records per-key changes.
func NewTracking(id string, opts ...Option) *State {
	s := NewState(id, opts...)
	s.tracking = true
	return s
}

// ID returns the session identifier assigned by the owning process.
func (s *State) ID() string { return s.id }

// IsTracking reports whether the session records per-key changes.
func (s *State) IsTracking() bool { return s.tracking }

// Abandon marks the session for deletion once its owner releases it.
func (s *State) Abandon() { s.IsAbandoned = true }

// Get returns the value stored under key. Reading a raw payload decodes it
// and marks the key Changed.
func (s *State) Get(key string) (any, bool) {
	c, ok := s.items[key]
	if !ok {
		return nil, false
	}
	next, v, found, err := c.read(key, s.decoder)
	s.items[key] = next
	if err != nil {
		s.addUnknown(key)
		if s.onError != nil {
			s.onError(key, err)
		}
	}
	return v, found
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	c, ok := s.items[key]
	if !ok {
		s.items[key] = newCell(value)
		return
	}
	s.items[key] = c.write(value)
	s.dropUnknown(key)
}

// Remove deletes key. Keys added during this exchange disappear entirely;
// others are recorded as Removed on tracking sessions.
func (s *State) Remove(key string) {
	c, ok := s.items[key]
	if !ok {
		return
	}
	s.dropUnknown(key)
	next, keep := c.remove()
	if !keep || !s.tracking {
		delete(s.items, key)
		return
	}
	s.items[key] = next
}

// Clear removes every key.
func (s *State) Clear() {
	for key := range s.items {
		s.Remove(key)
	}
}

// SetData stores a raw payload for key that is decoded on first access.
func (s *State) SetData(key string, raw []byte) {
	s.items[key] = unchangedCell(raw)
	s.dropUnknown(key)
}

// Put installs an already decoded value with an explicit change state.
// Only New and Changed are accepted; decoders use it to restore changesets.
func (s *State) Put(key string, st ChangeState, value any) {
	switch st {
	case New:
		s.items[key] = newCell(value)
	case Changed:
		s.items[key] = changedCell(value)
	default:
		return
	}
	s.dropUnknown(key)
}

// SetUnknownKey records that key exists remotely but its value could not be
// serialized or deserialized. Any raw payload already held is kept.
func (s *State) SetUnknownKey(key string) {
	var raw []byte
	if c, ok := s.items[key]; ok {
		raw = c.raw
	}
	s.items[key] = unknownCell(raw)
	s.addUnknown(key)
}

// MarkRemoved records key as Removed whether or not it is present.
func (s *State) MarkRemoved(key string) {
	s.items[key] = removedCell()
	s.dropUnknown(key)
}

// MarkUnchanged resets a present key to NoChange. The key must hold a raw
// payload for this to take effect.
func (s *State) MarkUnchanged(key string) {
	c, ok := s.items[key]
	if !ok || c.raw == nil {
		return
	}
	s.items[key] = unchangedCell(c.raw)
}

// Keys returns the present keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.items))
	for key, c := range s.items {
		if c.present() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of present keys.
func (s *State) Count() int {
	n := 0
	for _, c := range s.items {
		if c.present() {
			n++
		}
	}
	return n
}

// UnknownKeys returns the keys whose values could not be (de)serialized.
func (s *State) UnknownKeys() []string {
	return slices.Clone(s.unknown)
}

// Changes returns the change marker of every tracked key, sorted by key.
func (s *State) Changes() []Change {
	entries := s.Entries()
	out := make([]Change, len(entries))
	for i, e := range entries {
		out[i] = Change{Key: e.Key, State: e.State}
	}
	return out
}

// ChangeOf returns the change marker of key.
func (s *State) ChangeOf(key string) (ChangeState, bool) {
	c, ok := s.items[key]
	return c.state, ok
}

// Entries returns every cell, sorted by key.
func (s *State) Entries() []Entry {
	out := make([]Entry, 0, len(s.items))
	for key, c := range s.items {
		out = append(out, Entry{Key: key, State: c.state, Value: c.value, Raw: c.raw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Raw returns the undecoded payload held for key, if any.
func (s *State) Raw(key string) ([]byte, bool) {
	c, ok := s.items[key]
	if !ok || c.raw == nil {
		return nil, false
	}
	return c.raw, true
}

// WithTracking returns a tracking copy. Raw payloads stay NoChange; values
// that were already materialized are treated as Changed.
func (s *State) WithTracking() *State {
	out := s.clone()
	out.tracking = true
	for key, c := range out.items {
		if c.state == New {
			out.items[key] = changedCell(c.value)
		}
	}
	return out
}

// Clone returns a copy that shares values but not the collection.
func (s *State) Clone() *State {
	return s.clone()
}

func (s *State) clone() *State {
	out := &State{
		id:           s.id,
		Timeout:      s.Timeout,
		IsNewSession: s.IsNewSession,
		IsAbandoned:  s.IsAbandoned,
		IsReadOnly:   s.IsReadOnly,
		tracking:     s.tracking,
		items:        make(map[string]cell, len(s.items)),
		unknown:      slices.Clone(s.unknown),
		decoder:      s.decoder,
		onError:      s.onError,
	}
	for key, c := range s.items {
		out.items[key] = c
	}
	return out
}

// CopyTo merges s onto dst.
//
// For a tracking s only the recorded changes are applied: Removed deletes,
// New and Changed assign, NoChange and Unknown are left alone. For a plain
// s the collection is replaced, except that keys s reported as unknown keep
// their current value in dst.
func (s *State) CopyTo(dst *State) {
	if s.Timeout > 0 {
		dst.Timeout = s.Timeout
	}
	if s.IsAbandoned {
		dst.Abandon()
	}

	if s.tracking {
		for key, c := range s.items {
			switch c.state {
			case Removed:
				dst.Remove(key)
			case New, Changed:
				dst.Set(key, c.value)
			}
		}
		return
	}

	for _, key := range dst.Keys() {
		if _, ok := s.items[key]; !ok {
			dst.Remove(key)
		}
	}
	for key, c := range s.items {
		switch c.state {
		case NoChange:
			dst.SetData(key, c.raw)
		case New, Changed:
			dst.Set(key, c.value)
		case Removed:
			dst.Remove(key)
		}
	}
}

func (s *State) addUnknown(key string) {
	if !slices.Contains(s.unknown, key) {
		s.unknown = append(s.unknown, key)
	}
}

func (s *State) dropUnknown(key string) {
	if i := slices.Index(s.unknown, key); i >= 0 {
		s.unknown = slices.Delete(s.unknown, i, i+1)
	}
}
