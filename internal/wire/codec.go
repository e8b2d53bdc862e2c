// Package wire implements the binary session format shared by the legacy
// owner and its remote clients.
//
// Every payload starts with a Version byte. Version 1 is a full snapshot with
// an optional flag trailer; version 2 is a changeset carried as a stream of
// tagged records ending in 0xFF. Integers are 7-bit encoded and strings are
// length-prefixed UTF-8.
package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
)

// Record tags outside the ChangeState range.
const (
	tagFlag byte = 0xFE
	tagEnd  byte = 0xFF
)

// FlagDiffRequested asks the reader to track changes on the decoded session
// so its next write can be a changeset.
const FlagDiffRequested = 100

// DefaultMaxPayloadBytes bounds decoded payloads when Options leaves it unset.
const DefaultMaxPayloadBytes = 4 << 20

// Options configures a Codec.
type Options struct {
	// ThrowOnUnknownSessionKey turns unknown keys into an *serializer.UnknownKeyError
	// instead of a logged warning.
	ThrowOnUnknownSessionKey bool

	// MaxPayloadBytes bounds payloads read from streams.
	MaxPayloadBytes int64
}

// Codec encodes and decodes sessions using a key serializer.
type Codec struct {
	keys   serializer.KeySerializer
	opts   Options
	logger *zap.Logger
	warn   rate.Sometimes
}

// NewCodec creates a codec. If logger is nil, uses a no-op logger.
func NewCodec(keys serializer.KeySerializer, logger *zap.Logger, opts Options) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Codec{
		keys:   keys,
		opts:   opts,
		logger: logger.Named("wire"),
		warn:   rate.Sometimes{First: 10, Interval: time.Minute},
	}
}

// ID returns the key serializer identity carried alongside payloads.
func (c *Codec) ID() string {
	return c.keys.ID()
}

// Keys returns the key serializer the codec was built with.
func (c *Codec) Keys() serializer.KeySerializer {
	return c.keys
}

// MaxPayloadBytes returns the configured payload limit.
func (c *Codec) MaxPayloadBytes() int64 {
	return c.opts.MaxPayloadBytes
}

// CheckSerializer compares a peer's serializer identity with ours. An empty
// remote id is accepted.
func (c *Codec) CheckSerializer(remote string) error {
	if remote == "" || remote == c.ID() {
		return nil
	}
	return fmt.Errorf("%w: local %q, remote %q", ErrSerializerMismatch, c.ID(), remote)
}

// Encode writes s in version v. Tracking sessions written as version 2 only
// carry their changes; plain sessions carry every key.
func (c *Codec) Encode(s *session.State, v Version) ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}

	var (
		e      encoder
		failed []string
	)
	if v >= V2 {
		failed = c.writeChangeset(&e, s)
	} else {
		failed = c.writeSnapshot(&e, s, nil)
	}

	if err := c.reportUnknown("serialize", s.ID(), failed); err != nil {
		return nil, err
	}
	c.trace("encoded session", s.ID(), v, e.bytes())
	return e.bytes(), nil
}

// EncodeSnapshot writes s as a version 1 snapshot. When v allows changesets
// the snapshot asks the reader to track changes.
func (c *Codec) EncodeSnapshot(s *session.State, v Version) ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}

	var flags []int
	if v >= V2 {
		flags = append(flags, FlagDiffRequested)
	}

	var e encoder
	failed := c.writeSnapshot(&e, s, flags)
	if err := c.reportUnknown("serialize", s.ID(), failed); err != nil {
		return nil, err
	}
	c.trace("encoded snapshot", s.ID(), V1, e.bytes())
	return e.bytes(), nil
}

// Decode reads a payload of any known version. Version 2 payloads, and
// version 1 payloads carrying FlagDiffRequested, decode to tracking sessions.
func (c *Codec) Decode(data []byte) (*session.State, error) {
	d := &decoder{buf: data}

	b, err := d.byte()
	if err != nil {
		return nil, err
	}
	v, err := versionOf(b)
	if err != nil {
		return nil, err
	}

	var s *session.State
	switch v {
	case V1:
		s, err = c.readSnapshot(d)
	case V2:
		s, err = c.readChangeset(d)
	}
	if err != nil {
		return nil, err
	}
	if !d.done() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)-d.off)
	}

	c.trace("decoded session", s.ID(), v, data)
	if err := c.reportUnknown("deserialize", s.ID(), s.UnknownKeys()); err != nil {
		return nil, err
	}
	return s, nil
}

// DecodeFrom reads r to EOF and decodes the result.
func (c *Codec) DecodeFrom(r io.Reader) (*session.State, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.opts.MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read session payload: %w", err)
	}
	if int64(len(data)) > c.opts.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.opts.MaxPayloadBytes)
	}
	return c.Decode(data)
}

func (c *Codec) writeHeader(e *encoder, v Version, s *session.State) {
	e.byte(byte(v))
	e.string(s.ID())
	e.bool(s.IsNewSession)
	e.bool(s.IsAbandoned)
	e.bool(s.IsReadOnly)
	e.varint(int(s.Timeout / time.Minute))
}

// writeSnapshot returns the keys that failed to serialize.
func (c *Codec) writeSnapshot(e *encoder, s *session.State, flags []int) []string {
	c.writeHeader(e, V1, s)

	var items []session.Entry
	for _, en := range s.Entries() {
		if en.State != session.Removed {
			items = append(items, en)
		}
	}

	var failed, unknown []string
	e.varint(len(items))
	for _, en := range items {
		e.string(en.Key)

		var payload []byte
		switch en.State {
		case session.NoChange:
			payload = en.Raw
		case session.Unknown:
			payload = en.Raw
			if len(payload) == 0 {
				unknown = append(unknown, en.Key)
			}
		default:
			data, err := c.keys.Serialize(en.Key, en.Value)
			if err != nil {
				failed = append(failed, en.Key)
				unknown = append(unknown, en.Key)
			}
			payload = data
		}
		e.blob(payload)
	}

	e.varint(len(unknown))
	for _, key := range unknown {
		e.string(key)
	}

	if len(flags) > 0 {
		for _, id := range flags {
			e.byte(tagFlag)
			e.varint(id)
			e.blob(nil)
		}
		e.byte(tagEnd)
	}
	return failed
}

// writeChangeset returns the keys that failed to serialize.
func (c *Codec) writeChangeset(e *encoder, s *session.State) []string {
	c.writeHeader(e, V2, s)

	var failed []string
	for _, en := range s.Entries() {
		st := en.State
		if !s.IsTracking() {
			switch st {
			case session.Removed:
				continue
			case session.Unknown:
				if len(en.Raw) > 0 {
					st = session.Changed
				}
			default:
				st = session.Changed
			}
		}

		switch st {
		case session.Removed:
			e.byte(byte(session.Removed))
			e.string(en.Key)
		case session.New, session.Changed:
			payload := en.Raw
			if en.State == session.New || en.State == session.Changed {
				data, err := c.keys.Serialize(en.Key, en.Value)
				if err != nil {
					failed = append(failed, en.Key)
					e.byte(byte(session.Unknown))
					e.string(en.Key)
					continue
				}
				payload = data
			}
			e.byte(byte(st))
			e.string(en.Key)
			e.blob(payload)
		case session.Unknown:
			if !s.IsTracking() {
				e.byte(byte(session.Unknown))
				e.string(en.Key)
			}
		}
	}
	e.byte(tagEnd)
	return failed
}

type header struct {
	id        string
	isNew     bool
	abandoned bool
	readOnly  bool
	timeout   time.Duration
}

func (c *Codec) readHeader(d *decoder) (header, error) {
	var (
		h   header
		err error
	)
	if h.id, err = d.string(); err != nil {
		return h, err
	}
	if h.isNew, err = d.bool(); err != nil {
		return h, err
	}
	if h.abandoned, err = d.bool(); err != nil {
		return h, err
	}
	if h.readOnly, err = d.bool(); err != nil {
		return h, err
	}
	minutes, err := d.varint()
	if err != nil {
		return h, err
	}
	h.timeout = time.Duration(minutes) * time.Minute
	return h, nil
}

func (c *Codec) newState(h header, tracking bool) *session.State {
	opts := []session.Option{
		session.WithDeserializer(c.keys),
		session.WithDecodeErrorHook(c.decodeFailed),
	}
	var s *session.State
	if tracking {
		s = session.NewTracking(h.id, opts...)
	} else {
		s = session.NewState(h.id, opts...)
	}
	s.IsNewSession = h.isNew
	s.IsAbandoned = h.abandoned
	s.IsReadOnly = h.readOnly
	s.Timeout = h.timeout
	return s
}

func (c *Codec) readSnapshot(d *decoder) (*session.State, error) {
	h, err := c.readHeader(d)
	if err != nil {
		return nil, err
	}
	s := c.newState(h, false)

	count, err := d.varint()
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		key, err := d.string()
		if err != nil {
			return nil, err
		}
		payload, err := d.blob()
		if err != nil {
			return nil, err
		}
		s.SetData(key, payload)
	}

	unknown, err := d.varint()
	if err != nil {
		return nil, err
	}
	for i := 0; i < unknown; i++ {
		key, err := d.string()
		if err != nil {
			return nil, err
		}
		s.SetUnknownKey(key)
	}

	if d.done() {
		return s, nil
	}

	for {
		tag, err := d.byte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagEnd:
			return s, nil
		case tagFlag:
			id, _, err := readFlag(d)
			if err != nil {
				return nil, err
			}
			if id == FlagDiffRequested && !s.IsTracking() {
				s = s.WithTracking()
			}
		default:
			return nil, fmt.Errorf("%w: unexpected trailer tag 0x%02x", ErrMalformed, tag)
		}
	}
}

func (c *Codec) readChangeset(d *decoder) (*session.State, error) {
	h, err := c.readHeader(d)
	if err != nil {
		return nil, err
	}
	s := c.newState(h, true)

	for {
		tag, err := d.byte()
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagEnd:
			return s, nil
		case tagFlag:
			if _, _, err := readFlag(d); err != nil {
				return nil, err
			}
			continue
		}

		st := session.ChangeState(tag)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown record kind 0x%02x", ErrMalformed, tag)
		}
		key, err := d.string()
		if err != nil {
			return nil, err
		}

		switch st {
		case session.Unknown:
			s.SetUnknownKey(key)
		case session.Removed:
			s.MarkRemoved(key)
		case session.New, session.Changed:
			payload, err := d.blob()
			if err != nil {
				return nil, err
			}
			v, err := c.keys.Deserialize(key, payload)
			if err != nil {
				s.SetData(key, payload)
				s.SetUnknownKey(key)
				continue
			}
			s.Put(key, st, v)
		}
	}
}

func readFlag(d *decoder) (int, []byte, error) {
	id, err := d.varint()
	if err != nil {
		return 0, nil, err
	}
	payload, err := d.blob()
	if err != nil {
		return 0, nil, err
	}
	return id, payload, nil
}

func (c *Codec) reportUnknown(op, id string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	c.warn.Do(func() {
		c.logger.Warn("unknown session keys",
			zap.String("op", op),
			zap.String("session.id", id),
			zap.Strings("keys", keys))
	})
	if c.opts.ThrowOnUnknownSessionKey {
		return serializer.NewUnknownKeyError(keys)
	}
	return nil
}

func (c *Codec) decodeFailed(key string, err error) {
	c.warn.Do(func() {
		c.logger.Warn("could not deserialize session key",
			zap.String("key", key),
			zap.Error(err))
	})
}

func (c *Codec) trace(msg, id string, v Version, payload []byte) {
	if ce := c.logger.Check(logging.TraceLevel, msg); ce != nil {
		ce.Write(
			zap.String("session.id", id),
			zap.Stringer("version", v),
			zap.Int("bytes", len(payload)),
			zap.Binary("payload", bytes.Clone(payload)),
		)
	}
}
