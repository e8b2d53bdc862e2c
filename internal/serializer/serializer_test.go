package serializer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// failing rejects every key with a non-ErrNotHandled error.
type failing struct{}

func (failing) ID() string { return "failing" }
func (failing) Serialize(string, any) ([]byte, error) {
	return nil, errors.New("boom")
}
func (failing) Deserialize(string, []byte) (any, error) {
	return nil, errors.New("boom")
}

func TestJSONSerializer(t *testing.T) {
	s := NewJSONSerializer(zap.NewNop())
	Register[int](s, "count")
	Register[widget](s, "widget")
	Register[*widget](s, "maybe")
	Register[[]string](s, "tags")

	t.Run("round trips registered types", func(t *testing.T) {
		data, err := s.Serialize("widget", widget{Name: "a", Count: 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"a","count":2}`, string(data))

		v, err := s.Deserialize("widget", data)
		require.NoError(t, err)
		assert.Equal(t, widget{Name: "a", Count: 2}, v)

		data, err = s.Serialize("count", 5)
		require.NoError(t, err)
		v, err = s.Deserialize("count", data)
		require.NoError(t, err)
		assert.Equal(t, 5, v)
	})

	t.Run("unregistered key is not handled", func(t *testing.T) {
		_, err := s.Serialize("other", 1)
		assert.ErrorIs(t, err, ErrNotHandled)
		_, err = s.Deserialize("other", []byte("1"))
		assert.ErrorIs(t, err, ErrNotHandled)
	})

	t.Run("type mismatch is rejected", func(t *testing.T) {
		_, err := s.Serialize("count", "five")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registered as int but was actually string")
		assert.NotErrorIs(t, err, ErrNotHandled)
	})

	t.Run("nil is allowed for reference types only", func(t *testing.T) {
		data, err := s.Serialize("maybe", nil)
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))

		v, err := s.Deserialize("tags", []byte("null"))
		require.NoError(t, err)
		assert.Nil(t, v)

		_, err = s.Serialize("count", nil)
		assert.Error(t, err)
		_, err = s.Deserialize("count", []byte("null"))
		assert.Error(t, err)
	})

	t.Run("malformed payload fails", func(t *testing.T) {
		_, err := s.Deserialize("widget", []byte("{"))
		assert.Error(t, err)
	})

	assert.Equal(t, 4, s.Keys())
}

func TestChain(t *testing.T) {
	js := NewJSONSerializer(nil)
	Register[string](js, "name")

	tracker := NewUnknownKeyTracker(0)
	chain := NewChain(zap.NewNop(), failing{}, js, NewBytesSerializer("bin:")).WithTracker(tracker)

	assert.Equal(t, "failing;json;bytes", chain.ID())
	assert.Same(t, tracker, chain.Tracker())

	t.Run("first success wins", func(t *testing.T) {
		data, err := chain.Serialize("name", "ada")
		require.NoError(t, err)
		assert.Equal(t, `"ada"`, string(data))

		v, err := chain.Deserialize("name", data)
		require.NoError(t, err)
		assert.Equal(t, "ada", v)

		data, err = chain.Serialize("bin:blob", []byte{1, 2})
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2}, data)
	})

	t.Run("all members failing marks the key unknown", func(t *testing.T) {
		_, err := chain.Serialize("mystery", 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotHandled)

		_, err = chain.Deserialize("mystery", []byte{1})
		require.Error(t, err)

		keys, dropped := tracker.Snapshot()
		assert.Equal(t, []UnknownKey{{Key: "mystery", Count: 2}}, keys)
		assert.Zero(t, dropped)
	})

	t.Run("empty chain handles nothing", func(t *testing.T) {
		empty := NewChain(nil)
		assert.Equal(t, "", empty.ID())
		_, err := empty.Serialize("k", 1)
		assert.ErrorIs(t, err, ErrNotHandled)
	})
}

func TestNewUntypedChain(t *testing.T) {
	t.Run("json and bytes", func(t *testing.T) {
		c := NewUntypedChain(nil, []string{"user", "raw:shadowed"}, []string{"raw:"})
		assert.Equal(t, "json;bytes", c.ID())

		data, err := c.Serialize("user", map[string]any{"name": "ada"})
		require.NoError(t, err)
		v, err := c.Deserialize("user", data)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "ada"}, v)

		data, err = c.Serialize("raw:shadowed", []byte{1, 2})
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2}, data)
	})

	t.Run("json only", func(t *testing.T) {
		c := NewUntypedChain(nil, []string{"n"}, nil)
		assert.Equal(t, "json", c.ID())

		data, err := c.Serialize("n", 3)
		require.NoError(t, err)
		v, err := c.Deserialize("n", data)
		require.NoError(t, err)
		assert.Equal(t, float64(3), v)

		_, err = c.Serialize("other", 1)
		assert.ErrorIs(t, err, ErrNotHandled)
	})
}

func TestUnknownKeyTracker_Capacity(t *testing.T) {
	tracker := NewUnknownKeyTracker(2)
	tracker.Record("a")
	tracker.Record("b")
	tracker.Record("c")
	tracker.Record("a")

	keys, dropped := tracker.Snapshot()
	assert.Equal(t, []UnknownKey{{Key: "a", Count: 2}, {Key: "b", Count: 1}}, keys)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, tracker.Len())
}

func TestUnknownKeyError(t *testing.T) {
	err := NewUnknownKeyError([]string{"b", "a"})
	assert.Equal(t, "unknown session keys: a, b", err.Error())

	var target *UnknownKeyError
	require.ErrorAs(t, error(err), &target)
	assert.Equal(t, []string{"a", "b"}, target.Keys)
}
