package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
	"github.com/fyrsmithlabs/sessionbridge/internal/store"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

func testCodec() *wire.Codec {
	keys := serializer.NewJSONSerializer(nil)
	serializer.Register[string](keys, "user")
	serializer.Register[int](keys, "count")
	return wire.NewCodec(serializer.NewChain(nil, keys), nil, wire.Options{})
}

type fixture struct {
	e     *echo.Echo
	store *store.Memory
	locks *LockTable
	codec *wire.Codec
}

func newFixture(t *testing.T, storeOpts store.Options, opts Options) *fixture {
	t.Helper()
	codec := testCodec()
	if storeOpts.Deserializer == nil {
		storeOpts.Deserializer = codec.Keys()
	}
	mem := store.NewMemory(storeOpts, nil)
	locks := NewLockTable(codec, nil, nil, nil)

	e := echo.New()
	New(mem, locks, codec, nil, opts).Register(e)
	return &fixture{e: e, store: mem, locks: locks, codec: codec}
}

func (f *fixture) seed(t *testing.T, values map[string]any) string {
	t.Helper()
	lease, err := f.store.Open(context.Background(), "", true)
	require.NoError(t, err)
	for k, v := range values {
		lease.State.Set(k, v)
	}
	require.NoError(t, lease.Release(true))
	return lease.ID()
}

func (f *fixture) load(t *testing.T, id string) *session.State {
	t.Helper()
	lease, err := f.store.Open(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, id, lease.ID())
	require.NoError(t, lease.Release(false))
	return lease.State
}

func (f *fixture) request(method, id string, body []byte) *http.Request {
	req := httptest.NewRequest(method, remote.DefaultEndpointPath, bytes.NewReader(body))
	if id != "" {
		req.AddCookie(&http.Cookie{Name: remote.DefaultCookieName, Value: id})
	}
	req.Header.Set(remote.VersionHeader, "2")
	return req
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Message
}

func TestReadOnlyGet(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})
	id := f.seed(t, map[string]any{"user": "alice"})

	req := f.request(http.MethodGet, id, nil)
	req.Header.Set(remote.ReadOnlyHeader, "true")
	rec := f.serve(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(remote.VersionHeader))
	assert.Equal(t, "json", rec.Header().Get(remote.SerializerHeader))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Equal(t, 0, f.locks.Len())

	s, err := f.codec.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
	assert.True(t, s.IsTracking(), "version 2 clients are asked to track changes")
	v, ok := s.Get("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestReadOnlyGet_NewSessionSetsCookie(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})

	req := f.request(http.MethodGet, "", nil)
	req.Header.Set(remote.ReadOnlyHeader, "true")
	rec := f.serve(req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, remote.DefaultCookieName, cookies[0].Name)

	s, err := f.codec.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, cookies[0].Value, s.ID())
	assert.True(t, s.IsNewSession)
}

func TestSerializerMismatch(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})

	req := f.request(http.MethodGet, "", nil)
	req.Header.Set(remote.ReadOnlyHeader, "true")
	req.Header.Set(remote.SerializerHeader, "bytes")
	rec := f.serve(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, remote.MsgSerializerMismatch, errorMessage(t, rec))
}

func TestWriteableGetThenPut(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})
	id := f.seed(t, map[string]any{"user": "alice", "count": 1})

	getRec := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		f.e.ServeHTTP(getRec, f.request(http.MethodGet, id, nil))
	}()

	require.Eventually(t, func() bool { return f.locks.Len() == 1 }, time.Second, 5*time.Millisecond)

	payload := changeset(t, f.codec, id, map[string]any{"count": 2})
	putRec := f.serve(f.request(http.MethodPut, id, payload))
	assert.Equal(t, http.StatusOK, putRec.Code)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("writeable GET did not end after commit")
	}

	frame, err := wire.ReadFrame(getRec.Body, 0)
	require.NoError(t, err)
	snapshot, err := f.codec.Decode(frame)
	require.NoError(t, err)
	v, _ := snapshot.Get("count")
	assert.Equal(t, 1, v, "the frame carries the state before the commit")

	live := f.load(t, id)
	v, _ = live.Get("count")
	assert.Equal(t, 2, v)
	v, _ = live.Get("user")
	assert.Equal(t, "alice", v)

	again := f.serve(f.request(http.MethodPut, id, payload))
	assert.Equal(t, http.StatusBadRequest, again.Code)
	assert.Equal(t, remote.MsgSessionNotFound, errorMessage(t, again))
}

func TestWriteableGetThenPut_Snapshot(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})
	id := f.seed(t, map[string]any{"user": "alice", "count": 1})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		f.serve(f.request(http.MethodGet, id, nil))
	}()
	require.Eventually(t, func() bool { return f.locks.Len() == 1 }, time.Second, 5*time.Millisecond)

	// A version 1 writer sends everything back, forwarding keys it never read.
	snap := session.NewState(id)
	snap.SetData("user", []byte(`"alice"`))
	snap.Set("count", 3)
	payload, err := f.codec.Encode(snap, wire.V1)
	require.NoError(t, err)

	rec := f.serve(f.request(http.MethodPut, id, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	<-finished

	live := f.load(t, id)
	v, ok := live.Get("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
	v, _ = live.Get("count")
	assert.Equal(t, 3, v)
	assert.Empty(t, live.UnknownKeys())
}

func TestWriteableGet_TimesOutWithoutCommit(t *testing.T) {
	f := newFixture(t, store.Options{DefaultTimeout: 50 * time.Millisecond}, Options{})
	id := f.seed(t, map[string]any{"user": "alice"})

	rec := f.serve(f.request(http.MethodGet, id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.locks.Len())

	frame, err := wire.ReadFrame(rec.Body, 0)
	require.NoError(t, err)
	_, err = f.codec.Decode(frame)
	require.NoError(t, err)
}

func TestPut_Errors(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})

	t.Run("missing session id", func(t *testing.T) {
		rec := f.serve(f.request(http.MethodPut, "", []byte{2}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, remote.MsgNoSessionID, errorMessage(t, rec))
	})

	t.Run("session not held", func(t *testing.T) {
		rec := f.serve(f.request(http.MethodPut, "nobody", []byte{2}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, remote.MsgSessionNotFound, errorMessage(t, rec))
	})
}

func TestStreamingPost(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{EnableSingleConnection: true})
	id := f.seed(t, map[string]any{"user": "alice"})

	payload := changeset(t, f.codec, id, map[string]any{"user": "carol"})
	rec := f.serve(f.request(http.MethodPost, id, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	frame, err := wire.ReadFrame(rec.Body, 0)
	require.NoError(t, err)
	snapshot, err := f.codec.Decode(frame)
	require.NoError(t, err)
	v, _ := snapshot.Get("user")
	assert.Equal(t, "alice", v)

	var result remote.CommitResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Nil(t, result.Message)

	v, _ = f.load(t, id).Get("user")
	assert.Equal(t, "carol", v)
}

func TestStreamingPost_Failures(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		msg  string
	}{
		{name: "empty body", body: nil, msg: remote.MsgNoSessionData},
		{name: "garbage", body: []byte{7, 1, 2}, msg: remote.MsgDeserializeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.Options{}, Options{EnableSingleConnection: true})
			id := f.seed(t, map[string]any{"user": "alice"})

			rec := f.serve(f.request(http.MethodPost, id, tt.body))
			require.Equal(t, http.StatusOK, rec.Code)

			_, err := wire.ReadFrame(rec.Body, 0)
			require.NoError(t, err)
			var result remote.CommitResult
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
			assert.False(t, result.Success)
			assert.Equal(t, tt.msg, result.Error())

			v, _ := f.load(t, id).Get("user")
			assert.Equal(t, "alice", v, "failed commits leave the session untouched")
		})
	}
}

func TestPost_DisabledIsMethodNotAllowed(t *testing.T) {
	f := newFixture(t, store.Options{}, Options{})
	rec := f.serve(f.request(http.MethodPost, "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
