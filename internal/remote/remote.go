// Package remote holds the HTTP vocabulary shared by the session client and
// the legacy owner's handlers.
package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// Header names.
const (
	ReadOnlyHeader   = "X-SystemWebAdapter-RemoteAppSession-ReadOnly"
	VersionHeader    = "X-SystemWebAdapter-RemoteAppSession-Version"
	SerializerHeader = "X-SystemWebAdapter-RemoteAppSession-Serializer"
	APIKeyHeader     = "X-SystemWebAdapter-RemoteAppAuthentication-Key"
)

// Defaults shared by both sides.
const (
	DefaultCookieName   = "ASP.NET_SessionId"
	DefaultEndpointPath = "/systemweb-adapters/session"
)

// Content types.
const (
	ContentTypePayload = "application/octet-stream"
	ContentTypeResult  = "application/json"
)

// Commit failure descriptions returned by the legacy owner.
const (
	MsgNoSessionID        = "No session ID found"
	MsgSessionNotFound    = "Could not find session"
	MsgAlreadyUpdated     = "Session has already been updated"
	MsgDeserializeFailed  = "Failed to deserialize session state"
	MsgNoSessionData      = "No session data was supplied for commit"
	MsgCommitFailed       = "Failed to commit session state"
	MsgSerializerMismatch = "Session serializer does not match"
)

// CommitResult is the JSON body that ends a streaming exchange.
type CommitResult struct {
	Success bool    `json:"s"`
	Message *string `json:"m"`
}

// Succeeded returns a successful result.
func Succeeded() CommitResult {
	return CommitResult{Success: true}
}

// Failed returns a failed result carrying msg.
func Failed(msg string) CommitResult {
	return CommitResult{Message: &msg}
}

// Error returns the failure message, or the default when none was sent.
func (r CommitResult) Error() string {
	if r.Message == nil || *r.Message == "" {
		return MsgCommitFailed
	}
	return *r.Message
}

// DecodeCommitResult parses a terminal result body.
func DecodeCommitResult(data []byte) (CommitResult, error) {
	var r CommitResult
	if err := json.Unmarshal(data, &r); err != nil {
		return CommitResult{}, fmt.Errorf("decode commit result: %w", err)
	}
	return r, nil
}

// IsReadOnly reports whether the request asks for a read-only session.
func IsReadOnly(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get(ReadOnlyHeader)), "true")
}

// RequestedVersion returns the highest version the peer advertised.
func RequestedVersion(h http.Header) wire.Version {
	return wire.ParseVersions(h.Values(VersionHeader))
}

// SetVersion advertises v.
func SetVersion(h http.Header, v wire.Version) {
	h.Set(VersionHeader, v.String())
}
