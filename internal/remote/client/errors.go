package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client errors.
var (
	// ErrSingleConnectionUnsupported means the remote app cannot serve the
	// streaming exchange. The Dispatcher absorbs it by falling back.
	ErrSingleConnectionUnsupported = errors.New("remote app does not support single connection sessions")
	ErrReadOnly                    = errors.New("session is read-only")
	ErrAlreadyCommitted            = errors.New("session has already been committed")
	ErrClosed                      = errors.New("session handle is closed")
)

// StatusError is a non-success reply from the remote app.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote session request failed: %s", e.Status)
	}
	return fmt.Sprintf("remote session request failed: %s: %s", e.Status, e.Message)
}

// CommitError is a commit the remote app rejected.
type CommitError struct {
	Message string
}

func (e *CommitError) Error() string {
	return "commit rejected by remote app: " + e.Message
}

// maxErrorBody bounds how much of an error reply is read.
const maxErrorBody = 4 << 10

// statusError drains and closes resp.
func statusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	return &StatusError{
		Code:    resp.StatusCode,
		Status:  resp.Status,
		Message: errorMessage(resp.Body),
	}
}

// errorMessage extracts the description from an error reply. JSON replies
// carry it in "message"; anything else is used as text.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}
