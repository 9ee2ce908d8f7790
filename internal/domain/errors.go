package domain

import (
	"errors"
	"strings"
)

var (
	// ErrUpstreamCreateFailed means the remote service did not return a conversation handle.
	ErrUpstreamCreateFailed = errors.New("upstream conversation create failed")
	// ErrUpstreamSubmitFailed means the prompt or job submission returned no identifier.
	ErrUpstreamSubmitFailed = errors.New("upstream job submit failed")
	// ErrUpstreamTimeout means the poll loop hit its ceiling before a terminal state.
	ErrUpstreamTimeout = errors.New("upstream job timed out")
	// ErrUpstreamEmptyResult means the job completed without an assistant message.
	ErrUpstreamEmptyResult = errors.New("upstream job produced no assistant message")
	// ErrJobFailed means the remote job reached a failed terminal state.
	ErrJobFailed = errors.New("upstream job failed")
	// ErrStoreUnavailable means the persistence layer could not serve the call.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError reports missing or malformed request fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request"
	}
	return "missing required field(s): " + strings.Join(e.Fields, ", ")
}
