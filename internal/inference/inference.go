// Package inference provides the LLM client used for state-detection
// fallback and priority ranking. Every call site recovers from inference
// failure with a deterministic fallback, so errors here are typed for
// policy decisions, never fatal.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Purpose tags identify why a completion was requested. They appear in
// logs and let a deployment route or budget calls per concern.
const (
	PurposeDetectState = "detect_state"
	PurposePrioritize  = "prioritize"
)

// ErrorKind classifies an inference failure.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindMalformed   ErrorKind = "malformed_response"
)

// Error is a typed inference failure. It never carries credential
// material.
type Error struct {
	Kind    ErrorKind
	Purpose string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference %s (%s): %v", e.Purpose, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind from an inference error chain. Returns
// false if err is not an inference error.
func KindOf(err error) (ErrorKind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// Request describes one completion call.
type Request struct {
	Prompt    string
	Model     string // empty = client default
	Purpose   string // PurposeDetectState or PurposePrioritize
	MaxTokens int
	Timeout   time.Duration // hard deadline for the call
}

// Client issues completion requests. Implementations must honor the
// request timeout and return *Error for failures.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
