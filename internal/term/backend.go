// Package term provides the terminal backend used to observe and drive
// monitored sessions. Exactly one Backend implementation is wired at a
// time, selected by configuration.
package term

import (
	"context"
	"errors"
)

// ErrBackendUnavailable indicates the terminal backend could not
// list/capture/send for a session. The affected agent keeps its last-known
// state and is flagged stale; other agents are unaffected.
var ErrBackendUnavailable = errors.New("terminal backend unavailable")

// ErrCaptureTimeout is returned when a capture exceeds its timeout.
// Callers should preserve previous state rather than transitioning.
var ErrCaptureTimeout = errors.New("capture timed out")

// Backend is the narrow contract the monitor needs from a terminal
// multiplexer. Implementations must be safe to call concurrently for
// different session ids.
type Backend interface {
	// ListSessions returns the identities of monitored sessions.
	ListSessions(ctx context.Context) ([]string, error)

	// CaptureOutput returns up to maxLines of recent pane text for a
	// session, ANSI-stripped.
	CaptureOutput(ctx context.Context, session string, maxLines int) (string, error)

	// SendText types text into a session followed by Enter.
	SendText(ctx context.Context, session string, text string) error
}
