// Package metrics records relay activity. Components accept a Metrics value
// and treat nil as "metrics disabled", which costs nothing at the call sites.
package metrics

import "time"

// Metrics is the set of observations the relay reports.
type Metrics interface {
	// ConnectionAccepted counts a new transport connection.
	ConnectionAccepted(transport string)

	// ConnectionClosed counts a finished connection and how long it lived.
	ConnectionClosed(transport string, lifetime time.Duration)

	// SetActiveSessions reports the number of registered nicknames.
	SetActiveSessions(n int)

	// CommandHandled counts one dispatched command. status is "ok",
	// "rejected" or "error".
	CommandHandled(command, status string)

	// Delivery counts one event delivery attempt. kind is "room", "reply",
	// "private" or "admin"; outcome is "ok" or "failed".
	Delivery(kind, outcome string)

	// FileTransfer counts an attachment. mode is "private" or "room".
	FileTransfer(mode, outcome string, bytes int64)
}

// Outcome labels shared by callers.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// ConnectionAccepted calls m.ConnectionAccepted when m is non-nil.
func ConnectionAccepted(m Metrics, transport string) {
	if m != nil {
		m.ConnectionAccepted(transport)
	}
}

// ConnectionClosed calls m.ConnectionClosed when m is non-nil.
func ConnectionClosed(m Metrics, transport string, lifetime time.Duration) {
	if m != nil {
		m.ConnectionClosed(transport, lifetime)
	}
}

// SetActiveSessions calls m.SetActiveSessions when m is non-nil.
func SetActiveSessions(m Metrics, n int) {
	if m != nil {
		m.SetActiveSessions(n)
	}
}

// CommandHandled calls m.CommandHandled when m is non-nil.
func CommandHandled(m Metrics, command, status string) {
	if m != nil {
		m.CommandHandled(command, status)
	}
}

// Delivery calls m.Delivery when m is non-nil.
func Delivery(m Metrics, kind, outcome string) {
	if m != nil {
		m.Delivery(kind, outcome)
	}
}

// FileTransfer calls m.FileTransfer when m is non-nil.
func FileTransfer(m Metrics, mode, outcome string, bytes int64) {
	if m != nil {
		m.FileTransfer(mode, outcome, bytes)
	}
}
