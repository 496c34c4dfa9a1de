// Package rcon implements the request/response correlator, the single
// reader task for polling transports, and the connection lifecycle with its
// reconnect loop.
package rcon

import (
	"errors"

	"github.com/energizer-project/rconbridge/internal/network"
)

// State represents the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateFatal
)

// stateStrings maps State values to their lowercase JSON string representation.
var stateStrings = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateReady:          "ready",
	StateReconnecting:   "reconnecting",
	StateFatal:          "fatal",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "ready").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

var (
	// ErrNotReceived means the reply was not observed in time. The
	// connection stays usable.
	ErrNotReceived = errors.New("response not received yet")

	// ErrFatal means the server stopped accepting the credentials that
	// worked before. The connection will not recover.
	ErrFatal = errors.New("connection is in a fatal state")

	// ErrNotReady means no authenticated link exists.
	ErrNotReady = errors.New("connection not ready")

	// ErrConnect wraps socket and DNS failures.
	ErrConnect = errors.New("connect failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")

	// ErrAuthRejected is re-exported for callers that only import rcon.
	ErrAuthRejected = network.ErrAuthRejected
)
