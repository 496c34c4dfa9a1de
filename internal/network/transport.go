// Package network implements the RCON transports: binary TCP, Telnet,
// WebSocket and BattlEye UDP. Each one owns its socket, serializes its
// writes and normalizes traffic into protocol.Packet values.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultAuthTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

var (
	// ErrAuthRejected means the server refused the shared secret.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrReadTimeout means no frame arrived before the read deadline.
	ErrReadTimeout = errors.New("read timed out")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrUnsupportedTransport is returned by New for an unknown kind.
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// Kind names a transport implementation.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTelnet    Kind = "telnet"
	KindWebSocket Kind = "websocket"
	KindBattlEye  Kind = "battleye"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTCP, KindTelnet, KindWebSocket, KindBattlEye:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, s)
	}
}

// Transport is one wire protocol bound to one socket.
//
// A polling transport delivers traffic continuously and must be drained by a
// single background reader; a sequential transport guarantees that a read
// right after a write is safe to block on.
type Transport interface {
	Kind() Kind
	Polls() bool

	// Connect opens the socket. The secret is only used by transports that
	// carry it in the dial itself.
	Connect(ctx context.Context, host string, port int, secret string) error

	// Authenticate runs the protocol's shared-secret handshake. A refusal
	// wraps ErrAuthRejected.
	Authenticate(ctx context.Context, login protocol.Packet) error

	// WriteOne sends one packet. Concurrent calls are serialized.
	WriteOne(p protocol.Packet) (protocol.Packet, error)

	// ReadOne returns the next inbound packet. A zero timeout blocks.
	ReadOne(timeout time.Duration) (protocol.Packet, error)

	Close() error
}

// Options tune a transport.
type Options struct {
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration

	// Poll makes the TCP transport report itself as polling so that a
	// background reader forwards everything it receives.
	Poll bool

	// KeepAlive is the BattlEye keepalive interval.
	KeepAlive time.Duration
}

// DefaultOptions returns the standard transport options.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		AuthTimeout:    DefaultAuthTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		KeepAlive:      DefaultKeepAlive,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = d.KeepAlive
	}
	return o
}

// New builds a transport of the given kind.
func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindTCP:
		return NewTCPTransport(opts), nil
	case KindTelnet:
		return NewTelnetTransport(opts), nil
	case KindWebSocket:
		return NewWebSocketTransport(opts), nil
	case KindBattlEye:
		return NewBattlEyeTransport(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, kind)
	}
}

// authTimeout picks the handshake read timeout from the context deadline,
// falling back to the configured value.
func authTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}

// readErr maps socket read failures onto the package sentinels.
func readErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// IsTimeout reports whether err is a read timeout rather than a lost
// connection.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrReadTimeout)
}

func address(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}
