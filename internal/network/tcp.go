package network

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

// TCPTransport speaks the binary length-prefixed RCON protocol. It is
// sequential unless Options.Poll is set.
type TCPTransport struct {
	opts   Options
	codec  protocol.BinaryCodec
	logger zerolog.Logger

	conn   *Connection
	frames *protocol.FrameReader
}

// NewTCPTransport creates an unconnected binary RCON transport.
func NewTCPTransport(opts Options) *TCPTransport {
	return &TCPTransport{
		opts:   opts.withDefaults(),
		logger: log.With().Str("component", "transport").Str("transport", string(KindTCP)).Logger(),
	}
}

// Kind returns KindTCP.
func (t *TCPTransport) Kind() Kind { return KindTCP }

// Polls reports whether a background reader should own the socket.
func (t *TCPTransport) Polls() bool { return t.opts.Poll }

// Connect opens the TCP socket.
func (t *TCPTransport) Connect(ctx context.Context, host string, port int, _ string) error {
	conn, err := Dial(ctx, "tcp", host, port, t.opts)
	if err != nil {
		return err
	}
	t.conn = conn
	t.frames = protocol.NewFrameReader(conn)
	t.logger.Debug().Str("remote", conn.RemoteAddr()).Msg("connected")
	return nil
}

// Authenticate sends the login packet and checks the next frame.
func (t *TCPTransport) Authenticate(ctx context.Context, login protocol.Packet) error {
	if _, err := t.WriteOne(login); err != nil {
		return err
	}

	timeout := authTimeout(ctx, t.opts.AuthTimeout)
	resp, err := t.ReadOne(timeout)
	if err != nil {
		return fmt.Errorf("failed to read login reply: %w", err)
	}

	// Source-engine servers send an empty response value carrying the login
	// id ahead of the real answer, which is -1 on a bad password.
	if resp.Kind == protocol.KindCommandResponse && resp.Message == "" && resp.ID == login.ID {
		next, err := t.ReadOne(timeout)
		switch {
		case err == nil:
			resp = next
		case IsTimeout(err):
		default:
			return fmt.Errorf("failed to read login reply: %w", err)
		}
	}

	if !protocol.LoginAccepted(login, resp) {
		return fmt.Errorf("%w: server answered id %d", ErrAuthRejected, resp.ID)
	}
	return nil
}

// WriteOne encodes and sends one frame.
func (t *TCPTransport) WriteOne(p protocol.Packet) (protocol.Packet, error) {
	if t.conn == nil {
		return protocol.Packet{}, ErrClosed
	}
	data, err := t.codec.Encode(p)
	if err != nil {
		return protocol.Packet{}, err
	}
	if err := t.conn.Write(data); err != nil {
		return protocol.Packet{}, err
	}
	t.logger.Trace().Stringer("packet", p).Msg("sent")
	return p, nil
}

// ReadOne reads and decodes the next frame.
func (t *TCPTransport) ReadOne(timeout time.Duration) (protocol.Packet, error) {
	if t.conn == nil {
		return protocol.Packet{}, ErrClosed
	}
	t.conn.SetReadTimeout(timeout)

	frame, err := t.frames.Next()
	if err != nil {
		return protocol.Packet{}, readErr(err)
	}
	return t.codec.Decode(frame)
}

// Close closes the socket.
func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
