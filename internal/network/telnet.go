package network

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

// TelnetTransport speaks the line-oriented console used by 7 Days to Die.
// Once authenticated it always polls.
//
// Lines carry no id. The first line read after a command write is tagged
// with that command's id, every other line gets id 0. When the server
// interleaves unrelated output the tag lands on the wrong line; callers that
// need certainty use a strict exchange and inspect the text.
type TelnetTransport struct {
	opts   Options
	codec  protocol.LineCodec
	logger zerolog.Logger

	conn   *Connection
	reader *bufio.Reader

	// partial holds a line cut short by a read deadline. Only the reader
	// touches it.
	partial  string
	awaiting atomic.Int32
}

// NewTelnetTransport creates an unconnected Telnet transport.
func NewTelnetTransport(opts Options) *TelnetTransport {
	return &TelnetTransport{
		opts:   opts.withDefaults(),
		logger: log.With().Str("component", "transport").Str("transport", string(KindTelnet)).Logger(),
	}
}

// Kind returns KindTelnet.
func (t *TelnetTransport) Kind() Kind { return KindTelnet }

// Polls returns true.
func (t *TelnetTransport) Polls() bool { return true }

// Connect opens the TCP socket.
func (t *TelnetTransport) Connect(ctx context.Context, host string, port int, _ string) error {
	conn, err := Dial(ctx, "tcp", host, port, t.opts)
	if err != nil {
		return err
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

// Authenticate answers the password prompt. A server that does not prompt is
// accepted as is.
func (t *TelnetTransport) Authenticate(ctx context.Context, login protocol.Packet) error {
	timeout := authTimeout(ctx, t.opts.AuthTimeout)

	line, err := t.readLine(timeout)
	if err != nil {
		return fmt.Errorf("failed to read login prompt: %w", err)
	}
	if !protocol.IsPasswordPrompt(line) {
		t.logger.Debug().Str("line", line).Msg("server did not ask for a password")
		return nil
	}

	if login.Message == "" {
		return fmt.Errorf("%w: server requires a password", ErrAuthRejected)
	}
	if _, err := t.WriteOne(login); err != nil {
		return err
	}

	line, err = t.readLine(timeout)
	if err != nil {
		return fmt.Errorf("failed to read login reply: %w", err)
	}
	if !protocol.IsLoginSuccess(line) {
		return fmt.Errorf("%w: %s", ErrAuthRejected, strings.TrimSpace(line))
	}
	return nil
}

// WriteOne writes the packet as one line.
func (t *TelnetTransport) WriteOne(p protocol.Packet) (protocol.Packet, error) {
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
	if p.Kind == protocol.KindCommandRequest && p.ID > 0 {
		t.awaiting.Store(p.ID)
	}
	t.logger.Trace().Stringer("packet", p).Msg("sent")
	return p, nil
}

// ReadOne returns the next non-blank line.
func (t *TelnetTransport) ReadOne(timeout time.Duration) (protocol.Packet, error) {
	if t.conn == nil {
		return protocol.Packet{}, ErrClosed
	}
	for {
		line, err := t.readLine(timeout)
		if err != nil {
			return protocol.Packet{}, err
		}
		p, _ := t.codec.Decode([]byte(line))
		if strings.TrimSpace(p.Message) == "" {
			continue
		}
		p.ID = t.awaiting.Swap(0)
		return p, nil
	}
}

func (t *TelnetTransport) readLine(timeout time.Duration) (string, error) {
	t.conn.SetReadTimeout(timeout)
	chunk, err := t.reader.ReadString('\n')
	if err != nil {
		t.partial += chunk
		return "", readErr(err)
	}
	line := t.partial + chunk
	t.partial = ""
	return line, nil
}

// Close closes the socket.
func (t *TelnetTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
