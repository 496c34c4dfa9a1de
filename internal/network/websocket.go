package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

// WebSocketTransport speaks the JSON envelope protocol used by Rust. The
// secret travels in the URL path, so a completed handshake is the
// authentication. It always polls.
//
// gorilla/websocket leaves a connection unusable after a read deadline
// expires, so a timed-out read is followed by a reconnect like any other
// read failure.
type WebSocketTransport struct {
	opts   Options
	codec  protocol.EnvelopeCodec
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketTransport creates an unconnected WebSocket transport.
func NewWebSocketTransport(opts Options) *WebSocketTransport {
	return &WebSocketTransport{
		opts:   opts.withDefaults(),
		logger: log.With().Str("component", "transport").Str("transport", string(KindWebSocket)).Logger(),
	}
}

// Kind returns KindWebSocket.
func (t *WebSocketTransport) Kind() Kind { return KindWebSocket }

// Polls returns true.
func (t *WebSocketTransport) Polls() bool { return true }

// Connect performs the WebSocket handshake against ws://host:port/secret.
func (t *WebSocketTransport) Connect(ctx context.Context, host string, port int, secret string) error {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + secret,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.ConnectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		addr := u.Host
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s answered %d", ErrAuthRejected, addr, resp.StatusCode)
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return fmt.Errorf("failed to connect to %s: bad handshake", addr)
		}
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	t.logger.Debug().Str("remote", u.Host).Msg("connected")
	return nil
}

// Authenticate is a no-op: the handshake already presented the secret.
func (t *WebSocketTransport) Authenticate(context.Context, protocol.Packet) error {
	return nil
}

// WriteOne sends the packet as a text frame.
func (t *WebSocketTransport) WriteOne(p protocol.Packet) (protocol.Packet, error) {
	data, err := t.codec.Encode(p)
	if err != nil {
		return protocol.Packet{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return protocol.Packet{}, ErrClosed
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Packet{}, fmt.Errorf("failed to write packet: %w", err)
	}
	t.logger.Trace().Stringer("packet", p).Msg("sent")
	return p, nil
}

// ReadOne reads the next text frame.
func (t *WebSocketTransport) ReadOne(timeout time.Duration) (protocol.Packet, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return protocol.Packet{}, ErrClosed
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Packet{}, readErr(err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		// Frames are self-delimiting, so a bad one does not desynchronize
		// the stream.
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if env.Type != "" {
			t.logger.Debug().Str("type", env.Type).Int32("id", int32(env.Identifier)).Msg("received")
		}
		return protocol.Packet{
			ID:      int32(env.Identifier),
			Kind:    protocol.KindCommandResponse,
			Message: env.Message,
		}, nil
	}
}

// Close sends a close frame and closes the socket.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true

	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
