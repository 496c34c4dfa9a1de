package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

const (
	beDatagramSize = 64 * 1024
	beInboxSize    = 64
)

// BattlEyeTransport speaks BattlEye RCON over UDP (DayZ, Arma).
//
// Replies are asynchronous: WriteOne returns as soon as the datagram is out,
// and a reader goroutine turns everything the server sends into packets on a
// channel inbox that ReadOne drains. Server messages are acknowledged as they
// arrive, and split replies are joined before delivery. Sequence bytes are
// mapped back to the request ids they were issued for.
type BattlEyeTransport struct {
	opts   Options
	logger zerolog.Logger

	conn   *Connection
	inbox  chan protocol.Packet
	logins chan protocol.BEPacket
	errs   chan error
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	seq      byte
	inflight map[byte]int32
	parts    *protocol.Multipart
}

// NewBattlEyeTransport creates an unconnected BattlEye transport.
func NewBattlEyeTransport(opts Options) *BattlEyeTransport {
	return &BattlEyeTransport{
		opts:     opts.withDefaults(),
		logger:   log.With().Str("component", "transport").Str("transport", string(KindBattlEye)).Logger(),
		inbox:    make(chan protocol.Packet, beInboxSize),
		logins:   make(chan protocol.BEPacket, 1),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
		inflight: make(map[byte]int32),
		parts:    protocol.NewMultipart(),
	}
}

// Kind returns KindBattlEye.
func (t *BattlEyeTransport) Kind() Kind { return KindBattlEye }

// Polls returns true.
func (t *BattlEyeTransport) Polls() bool { return true }

// Connect binds the UDP socket and starts the reader.
func (t *BattlEyeTransport) Connect(ctx context.Context, host string, port int, _ string) error {
	conn, err := Dial(ctx, "udp", host, port, t.opts)
	if err != nil {
		return err
	}
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Authenticate sends the login datagram and waits for the verdict.
func (t *BattlEyeTransport) Authenticate(ctx context.Context, login protocol.Packet) error {
	if t.conn == nil {
		return ErrClosed
	}

	data := protocol.EncodeBE(protocol.BEPacket{Type: protocol.BETypeLogin, Payload: []byte(login.Message)})
	if err := t.conn.Write(data); err != nil {
		return err
	}

	timer := time.NewTimer(authTimeout(ctx, t.opts.AuthTimeout))
	defer timer.Stop()

	select {
	case reply := <-t.logins:
		if !protocol.BELoginAccepted(reply) {
			return fmt.Errorf("%w: invalid password", ErrAuthRejected)
		}
	case err := <-t.errs:
		return fmt.Errorf("failed to read login reply: %w", err)
	case <-timer.C:
		return fmt.Errorf("failed to read login reply: %w", ErrReadTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}

	t.wg.Add(1)
	go t.keepAliveLoop()
	return nil
}

// WriteOne sends a command datagram without waiting for the reply.
func (t *BattlEyeTransport) WriteOne(p protocol.Packet) (protocol.Packet, error) {
	if t.conn == nil {
		return protocol.Packet{}, ErrClosed
	}
	if err := t.writeCommand(p.ID, p.Message); err != nil {
		return protocol.Packet{}, err
	}
	t.logger.Trace().Stringer("packet", p).Msg("sent")
	return p, nil
}

// ReadOne pops the next packet from the inbox.
func (t *BattlEyeTransport) ReadOne(timeout time.Duration) (protocol.Packet, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case p := <-t.inbox:
		return p, nil
	case err := <-t.errs:
		return protocol.Packet{}, err
	case <-t.done:
		return protocol.Packet{}, ErrClosed
	case <-expire:
		return protocol.Packet{}, ErrReadTimeout
	}
}

// Close stops the reader and keepalive and closes the socket.
func (t *BattlEyeTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.wg.Wait()
	})
	return err
}

func (t *BattlEyeTransport) writeCommand(id int32, command string) error {
	t.mu.Lock()
	seq := t.seq
	t.seq++
	t.inflight[seq] = id
	t.mu.Unlock()

	data := protocol.EncodeBE(protocol.BEPacket{
		Type:    protocol.BETypeCommand,
		Seq:     seq,
		Payload: []byte(command),
	})
	return t.conn.Write(data)
}

func (t *BattlEyeTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, beDatagramSize)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			select {
			case <-t.done:
			case t.errs <- readErr(err):
			default:
			}
			return
		}

		// The decoded payload aliases its input and buf is reused by the
		// next read, so decode a private copy.
		pkt, err := protocol.DecodeBE(append([]byte(nil), buf[:n]...))
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed datagram")
			continue
		}

		switch pkt.Type {
		case protocol.BETypeLogin:
			select {
			case t.logins <- pkt:
			default:
			}

		case protocol.BETypeMessage:
			ack := protocol.EncodeBE(protocol.BEPacket{Type: protocol.BETypeMessage, Seq: pkt.Seq})
			if err := t.conn.Write(ack); err != nil {
				t.logger.Warn().Err(err).Uint8("seq", pkt.Seq).Msg("failed to acknowledge server message")
			}
			t.deliver(protocol.Packet{ID: 0, Kind: protocol.KindCommandResponse, Message: string(pkt.Payload)})

		case protocol.BETypeCommand:
			t.mu.Lock()
			payload, complete := t.parts.Add(pkt)
			id, known := t.inflight[pkt.Seq]
			if complete {
				delete(t.inflight, pkt.Seq)
			}
			t.mu.Unlock()

			if !complete {
				continue
			}
			if known && id == 0 && len(payload) == 0 {
				// keepalive echo
				continue
			}
			t.deliver(protocol.Packet{ID: id, Kind: protocol.KindCommandResponse, Message: string(payload)})
		}
	}
}

func (t *BattlEyeTransport) deliver(p protocol.Packet) {
	select {
	case t.inbox <- p:
	case <-t.done:
	}
}

func (t *BattlEyeTransport) keepAliveLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.writeCommand(0, ""); err != nil {
				t.logger.Warn().Err(err).Msg("keepalive failed")
			}
		}
	}
}
