package rcon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
)

// fakeServer hands out in-memory transports and scripts their replies.
type fakeServer struct {
	mu sync.Mutex

	polls      bool
	dialFails  int // the first dialFails dials fail
	rejectFrom int // auth is rejected from this dial number on; 0 never
	respond    func(req protocol.Packet) []protocol.Packet

	dials   int
	current *fakeTransport
}

func newFakeServer(polls bool) *fakeServer {
	return &fakeServer{
		polls: polls,
		respond: func(req protocol.Packet) []protocol.Packet {
			return []protocol.Packet{
				{ID: 0, Kind: protocol.KindCommandResponse, Message: "chat: hello"},
				{ID: req.ID, Kind: protocol.KindCommandResponse, Message: "ok:" + req.Message},
			}
		},
	}
}

func (s *fakeServer) factory() (network.Transport, error) {
	return &fakeTransport{
		srv:    s,
		inbox:  make(chan protocol.Packet, 128),
		closed: make(chan struct{}),
		lost:   make(chan struct{}),
	}, nil
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// drop breaks the transport currently in use.
func (s *fakeServer) drop() {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t != nil {
		t.lostOnce.Do(func() { close(t.lost) })
	}
}

// push delivers an unsolicited frame on the current transport.
func (s *fakeServer) push(p protocol.Packet) {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	t.inbox <- p
}

type fakeTransport struct {
	srv   *fakeServer
	inbox chan protocol.Packet

	closed    chan struct{}
	closeOnce sync.Once
	lost      chan struct{}
	lostOnce  sync.Once
}

func (t *fakeTransport) Kind() network.Kind {
	if t.srv.polls {
		return network.KindTelnet
	}
	return network.KindTCP
}

func (t *fakeTransport) Polls() bool { return t.srv.polls }

func (t *fakeTransport) Connect(ctx context.Context, host string, port int, secret string) error {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	t.srv.dials++
	if t.srv.dials <= t.srv.dialFails {
		return errors.New("connection refused")
	}
	t.srv.current = t
	return nil
}

func (t *fakeTransport) Authenticate(ctx context.Context, login protocol.Packet) error {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	if login.Kind != protocol.KindLoginRequest || login.Message != "secret" {
		return fmt.Errorf("%w: bad login %v", network.ErrAuthRejected, login)
	}
	if t.srv.rejectFrom > 0 && t.srv.dials >= t.srv.rejectFrom {
		return fmt.Errorf("%w: password changed", network.ErrAuthRejected)
	}
	return nil
}

func (t *fakeTransport) WriteOne(p protocol.Packet) (protocol.Packet, error) {
	select {
	case <-t.closed:
		return p, network.ErrClosed
	case <-t.lost:
		return p, io.ErrClosedPipe
	default:
	}

	t.srv.mu.Lock()
	respond := t.srv.respond
	t.srv.mu.Unlock()
	for _, r := range respond(p) {
		t.inbox <- r
	}
	return p, nil
}

func (t *fakeTransport) ReadOne(timeout time.Duration) (protocol.Packet, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case p := <-t.inbox:
		return p, nil
	case <-t.closed:
		return protocol.Packet{}, network.ErrClosed
	case <-t.lost:
		return protocol.Packet{}, io.EOF
	case <-expire:
		return protocol.Packet{}, fmt.Errorf("%w: fake", network.ErrReadTimeout)
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func testOptions() Options {
	return Options{
		Host:           "127.0.0.1",
		Port:           27015,
		Secret:         "secret",
		ReconnectDelay: 10 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
		ReadTimeout:    50 * time.Millisecond,
	}
}

func newTestConnection(t *testing.T, srv *fakeServer, bus *events.EventBus) *Connection {
	t.Helper()
	c := NewConnection(srv.factory, testOptions(), bus, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return c
}

// outputSink collects frames handed to the output handler.
type outputSink struct {
	mu   sync.Mutex
	msgs []string
}

func (o *outputSink) handle(p protocol.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, p.Message)
}

func (o *outputSink) contains(msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
