package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
)

// tableWindow bounds how many ids back the request and response tables
// remember. Entries older than that belong to abandoned exchanges.
const tableWindow = 1024

// OutputHandler receives frames nobody is waiting for: log lines, chat,
// keepalives and late replies.
type OutputHandler func(p protocol.Packet)

// link is one authenticated transport, plus its reader task when the
// transport polls.
type link struct {
	transport network.Transport
	poller    *Poller
}

func (l *link) polls() bool {
	return l.poller != nil
}

func (l *link) close() {
	if l.poller != nil {
		l.poller.Stop()
		return
	}
	l.transport.Close()
}

// session is what the correlator needs from the lifecycle: the link in
// service, and a way to replace a link that failed.
type session interface {
	current() (*link, error)
	recover(failed *link, cause error) error
}

// Correlator pairs commands with their replies over whichever link the
// session currently provides.
type Correlator struct {
	sess   session
	logger zerolog.Logger

	readTimeout   time.Duration
	retryInterval time.Duration

	lastID    atomic.Int32
	requests  *Table
	responses *Table
	output    atomic.Pointer[OutputHandler]
	onSent    func(protocol.Packet)

	// readTurn admits one reader at a time on sequential links.
	readTurn chan struct{}
}

func newCorrelator(sess session, logger zerolog.Logger, readTimeout, retryInterval time.Duration) *Correlator {
	return &Correlator{
		sess:          sess,
		logger:        logger,
		readTimeout:   readTimeout,
		retryInterval: retryInterval,
		requests:      NewTable(),
		responses:     NewTable(),
		readTurn:      make(chan struct{}, 1),
	}
}

// acquireRead waits for the read turn on a sequential link. A wait of zero
// waits until the turn frees up or ctx ends.
func (c *Correlator) acquireRead(ctx context.Context, wait time.Duration) error {
	var expire <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case c.readTurn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expire:
		return fmt.Errorf("waiting for another reader: %w", network.ErrReadTimeout)
	}
}

func (c *Correlator) releaseRead() {
	<-c.readTurn
}

// SetOutputHandler replaces the handler for uncorrelated frames.
func (c *Correlator) SetOutputHandler(h OutputHandler) {
	if h == nil {
		c.output.Store(nil)
		return
	}
	c.output.Store(&h)
}

func (c *Correlator) emitOutput(p protocol.Packet) {
	if h := c.output.Load(); h != nil {
		(*h)(p)
		return
	}
	c.logger.Debug().Stringer("packet", p).Msg("unhandled output")
}

// allocate returns the next correlation id. Ids start at 1.
func (c *Correlator) allocate() int32 {
	id := c.lastID.Add(1)
	if id > tableWindow {
		c.requests.PruneBelow(id - tableWindow)
		c.responses.PruneBelow(id - tableWindow)
	}
	return id
}

// login builds and records a login packet for the handshake.
func (c *Correlator) login(secret string) protocol.Packet {
	p, _ := protocol.NewPacket(c.allocate(), protocol.KindLoginRequest, secret)
	c.requests.Put(p)
	return p
}

// record keeps a frame that answers a pending request. Anything else is
// correlation noise and is dropped here.
func (c *Correlator) record(p protocol.Packet) {
	if p.Correlated() && c.requests.Has(p.ID) {
		c.responses.Put(p)
		return
	}
	c.logger.Trace().Int32("id", p.ID).Msg("absorbed uncorrelated frame")
}

// take removes and returns the reply to id.
func (c *Correlator) take(id int32) (protocol.Packet, bool) {
	p, ok := c.responses.Get(id)
	if !ok {
		return protocol.Packet{}, false
	}
	c.responses.Delete(id)
	c.requests.Delete(id)
	return p, true
}

// Send writes a command and returns the sent packet without waiting for the
// reply. A failed write triggers a reconnect, after which the same packet is
// written once more.
func (c *Correlator) Send(command string) (protocol.Packet, error) {
	l, err := c.sess.current()
	if err != nil {
		return protocol.Packet{}, err
	}

	pkt, err := protocol.NewPacket(c.allocate(), protocol.KindCommandRequest, command)
	if err != nil {
		return protocol.Packet{}, err
	}
	c.requests.Put(pkt)

	if _, err := l.transport.WriteOne(pkt); err != nil {
		c.logger.Warn().Err(err).Int32("id", pkt.ID).Msg("write failed, reconnecting")
		if rerr := c.sess.recover(l, err); rerr != nil {
			return protocol.Packet{}, rerr
		}
		if l, err = c.sess.current(); err != nil {
			return protocol.Packet{}, err
		}
		if _, err := l.transport.WriteOne(pkt); err != nil {
			return protocol.Packet{}, fmt.Errorf("failed to send command after reconnect: %w", err)
		}
	}

	c.logger.Debug().Stringer("packet", pkt).Msg("command sent")
	if c.onSent != nil {
		c.onSent(pkt)
	}
	return pkt, nil
}

// ReceiveNext returns the next inbound frame. A timeout is a soft error. A
// lost connection is repaired first, and the caller then gets a placeholder
// packet instead of a frame.
func (c *Correlator) ReceiveNext(timeout time.Duration) (protocol.Packet, error) {
	l, err := c.sess.current()
	if err != nil {
		return protocol.Packet{}, err
	}

	var pkt protocol.Packet
	if l.polls() {
		err = l.poller.Do(context.Background(), nil, func(p protocol.Packet) (bool, bool) {
			pkt = p
			return true, true
		}, timeout)
	} else if err = c.acquireRead(context.Background(), timeout); err == nil {
		pkt, err = l.transport.ReadOne(timeout)
		if err == nil {
			c.record(pkt)
		}
		c.releaseRead()
	}

	switch {
	case err == nil:
		return pkt, nil
	case network.IsTimeout(err):
		return protocol.Packet{}, err
	}

	c.logger.Warn().Err(err).Msg("read failed, reconnecting")
	if rerr := c.sess.recover(l, err); rerr != nil {
		return protocol.Packet{}, rerr
	}
	return protocol.Placeholder(), nil
}

// ReceiveResponseTo returns the reply to the request with the given id.
//
// On polling transports the reader task fills the response table, and this
// only checks the table, waiting up to one retry interval for it to change
// between checks. With maxRetries of 1 that is a single lookup. On
// sequential transports it reads up to maxRetries frames, absorbing
// anything that does not match.
func (c *Correlator) ReceiveResponseTo(id int32, maxRetries int) (protocol.Packet, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if p, ok := c.take(id); ok {
		return p, nil
	}

	l, err := c.sess.current()
	if err != nil {
		return protocol.Packet{}, err
	}

	if l.polls() {
		return c.awaitTable(id, maxRetries)
	}

	if err := c.acquireRead(context.Background(), 0); err != nil {
		return protocol.Packet{}, err
	}
	pkt, err := c.readReply(l, id, maxRetries)
	c.releaseRead()
	if err == nil || errors.Is(err, ErrNotReceived) {
		return pkt, err
	}

	c.logger.Warn().Err(err).Int32("id", id).Msg("read failed, reconnecting")
	if rerr := c.sess.recover(l, err); rerr != nil {
		return protocol.Packet{}, rerr
	}
	return protocol.Packet{}, fmt.Errorf("%w: connection was re-established before reply %d arrived", ErrNotReceived, id)
}

// readReply reads up to maxRetries frames looking for the reply to id. The
// caller holds the read turn.
func (c *Correlator) readReply(l *link, id int32, maxRetries int) (protocol.Packet, error) {
	// The previous turn holder may already have read it.
	if p, ok := c.take(id); ok {
		return p, nil
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		pkt, err := l.transport.ReadOne(c.readTimeout)
		if err != nil {
			if network.IsTimeout(err) {
				continue
			}
			return protocol.Packet{}, err
		}

		c.record(pkt)
		if pkt.ID == id {
			c.take(id)
			return pkt, nil
		}
		c.emitOutput(pkt)
	}

	return protocol.Packet{}, fmt.Errorf("%w: id %d after %d reads", ErrNotReceived, id, maxRetries)
}

func (c *Correlator) awaitTable(id int32, maxRetries int) (protocol.Packet, error) {
	deadline := time.Now().Add(time.Duration(maxRetries-1) * c.retryInterval)

	for {
		changed := c.responses.Changed()
		if p, ok := c.take(id); ok {
			return p, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Packet{}, fmt.Errorf("%w: id %d", ErrNotReceived, id)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// ExchangeFunc judges frames during a strict exchange; req is the command
// that opened it.
type ExchangeFunc func(req, p protocol.Packet) (take, done bool)

// MatchReply takes the frame carrying the request's id and ends the
// exchange.
func MatchReply(req, p protocol.Packet) (bool, bool) {
	if p.ID == req.ID {
		return true, true
	}
	return false, false
}

// Exchange writes command and feeds the following frames to fn until it
// reports done. On polling transports the exchange runs inside the reader
// task, which holds all other consumers off the stream until it finishes.
// Frames fn does not take still reach the output handler.
func (c *Correlator) Exchange(ctx context.Context, command string, timeout time.Duration, fn ExchangeFunc) error {
	l, err := c.sess.current()
	if err != nil {
		return err
	}

	req, err := protocol.NewPacket(c.allocate(), protocol.KindCommandRequest, command)
	if err != nil {
		return err
	}
	c.requests.Put(req)
	defer func() {
		c.requests.Delete(req.ID)
		c.responses.Delete(req.ID)
	}()

	accept := func(p protocol.Packet) (bool, bool) { return fn(req, p) }

	if l.polls() {
		err = l.poller.Do(ctx, &req, accept, timeout)
	} else {
		err = c.sequentialExchange(ctx, l, req, accept, timeout)
	}
	if err == nil {
		if c.onSent != nil {
			c.onSent(req)
		}
		return nil
	}

	if network.IsTimeout(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	c.logger.Warn().Err(err).Str("command", command).Msg("exchange failed, reconnecting")
	if rerr := c.sess.recover(l, err); rerr != nil {
		return rerr
	}
	return fmt.Errorf("exchange interrupted by reconnect: %w", err)
}

// Request runs an exchange that ends with the reply to command.
func (c *Correlator) Request(ctx context.Context, command string, timeout time.Duration) (protocol.Packet, error) {
	var reply protocol.Packet
	err := c.Exchange(ctx, command, timeout, func(req, p protocol.Packet) (bool, bool) {
		take, done := MatchReply(req, p)
		if take {
			reply = p
		}
		return take, done
	})
	return reply, err
}

// sequentialExchange holds the read turn from the write until fn is done, so
// no other reader can take frames belonging to the exchange.
func (c *Correlator) sequentialExchange(ctx context.Context, l *link, req protocol.Packet, accept AcceptFunc, timeout time.Duration) error {
	if err := c.acquireRead(ctx, timeout); err != nil {
		return err
	}
	defer c.releaseRead()

	if _, err := l.transport.WriteOne(req); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := c.readTimeout
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("exchange: %w", network.ErrReadTimeout)
			}
			if wait <= 0 || remaining < wait {
				wait = remaining
			}
		}

		pkt, err := l.transport.ReadOne(wait)
		if err != nil {
			if network.IsTimeout(err) && (deadline.IsZero() || time.Now().Before(deadline)) {
				continue
			}
			return err
		}

		c.record(pkt)
		take, done := accept(pkt)
		if !take {
			c.emitOutput(pkt)
		}
		if done {
			return nil
		}
	}
}

// Pending returns the number of requests still waiting for a reply.
func (c *Correlator) Pending() int {
	return c.requests.Len()
}
