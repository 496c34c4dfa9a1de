package rcon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
)

// AcceptFunc inspects each inbound frame while an exchange holds the stream.
// take claims the frame for the exchange, done ends the exchange. Frames that
// are not taken continue to the output handler.
type AcceptFunc func(p protocol.Packet) (take, done bool)

type inbound struct {
	pkt protocol.Packet
	err error
}

type claim struct {
	ctx     context.Context
	request *protocol.Packet
	accept  AcceptFunc
	timeout time.Duration
	result  chan error
}

// Poller is the single reader task of a polling transport.
//
// One goroutine blocks in ReadOne and feeds a channel. A dispatcher drains
// that channel: it records correlated replies, hands every frame to the
// output handler, and serves exchange claims. While a claim is active the
// dispatcher offers frames to the claim first, so a strict write-then-read
// exchange cannot lose its reply to the background loop. When the claim ends
// forwarding resumes.
type Poller struct {
	transport network.Transport
	logger    zerolog.Logger

	record func(protocol.Packet)
	output func(protocol.Packet)
	onLoss func(error)

	frames chan inbound
	claims chan *claim
	dead   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lossErr error
}

func newPoller(t network.Transport, logger zerolog.Logger, record, output func(protocol.Packet), onLoss func(error)) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		transport: t,
		logger:    logger,
		record:    record,
		output:    output,
		onLoss:    onLoss,
		frames:    make(chan inbound),
		claims:    make(chan *claim),
		dead:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the reader and the dispatcher.
func (p *Poller) Start() {
	p.wg.Add(2)
	go p.readLoop()
	go p.dispatch()
}

// Stop halts both goroutines and closes the transport.
func (p *Poller) Stop() {
	p.cancel()
	p.transport.Close()
	p.wg.Wait()
}

// Do runs one exclusive exchange. When request is non-nil it is written
// first; inbound frames are then offered to accept until it reports done,
// the timeout expires or ctx ends. A zero timeout waits indefinitely.
func (p *Poller) Do(ctx context.Context, request *protocol.Packet, accept AcceptFunc, timeout time.Duration) error {
	c := &claim{
		ctx:     ctx,
		request: request,
		accept:  accept,
		timeout: timeout,
		result:  make(chan error, 1),
	}

	select {
	case p.claims <- c:
	case <-p.dead:
		return p.err()
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.result
}

func (p *Poller) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lossErr != nil {
		return p.lossErr
	}
	return network.ErrClosed
}

func (p *Poller) readLoop() {
	defer p.wg.Done()

	for {
		pkt, err := p.transport.ReadOne(0)
		if err != nil && p.ctx.Err() != nil {
			return
		}

		select {
		case p.frames <- inbound{pkt: pkt, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Poller) dispatch() {
	defer p.wg.Done()
	defer close(p.dead)

	for {
		select {
		case <-p.ctx.Done():
			return

		case c := <-p.claims:
			if !p.serve(c) {
				return
			}

		case in := <-p.frames:
			if in.err != nil {
				p.fail(in.err)
				return
			}
			p.record(in.pkt)
			p.output(in.pkt)
		}
	}
}

// serve runs one claim. It returns false when the stream is gone.
func (p *Poller) serve(c *claim) bool {
	if c.request != nil {
		if _, err := p.transport.WriteOne(*c.request); err != nil {
			c.result <- err
			return true
		}
	}

	var expire <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		select {
		case <-p.ctx.Done():
			c.result <- network.ErrClosed
			return false

		case <-c.ctx.Done():
			c.result <- c.ctx.Err()
			return true

		case <-expire:
			c.result <- fmt.Errorf("exchange: %w", network.ErrReadTimeout)
			return true

		case in := <-p.frames:
			if in.err != nil {
				p.fail(in.err)
				c.result <- in.err
				return false
			}

			p.record(in.pkt)
			take, done := c.accept(in.pkt)
			if !take {
				p.output(in.pkt)
			}
			if done {
				c.result <- nil
				return true
			}
		}
	}
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.lossErr = err
	p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	p.logger.Warn().Err(err).Msg("poll loop lost the connection")
	// The handler tears this poller down, so it must not run on the
	// dispatcher goroutine.
	go p.onLoss(err)
}
