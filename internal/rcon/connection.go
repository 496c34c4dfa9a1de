package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
)

// Default lifecycle timings.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRetryInterval  = 200 * time.Millisecond
	DefaultReadTimeout    = 2 * time.Second
)

// TransportFactory builds a fresh, unconnected transport. It is called once
// per dial.
type TransportFactory func() (network.Transport, error)

// Options configure a Connection.
type Options struct {
	Host   string
	Port   int
	Secret string

	ReconnectDelay time.Duration
	RetryInterval  time.Duration
	ReadTimeout    time.Duration
	AuthTimeout    time.Duration
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = network.DefaultAuthTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = network.DefaultConnectTimeout
	}
	return o
}

// Status is a point-in-time view of a Connection.
type Status struct {
	State       State     `json:"state"`
	Transport   string    `json:"transport,omitempty"`
	Polling     bool      `json:"polling"`
	Address     string    `json:"address"`
	Dials       int32     `json:"dials"`
	Reconnects  int32     `json:"reconnects"`
	Pending     int       `json:"pending"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Connection owns the authenticated link to one server and replaces it when
// it fails. Command correlation is provided by the embedded Correlator.
type Connection struct {
	*Correlator

	opts    Options
	factory TransportFactory
	bus     *events.EventBus
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	everReady   bool
	closed      bool
	link        *link
	transport   network.Kind
	fatalErr    error
	lastErr     error
	connectedAt time.Time

	flight     singleflight.Group
	dials      atomic.Int32
	reconnects atomic.Int32

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewConnection creates a disconnected Connection. bus may be nil.
func NewConnection(factory TransportFactory, opts Options, bus *events.EventBus, logger zerolog.Logger) *Connection {
	c := &Connection{
		opts:    opts.withDefaults(),
		factory: factory,
		bus:     bus,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.Correlator = newCorrelator(c, logger, c.opts.ReadTimeout, c.opts.RetryInterval)
	c.Correlator.onSent = c.publishSent
	return c
}

// Connect dials and authenticates once.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateFatal:
		c.mu.Unlock()
		return c.fatalErr
	case c.link != nil:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	l, err := c.establish(ctx, true)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		return err
	}
	c.install(l)
	return nil
}

// ConnectWithRetry keeps calling Connect with the reconnect delay between
// attempts until it succeeds, the credentials are rejected or ctx ends.
func (c *Connection) ConnectWithRetry(ctx context.Context) error {
	for {
		err := c.Connect(ctx)
		if err == nil || errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrClosed) || errors.Is(err, ErrFatal) {
			return err
		}

		c.logger.Warn().
			Err(err).
			Dur("retry_in", c.opts.ReconnectDelay).
			Msg("initial connect failed")

		if !c.sleep(ctx, c.opts.ReconnectDelay) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrClosed
		}
	}
}

// establish dials a new transport, authenticates it and, for polling
// transports, starts its reader task.
func (c *Connection) establish(ctx context.Context, initial bool) (*link, error) {
	t, err := c.factory()
	if err != nil {
		return nil, err
	}
	c.dials.Add(1)

	if initial {
		c.setState(StateConnecting, "")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	err = t.Connect(dialCtx, c.opts.Host, c.opts.Port, c.opts.Secret)
	cancel()
	if err != nil {
		t.Close()
		if errors.Is(err, ErrAuthRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrConnect, c.opts.Host, c.opts.Port, err)
	}

	if initial {
		c.setState(StateAuthenticating, "")
	}

	login := c.login(c.opts.Secret)
	authCtx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	err = t.Authenticate(authCtx, login)
	cancel()
	c.requests.Delete(login.ID)
	c.responses.Delete(login.ID)
	if err != nil {
		t.Close()
		return nil, err
	}

	l := &link{transport: t}
	if t.Polls() {
		l.poller = newPoller(t, c.logger, c.record, c.emitOutput, func(err error) {
			c.recover(l, err)
		})
		l.poller.Start()
	}

	c.mu.Lock()
	c.transport = t.Kind()
	c.mu.Unlock()
	return l, nil
}

func (c *Connection) install(l *link) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return
	}
	c.link = l
	c.everReady = true
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.setState(StateReady, "")
	c.logger.Info().
		Str("address", c.address()).
		Str("transport", string(l.transport.Kind())).
		Bool("polling", l.polls()).
		Msg("rcon connection ready")
}

// current returns the link in service. While a reconnect is running it waits
// for that attempt.
func (c *Connection) current() (*link, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		state, l, closed, fatal := c.state, c.link, c.closed, c.fatalErr
		c.mu.Unlock()

		switch {
		case closed:
			return nil, ErrClosed
		case state == StateFatal:
			return nil, fatal
		case l != nil:
			return l, nil
		case state != StateReconnecting:
			return nil, ErrNotReady
		}

		if err := c.recover(nil, nil); err != nil {
			return nil, err
		}
	}
	return nil, ErrNotReady
}

// recover replaces failed with a new link. Concurrent callers that observed
// the same failure share one attempt; a caller whose link was already
// replaced returns at once.
func (c *Connection) recover(failed *link, cause error) error {
	_, err, _ := c.flight.Do("reconnect", func() (interface{}, error) {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return nil, ErrClosed
		case c.state == StateFatal:
			err := c.fatalErr
			c.mu.Unlock()
			return nil, err
		case c.link != nil && c.link != failed:
			c.mu.Unlock()
			return nil, nil
		case !c.everReady:
			c.mu.Unlock()
			return nil, ErrNotReady
		}

		old := c.link
		prev := c.state
		c.link = nil
		c.lastErr = cause
		c.state = StateReconnecting
		c.mu.Unlock()

		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		c.publishState(prev, StateReconnecting, reason)
		if old != nil {
			old.close()
		}

		return nil, c.reconnectLoop()
	})
	return err
}

// reconnectLoop waits the reconnect delay before every attempt and keeps
// going until a link is up, the server rejects the secret or Close is
// called.
func (c *Connection) reconnectLoop() error {
	for attempt := 1; ; attempt++ {
		if !c.sleep(context.Background(), c.opts.ReconnectDelay) {
			return ErrClosed
		}

		c.logger.Info().Int("attempt", attempt).Str("address", c.address()).Msg("reconnecting")

		l, err := c.establish(context.Background(), false)
		if err == nil {
			c.reconnects.Add(1)
			c.install(l)
			c.bus.Publish(events.EventReconnected, "rcon", events.StatePayload{
				Previous: StateReconnecting.String(),
				Current:  StateReady.String(),
				At:       time.Now(),
			})
			return nil
		}

		if errors.Is(err, ErrAuthRejected) {
			return c.fail(err)
		}

		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
}

// fail moves the connection to Fatal. It is terminal.
func (c *Connection) fail(cause error) error {
	fatal := fmt.Errorf("%w: re-authentication failed: %w", ErrFatal, cause)

	c.mu.Lock()
	c.fatalErr = fatal
	c.lastErr = cause
	c.mu.Unlock()

	c.setState(StateFatal, cause.Error())
	c.logger.Error().Err(cause).Msg("server rejected the secret on reconnect, giving up")
	c.bus.Publish(events.EventConnectionFatal, "rcon", events.StatePayload{
		Previous: StateReconnecting.String(),
		Current:  StateFatal.String(),
		Reason:   cause.Error(),
		At:       time.Now(),
	})
	c.doneOnce.Do(func() { close(c.done) })
	return fatal
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) setState(s State, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == s || prev == StateFatal {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.publishState(prev, s, reason)
}

func (c *Connection) publishState(prev, s State, reason string) {
	c.logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("connection state changed")
	c.bus.Publish(events.EventConnectionState, "rcon", events.StatePayload{
		Previous: prev.String(),
		Current:  s.String(),
		Reason:   reason,
		At:       time.Now(),
	})
}

func (c *Connection) publishSent(p protocol.Packet) {
	c.bus.Publish(events.EventCommandSent, "rcon", events.CommandPayload{
		ID:      p.ID,
		Command: p.Message,
		At:      time.Now(),
	})
}

func (c *Connection) address() string {
	return fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection reaches Fatal.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal error, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Status reports the connection's state and counters.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:       c.state,
		Transport:   string(c.transport),
		Polling:     c.link != nil && c.link.polls(),
		Address:     c.address(),
		Dials:       c.dials.Load(),
		Reconnects:  c.reconnects.Load(),
		Pending:     c.Correlator.Pending(),
		ConnectedAt: c.connectedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Close tears down the link and stops any reconnect loop. It does not move
// the connection to Fatal.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if l != nil {
		l.close()
	}
	c.setState(StateDisconnected, "closed")
	return nil
}
