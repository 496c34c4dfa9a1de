// Package engine is the bridge's context object: it ties one game plugin to
// one RCON connection and exposes the calls a controller needs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/config"
	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/game"
	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
	"github.com/energizer-project/rconbridge/internal/rcon"
	"github.com/energizer-project/rconbridge/internal/scheduler"
)

// ErrPlayerOffline is returned by ExecuteOnline when the player is not
// connected to the server.
var ErrPlayerOffline = errors.New("player is not online")

// Link is the connection surface the engine drives. *rcon.Connection
// satisfies it.
type Link interface {
	game.Console
	Connect(ctx context.Context) error
	ConnectWithRetry(ctx context.Context) error
	SetOutputHandler(h rcon.OutputHandler)
	Status() rcon.Status
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Status is a point-in-time view of the engine.
type Status struct {
	Session    string          `json:"session"`
	Game       game.Descriptor `json:"game"`
	StartedAt  time.Time       `json:"started_at"`
	Connection rcon.Status     `json:"connection"`
}

// Engine owns the connection and the game plugin.
type Engine struct {
	conn    Link
	plugin  game.Plugin
	bus     *events.EventBus
	logger  zerolog.Logger
	session string
	retry   bool
	started time.Time
}

// New builds the engine for the configured game. The connection is not
// dialled until Connect.
func New(cfg config.RCONConfig, bus *events.EventBus, logger zerolog.Logger) (*Engine, error) {
	entry, err := game.Lookup(cfg.Game)
	if err != nil {
		return nil, err
	}

	topts := network.Options{
		ConnectTimeout: cfg.ConnectTimeout(),
		AuthTimeout:    cfg.AuthTimeout(),
		Poll:           cfg.Poll,
		KeepAlive:      cfg.KeepAlive(),
	}

	var plugin game.Plugin
	conn := rcon.NewConnection(func() (network.Transport, error) {
		return plugin.CreateTransport(topts)
	}, rcon.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Secret:         cfg.Password,
		ReconnectDelay: cfg.ReconnectDelay(),
		RetryInterval:  cfg.RetryInterval(),
		ReadTimeout:    cfg.ReadTimeout(),
		AuthTimeout:    cfg.AuthTimeout(),
		ConnectTimeout: cfg.ConnectTimeout(),
	}, bus, logger)

	plugin = entry.New(entry.Descriptor, game.Env{
		Console: conn,
		Bus:     bus,
		Logger:  logger.With().Str("game", entry.Descriptor.Tag).Logger(),
	})

	e := newEngine(conn, plugin, bus, logger)
	e.retry = cfg.ConnectRetry
	return e, nil
}

// newEngine wires an engine around an existing link. plugin may be nil, in
// which case every player is assumed online and addressed by id.
func newEngine(conn Link, plugin game.Plugin, bus *events.EventBus, logger zerolog.Logger) *Engine {
	e := &Engine{
		conn:    conn,
		plugin:  plugin,
		bus:     bus,
		logger:  logger,
		session: uuid.NewString(),
		started: time.Now(),
	}
	conn.SetOutputHandler(e.handleOutput)
	return e
}

func (e *Engine) handleOutput(p protocol.Packet) {
	if e.plugin != nil {
		e.plugin.HandleOutput(p)
		return
	}
	e.logger.Debug().Int32("id", p.ID).Str("message", p.Message).Msg("<- rcon")
	e.bus.Publish(events.EventServerOutput, "engine", events.OutputPayload{ID: p.ID, Message: p.Message, At: time.Now()})
}

// Session returns the id of this engine run.
func (e *Engine) Session() string {
	return e.session
}

// Descriptor describes the game the engine talks to.
func (e *Engine) Descriptor() game.Descriptor {
	if e.plugin == nil {
		return game.Descriptor{Tag: "unknown"}
	}
	return e.plugin.Descriptor()
}

// Connect dials the server, retrying until success when configured to.
func (e *Engine) Connect(ctx context.Context) error {
	if e.retry {
		return e.conn.ConnectWithRetry(ctx)
	}
	return e.conn.Connect(ctx)
}

// Schedule registers the plugin's periodic work.
func (e *Engine) Schedule(s *scheduler.Scheduler) {
	if e.plugin != nil {
		e.plugin.Schedule(s)
	}
}

// Send writes command and returns the packet as sent, including its id.
func (e *Engine) Send(command string) (protocol.Packet, error) {
	return e.conn.Send(command)
}

// ReceiveNext returns the next frame the server sends.
func (e *Engine) ReceiveNext(timeout time.Duration) (protocol.Packet, error) {
	return e.conn.ReceiveNext(timeout)
}

// ReceiveResponseTo returns the reply to the command sent with id.
func (e *Engine) ReceiveResponseTo(id int32, maxRetries int) (protocol.Packet, error) {
	p, err := e.conn.ReceiveResponseTo(id, maxRetries)
	if err == nil {
		e.publishResponse(p)
	}
	return p, err
}

// Request sends command and waits for its reply.
func (e *Engine) Request(ctx context.Context, command string, timeout time.Duration) (protocol.Packet, error) {
	p, err := e.conn.Request(ctx, command, timeout)
	if err == nil {
		e.publishResponse(p)
	}
	return p, err
}

func (e *Engine) publishResponse(p protocol.Packet) {
	e.bus.Publish(events.EventCommandResponse, "engine", events.CommandPayload{
		ID:       p.ID,
		Response: p.Message,
		At:       time.Now(),
	})
}

// IsPlayerOnline reports whether the player is connected. Games that cannot
// tell report every player online.
func (e *Engine) IsPlayerOnline(ctx context.Context, p game.Player) bool {
	if e.plugin == nil || !e.plugin.Descriptor().SupportsOnlineCheck {
		return true
	}
	return e.plugin.IsOnline(ctx, p)
}

// GetPlayerRef returns the reference commands should use for idOrName.
// Games without their own addressing use the id as given.
func (e *Engine) GetPlayerRef(ctx context.Context, idOrName string) (game.PlayerRef, error) {
	if e.plugin == nil || !e.plugin.Descriptor().SupportsCustomReference {
		return game.DefaultRef(idOrName), nil
	}
	return e.plugin.ResolvePlayerReference(ctx, idOrName)
}

// ExpandUsernameVariables fills the player placeholders in cmd.
func (e *Engine) ExpandUsernameVariables(cmd string, ref game.PlayerRef) string {
	if e.plugin == nil {
		return game.ExpandReference(cmd, ref)
	}
	return e.plugin.ExpandUsernameVariables(cmd, ref)
}

// ExpandOfflineVariables fills {id}, {username} and {name} for a player who
// need not be online.
func (e *Engine) ExpandOfflineVariables(cmd string, p game.Player) string {
	out, leftover := game.ExpandOffline(cmd, p)
	if leftover {
		e.logger.Warn().Str("command", out).Msg("command still contains braces after expansion")
	}
	return out
}

// ExecuteOnline resolves the player, checks they are online, expands cmd and
// sends it.
func (e *Engine) ExecuteOnline(ctx context.Context, cmd string, p game.Player) (protocol.Packet, error) {
	idOrName := p.ID
	if idOrName == "" {
		idOrName = p.Name
	}

	ref, err := e.GetPlayerRef(ctx, idOrName)
	if errors.Is(err, game.ErrPlayerNotFound) {
		return protocol.Packet{}, fmt.Errorf("%w: %s", ErrPlayerOffline, idOrName)
	}
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("failed to resolve player %s: %w", idOrName, err)
	}

	if !e.IsPlayerOnline(ctx, p) {
		return protocol.Packet{}, fmt.Errorf("%w: %s", ErrPlayerOffline, idOrName)
	}

	expanded := e.ExpandUsernameVariables(cmd, ref)
	e.logger.Info().Str("player", idOrName).Str("ref", ref.String()).Msg("executing online command")
	return e.conn.Send(expanded)
}

// ExecuteOffline expands cmd for the player and sends it without checking
// whether they are online.
func (e *Engine) ExecuteOffline(cmd string, p game.Player) (protocol.Packet, error) {
	return e.conn.Send(e.ExpandOfflineVariables(cmd, p))
}

// Status returns the engine's status.
func (e *Engine) Status() Status {
	return Status{
		Session:    e.session,
		Game:       e.Descriptor(),
		StartedAt:  e.started,
		Connection: e.conn.Status(),
	}
}

// Done is closed once the connection can no longer recover.
func (e *Engine) Done() <-chan struct{} {
	return e.conn.Done()
}

// Err returns why Done was closed.
func (e *Engine) Err() error {
	return e.conn.Err()
}

// Close tears down the connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}
