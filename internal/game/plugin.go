// Package game holds the per-game capability plugins: how to tell whether a
// player is online, how to address them in a command and which transport the
// server speaks.
package game

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/network"
	"github.com/energizer-project/rconbridge/internal/protocol"
	"github.com/energizer-project/rconbridge/internal/rcon"
	"github.com/energizer-project/rconbridge/internal/scheduler"
)

var (
	// ErrPlayerNotFound means the player is not in the server's roster.
	ErrPlayerNotFound = errors.New("player not found")

	// ErrUnknownGame is returned by Lookup for an unregistered tag.
	ErrUnknownGame = errors.New("unknown game")
)

// Player identifies someone a command is meant for.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PlayerRef is how a command addresses a player. Most games use the id;
// positional games use the player's slot in the last roster, which is only
// valid until the roster changes.
type PlayerRef struct {
	ID            string `json:"id"`
	Slot          int    `json:"slot"`
	Positional    bool   `json:"positional"`
	CharacterName string `json:"character_name,omitempty"`
}

// DefaultRef addresses a player by id.
func DefaultRef(id string) PlayerRef {
	return PlayerRef{ID: id, Slot: -1}
}

// String returns the value substituted into commands.
func (r PlayerRef) String() string {
	if r.Positional {
		return strconv.Itoa(r.Slot)
	}
	return r.ID
}

// Descriptor describes a registered game. Without SupportsOnlineCheck every
// player is treated as online, and without SupportsCustomReference players
// are addressed by id.
type Descriptor struct {
	Tag                     string       `json:"tag"`
	Name                    string       `json:"name"`
	Version                 string       `json:"version"`
	Transport               network.Kind `json:"transport"`
	SupportsOnlineCheck     bool         `json:"supports_online_check"`
	SupportsCustomReference bool         `json:"supports_custom_reference"`
}

// Console is the command surface a plugin talks to the server through.
// *rcon.Connection satisfies it.
type Console interface {
	Send(command string) (protocol.Packet, error)
	ReceiveNext(timeout time.Duration) (protocol.Packet, error)
	ReceiveResponseTo(id int32, maxRetries int) (protocol.Packet, error)
	Exchange(ctx context.Context, command string, timeout time.Duration, fn rcon.ExchangeFunc) error
	Request(ctx context.Context, command string, timeout time.Duration) (protocol.Packet, error)
}

// Env is everything a plugin is built from.
type Env struct {
	Console Console
	Bus     *events.EventBus
	Logger  zerolog.Logger
}

// Plugin is one game's capability set.
type Plugin interface {
	Descriptor() Descriptor

	// IsOnline reports whether the player is currently connected.
	IsOnline(ctx context.Context, p Player) bool

	// ExpandUsernameVariables fills the player placeholders in cmd.
	ExpandUsernameVariables(cmd string, ref PlayerRef) string

	// ResolvePlayerReference maps an id or name to the reference commands
	// should use. It returns ErrPlayerNotFound when the game can tell.
	ResolvePlayerReference(ctx context.Context, idOrName string) (PlayerRef, error)

	// CreateTransport builds the transport this game's server speaks.
	CreateTransport(opts network.Options) (network.Transport, error)

	// HandleOutput receives every frame nobody was waiting for.
	HandleOutput(p protocol.Packet)

	// Schedule registers the plugin's periodic work, if any.
	Schedule(s *scheduler.Scheduler)
}

// Base is the default capability set: every player is assumed online and
// addressed by id. Game plugins embed it and override what they know better.
type Base struct {
	desc Descriptor
	env  Env
}

// NewBase creates a Base for desc.
func NewBase(desc Descriptor, env Env) Base {
	return Base{desc: desc, env: env}
}

// Descriptor returns the game's descriptor.
func (b Base) Descriptor() Descriptor {
	return b.desc
}

// IsOnline assumes the player is reachable.
func (b Base) IsOnline(ctx context.Context, p Player) bool {
	return true
}

// ExpandUsernameVariables replaces {id} and {username} with the reference.
func (b Base) ExpandUsernameVariables(cmd string, ref PlayerRef) string {
	return ExpandReference(cmd, ref)
}

// ResolvePlayerReference returns the id itself.
func (b Base) ResolvePlayerReference(ctx context.Context, idOrName string) (PlayerRef, error) {
	return DefaultRef(idOrName), nil
}

// CreateTransport builds the descriptor's transport.
func (b Base) CreateTransport(opts network.Options) (network.Transport, error) {
	return network.New(b.desc.Transport, opts)
}

// HandleOutput logs the frame and publishes it on the bus.
func (b Base) HandleOutput(p protocol.Packet) {
	b.env.Logger.Debug().Int32("id", p.ID).Str("message", p.Message).Msg("<- rcon")
	b.env.Bus.Publish(events.EventServerOutput, b.desc.Tag, events.OutputPayload{
		ID:      p.ID,
		Message: p.Message,
		At:      time.Now(),
	})
}

// Schedule registers nothing.
func (b Base) Schedule(s *scheduler.Scheduler) {}
