package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/energizer-project/rconbridge/internal/rcon"
	"github.com/energizer-project/rconbridge/internal/scheduler"
)

// rosterContains looks for the player's id in a raw roster listing, then
// falls back to the name. Either match counts as online, so a name that
// happens to contain another player's id is a false positive.
func rosterContains(roster string, p Player) (found bool, by string) {
	if p.ID != "" && strings.Contains(roster, p.ID) {
		return true, "id"
	}
	if p.Name != "" && strings.Contains(roster, p.Name) {
		return true, "name"
	}
	return false, ""
}

const (
	arkListCommand = "listplayers"
	arkRefresh     = 5 * time.Second
	arkTimeout     = 5 * time.Second
	arkNoResponse  = "But no response!!"
)

// Ark keeps the text of the last listplayers reply and answers online
// checks from it.
type Ark struct {
	Base

	mu     sync.RWMutex
	roster string
	loaded bool
}

// NewArk creates the ARK plugin.
func NewArk(desc Descriptor, env Env) *Ark {
	return &Ark{Base: NewBase(desc, env)}
}

// Refresh fetches the player list. A keepalive echo in place of the list is
// ignored and the previous list kept.
func (a *Ark) Refresh(ctx context.Context) error {
	reply, err := a.env.Console.Request(ctx, arkListCommand, arkTimeout)
	if err != nil {
		return err
	}
	if strings.Contains(reply.Message, arkNoResponse) {
		a.env.Logger.Debug().Msg("listplayers answered with a keepalive echo, keeping previous list")
		return nil
	}

	a.mu.Lock()
	a.roster = reply.Message
	a.loaded = true
	a.mu.Unlock()

	a.env.Logger.Debug().Str("roster", reply.Message).Msg("received player list")
	return nil
}

// IsOnline matches the player against the cached list, loading it first if
// it has never been fetched.
func (a *Ark) IsOnline(ctx context.Context, p Player) bool {
	a.mu.RLock()
	loaded := a.loaded
	a.mu.RUnlock()

	if !loaded {
		if err := a.Refresh(ctx); err != nil {
			a.env.Logger.Warn().Err(err).Msg("failed to load player list")
		}
	}

	a.mu.RLock()
	roster := a.roster
	a.mu.RUnlock()

	found, by := rosterContains(roster, p)
	if !found {
		a.env.Logger.Debug().Str("player", p.Name).Str("id", p.ID).Msg("player not in player list")
		return false
	}
	a.env.Logger.Debug().Str("player", p.Name).Str("matched_by", by).Msg("player found in player list")
	return true
}

// Schedule refreshes the list every five seconds.
func (a *Ark) Schedule(s *scheduler.Scheduler) {
	s.Every("ark-listplayers", arkRefresh, a.Refresh)
}

const (
	rustListCommand = "playerlist"
	rustListRetries = 10
	rustListTries   = 3
)

// Rust asks the server for the player list on every online check.
type Rust struct {
	Base
}

// NewRust creates the Rust plugin.
func NewRust(desc Descriptor, env Env) *Rust {
	return &Rust{Base: NewBase(desc, env)}
}

// IsOnline sends playerlist and searches the correlated reply.
func (r *Rust) IsOnline(ctx context.Context, p Player) bool {
	sent, err := r.env.Console.Send(rustListCommand)
	if err != nil {
		r.env.Logger.Warn().Err(err).Msg("failed to request player list")
		return false
	}

	for try := 0; try < rustListTries; try++ {
		if ctx.Err() != nil {
			return false
		}
		reply, err := r.env.Console.ReceiveResponseTo(sent.ID, rustListRetries)
		if errors.Is(err, rcon.ErrNotReceived) {
			continue
		}
		if err != nil {
			r.env.Logger.Warn().Err(err).Msg("player list request failed")
			return false
		}
		found, _ := rosterContains(reply.Message, p)
		return found
	}

	r.env.Logger.Warn().Int32("id", sent.ID).Msg("no reply to playerlist")
	return false
}
