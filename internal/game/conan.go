package game

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/scheduler"
)

const (
	conanListCommand = "listplayers"
	conanRefresh     = 120 * time.Second
	conanTimeout     = 5 * time.Second
)

// RosterEntry is one row of a structured player listing.
type RosterEntry struct {
	Idx          int    `json:"idx"`
	CharName     string `json:"char_name"`
	PlayerName   string `json:"player_name"`
	UserID       string `json:"user_id"`
	PlatformID   string `json:"platform_id"`
	PlatformName string `json:"platform_name"`
}

// ParseRoster parses a header line followed by rows of
// "Idx | CharName | PlayerName | UserID | PlatformID | PlatformName".
// Rows that do not have six fields or a numeric index are returned as
// errors alongside the rows that did parse.
func ParseRoster(text string) ([]RosterEntry, []error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return nil, nil
	}

	var (
		rows []RosterEntry
		errs []error
	)
	for n, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, "|")
		if len(fields) < 6 {
			errs = append(errs, fmt.Errorf("roster row %d: expected 6 fields, got %d", n+1, len(fields)))
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			errs = append(errs, fmt.Errorf("roster row %d: bad index %q", n+1, fields[0]))
			continue
		}

		rows = append(rows, RosterEntry{
			Idx:          idx,
			CharName:     fields[1],
			PlayerName:   fields[2],
			UserID:       fields[3],
			PlatformID:   fields[4],
			PlatformName: fields[5],
		})
	}
	return rows, errs
}

// Conan addresses players by their position in the roster, so every
// reference lookup refreshes the roster before scanning it.
type Conan struct {
	Base

	mu     sync.RWMutex
	roster []RosterEntry
}

// NewConan creates the Conan Exiles plugin.
func NewConan(desc Descriptor, env Env) *Conan {
	return &Conan{Base: NewBase(desc, env)}
}

// Refresh fetches and parses the roster, then announces platform ids that
// were not in the previous one.
func (c *Conan) Refresh(ctx context.Context) error {
	reply, err := c.env.Console.Request(ctx, conanListCommand, conanTimeout)
	if err != nil {
		return fmt.Errorf("failed to list players: %w", err)
	}

	current, errs := ParseRoster(reply.Message)
	for _, err := range errs {
		c.env.Logger.Warn().Err(err).Msg("skipping roster row")
	}

	c.mu.Lock()
	known := make(map[string]bool, len(c.roster))
	for _, e := range c.roster {
		known[e.PlatformID] = true
	}
	c.roster = current
	c.mu.Unlock()

	c.env.Logger.Debug().Int("players", len(current)).Msg("roster refreshed")

	for _, e := range current {
		if known[e.PlatformID] {
			continue
		}
		c.env.Logger.Info().Str("platform_id", e.PlatformID).Str("character", e.CharName).Msg("player joined")
		c.env.Bus.Publish(events.EventPlayerJoined, c.desc.Tag, events.PlayerJoinedPayload{
			PlatformID:    e.PlatformID,
			CharacterName: e.CharName,
			PlayerName:    e.PlayerName,
			Slot:          e.Idx,
		})
	}
	return nil
}

// Roster returns a copy of the cached roster.
func (c *Conan) Roster() []RosterEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RosterEntry(nil), c.roster...)
}

func (c *Conan) find(idOrName string) (RosterEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.roster {
		if e.PlatformID == idOrName || e.CharName == idOrName {
			return e, true
		}
	}
	return RosterEntry{}, false
}

// IsOnline checks the cached roster by platform id or character name.
func (c *Conan) IsOnline(ctx context.Context, p Player) bool {
	if _, ok := c.find(p.ID); ok {
		return true
	}
	if p.Name != "" {
		_, ok := c.find(p.Name)
		return ok
	}
	return false
}

// ResolvePlayerReference refreshes the roster and returns the player's
// slot. A failed refresh falls back to the cached roster.
func (c *Conan) ResolvePlayerReference(ctx context.Context, idOrName string) (PlayerRef, error) {
	if err := c.Refresh(ctx); err != nil {
		c.env.Logger.Warn().Err(err).Msg("roster refresh failed, using cached roster")
	}

	e, ok := c.find(idOrName)
	if !ok {
		return PlayerRef{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, idOrName)
	}
	return PlayerRef{
		ID:            idOrName,
		Slot:          e.Idx,
		Positional:    true,
		CharacterName: e.CharName,
	}, nil
}

// ExpandUsernameVariables fills {id} and {username} with the slot and
// {playercharactername} with the character in that slot.
func (c *Conan) ExpandUsernameVariables(cmd string, ref PlayerRef) string {
	cmd = ExpandReference(cmd, ref)
	if !strings.Contains(cmd, VarCharacterName) {
		return cmd
	}

	name := ref.CharacterName
	c.mu.RLock()
	for _, e := range c.roster {
		if ref.Positional && e.Idx == ref.Slot {
			name = e.CharName
			break
		}
	}
	c.mu.RUnlock()

	if name == "" {
		return cmd
	}
	return strings.ReplaceAll(cmd, VarCharacterName, name)
}

// Schedule refreshes the roster every two minutes.
func (c *Conan) Schedule(s *scheduler.Scheduler) {
	s.Every("conan-roster", conanRefresh, c.Refresh)
}
