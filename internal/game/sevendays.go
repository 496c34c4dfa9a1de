package game

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/energizer-project/rconbridge/internal/protocol"
)

const (
	sevenDaysListCommand = "listplayers"
	sevenDaysListTimeout = 10 * time.Second
	sevenDaysPlatformTag = "pltfmid="
	sevenDaysTotalPrefix = "Total of"
)

var sevenDaysRosterLine = regexp.MustCompile(`^\d+\.\s`)

// SevenDays lists players over the telnet console. The listing is one
// line per player and ends with a "Total of N in the game" line.
type SevenDays struct {
	Base
}

// NewSevenDays creates the 7 Days to Die plugin.
func NewSevenDays(desc Descriptor, env Env) *SevenDays {
	return &SevenDays{Base: NewBase(desc, env)}
}

// IsOnline runs listplayers as a held exchange and looks for a player line
// carrying the id.
func (s *SevenDays) IsOnline(ctx context.Context, p Player) bool {
	found := false
	err := s.env.Console.Exchange(ctx, sevenDaysListCommand, sevenDaysListTimeout, func(req, pkt protocol.Packet) (bool, bool) {
		line := strings.TrimSpace(pkt.Message)
		switch {
		case strings.Contains(line, sevenDaysTotalPrefix):
			return true, true
		case strings.Contains(line, sevenDaysPlatformTag):
			if p.ID != "" && strings.Contains(line, p.ID) {
				found = true
			}
			return true, false
		case sevenDaysRosterLine.MatchString(line), strings.HasPrefix(line, "Executing command"):
			return true, false
		}
		return false, false
	})
	if err != nil {
		s.env.Logger.Warn().Err(err).Msg("listplayers exchange failed")
		return false
	}
	return found
}
