// Package cli implements the interactive console: connection status, raw
// commands, player lookups and the command journal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/rconbridge/internal/db"
	"github.com/energizer-project/rconbridge/internal/engine"
	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/game"
	"github.com/energizer-project/rconbridge/internal/protocol"
	"github.com/energizer-project/rconbridge/internal/util"
)

const requestTimeout = 5 * time.Second

// Bridge is the engine surface the console drives.
type Bridge interface {
	Status() engine.Status
	Send(command string) (protocol.Packet, error)
	ReceiveNext(timeout time.Duration) (protocol.Packet, error)
	ReceiveResponseTo(id int32, maxRetries int) (protocol.Packet, error)
	Request(ctx context.Context, command string, timeout time.Duration) (protocol.Packet, error)
	IsPlayerOnline(ctx context.Context, p game.Player) bool
	GetPlayerRef(ctx context.Context, idOrName string) (game.PlayerRef, error)
	ExecuteOnline(ctx context.Context, cmd string, p game.Player) (protocol.Packet, error)
}

// History reads the command journal.
type History interface {
	Recent(ctx context.Context, limit int, kind string) ([]db.Entry, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	bridge   Bridge
	history  History
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading from in and writing to out. history may
// be nil.
func NewCLI(bridge Bridge, history History, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		bridge:   bridge,
		history:  history,
		eventBus: eventBus,
		in:       in,
		out:      out,
	}
}

// Start runs the read-eval loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintf(c.out, "\n%s console ready. Type 'help' for available commands.\n", util.AppName)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, util.AppName+"> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.Execute(ctx, line); quit {
				return
			}
		}
	}
}

// Execute runs one console line. It reports whether the console should exit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "rcon":
		err = c.cmdRcon(ctx, args)
	case "send":
		err = c.cmdSend(args)
	case "response", "resp":
		err = c.cmdResponse(args)
	case "next":
		err = c.cmdNext(args)
	case "online":
		err = c.cmdOnline(ctx, args)
	case "ref":
		err = c.cmdRef(ctx, args)
	case "exec":
		err = c.cmdExec(ctx, args)
	case "history", "hist":
		err = c.cmdHistory(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	tw.AppendBulk([][]string{
		{"status", "Show connection status"},
		{"rcon <command>", "Send a command and print the reply"},
		{"send <command>", "Send a command and print its packet id"},
		{"response <id> [retries]", "Print the reply to a sent command"},
		{"next [ms]", "Print the next frame from the server"},
		{"online <id> [name]", "Check whether a player is online"},
		{"ref <id|name>", "Show how commands address a player"},
		{"exec <id> <command>", "Expand and send a command for an online player"},
		{"history [limit] [kind]", "Show the command journal"},
		{"quit", "Shut down"},
	})
	tw.Render()
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.bridge.Status()
	conn := st.Connection

	connected := "-"
	if !conn.ConnectedAt.IsZero() {
		connected = conn.ConnectedAt.Format(time.RFC3339)
	}

	tw := c.table([]string{"Field", "Value"})
	tw.AppendBulk([][]string{
		{"Game", fmt.Sprintf("%s (%s)", st.Game.Name, st.Game.Tag)},
		{"Session", st.Session},
		{"State", conn.State.String()},
		{"Address", conn.Address},
		{"Transport", conn.Transport},
		{"Polling", strconv.FormatBool(conn.Polling)},
		{"Dials", strconv.Itoa(int(conn.Dials))},
		{"Reconnects", strconv.Itoa(int(conn.Reconnects))},
		{"Pending", strconv.Itoa(conn.Pending)},
		{"Connected", connected},
		{"Last error", conn.LastError},
	})
	tw.Render()
}

func (c *CLI) cmdRcon(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: rcon <command>")
	}
	reply, err := c.bridge.Request(ctx, strings.Join(args, " "), requestTimeout)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, reply.Message)
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: send <command>")
	}
	sent, err := c.bridge.Send(strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent as packet %d\n", sent.ID)
	return nil
}

func (c *CLI) cmdResponse(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: response <id> [retries]")
	}
	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid packet id: %s", args[0])
	}
	retries := 10
	if len(args) > 1 {
		if retries, err = strconv.Atoi(args[1]); err != nil || retries < 1 {
			return fmt.Errorf("invalid retry count: %s", args[1])
		}
	}

	reply, err := c.bridge.ReceiveResponseTo(int32(id), retries)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, reply.Message)
	return nil
}

func (c *CLI) cmdNext(args []string) error {
	timeout := requestTimeout
	if len(args) > 0 {
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms < 1 {
			return fmt.Errorf("invalid timeout: %s", args[0])
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	p, err := c.bridge.ReceiveNext(timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "[%d] %s\n", p.ID, p.Message)
	return nil
}

func (c *CLI) cmdOnline(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: online <id> [name]")
	}
	p := game.Player{ID: args[0]}
	if len(args) > 1 {
		p.Name = strings.Join(args[1:], " ")
	}

	if c.bridge.IsPlayerOnline(ctx, p) {
		fmt.Fprintf(c.out, "%s is online\n", p.ID)
	} else {
		fmt.Fprintf(c.out, "%s is offline\n", p.ID)
	}
	return nil
}

func (c *CLI) cmdRef(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ref <id|name>")
	}
	ref, err := c.bridge.GetPlayerRef(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	slot := "-"
	if ref.Positional {
		slot = strconv.Itoa(ref.Slot)
	}
	tw := c.table([]string{"ID", "Slot", "Character", "Value"})
	tw.Append([]string{ref.ID, slot, ref.CharacterName, ref.String()})
	tw.Render()
	return nil
}

func (c *CLI) cmdExec(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: exec <id> <command>")
	}
	sent, err := c.bridge.ExecuteOnline(ctx, strings.Join(args[1:], " "), game.Player{ID: args[0]})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent %q as packet %d\n", sent.Message, sent.ID)
	return nil
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return errors.New("journal is disabled")
	}

	limit := 20
	kind := ""
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid limit: %s", args[0])
		}
		limit = n
	}
	if len(args) > 1 {
		kind = strings.ToLower(args[1])
	}

	entries, err := c.history.Recent(ctx, limit, kind)
	if err != nil {
		return err
	}

	tw := c.table([]string{"Time", "Kind", "ID", "Message"})
	for _, e := range entries {
		tw.Append([]string{
			e.At.Format("15:04:05"),
			e.Kind,
			strconv.Itoa(int(e.PacketID)),
			truncate(e.Message, 80),
		})
	}
	tw.Render()
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
