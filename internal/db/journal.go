package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/events"
)

// Journal entry kinds.
const (
	KindCommand  = "command"
	KindResponse = "response"
	KindOutput   = "output"
	KindState    = "state"
	KindJoin     = "join"
)

// Entry is one journal row.
type Entry struct {
	ID       int64     `json:"id"`
	Session  string    `json:"session"`
	Kind     string    `json:"kind"`
	PacketID int32     `json:"packet_id"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Journal records sent commands, their replies, server output and state
// changes for one bridge session.
type Journal struct {
	db      *Database
	session string
}

// OpenJournal opens the journal database and migrates its schema.
func OpenJournal(path, session string) (*Journal, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database, session: session}
	if err := j.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			kind TEXT NOT NULL,
			packet_id INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_journal_at ON journal(at);
		CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind);
	`
	_, err := j.db.ExecContext(context.Background(), schema)
	return err
}

// Session returns the session id entries are recorded under.
func (j *Journal) Session() string {
	return j.session
}

// Record appends an entry. A zero At is set to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Session == "" {
		e.Session = j.session
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal (session, kind, packet_id, message, at) VALUES (?, ?, ?, ?, ?)`,
		e.Session, e.Kind, e.PacketID, e.Message, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty kind matches
// every kind.
func (j *Journal) Recent(ctx context.Context, limit int, kind string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, session, kind, packet_id, message, at FROM journal ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = j.db.QueryContext(ctx,
			`SELECT id, session, kind, packet_id, message, at FROM journal WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Kind, &e.PacketID, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than maxAge and returns how many went.
func (j *Journal) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Info().Int64("removed", n).Dur("max_age", maxAge).Msg("journal pruned")
	return n, nil
}

// Subscribe records the bus events the journal cares about.
func (j *Journal) Subscribe(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventCommandSent,
		events.EventCommandResponse,
		events.EventServerOutput,
		events.EventConnectionState,
		events.EventPlayerJoined,
	} {
		bus.Subscribe(t, "journal", j.HandleEvent)
	}
}

// HandleEvent converts a bus event into a journal entry.
func (j *Journal) HandleEvent(ctx context.Context, ev events.Event) error {
	var e Entry
	switch p := ev.Payload.(type) {
	case events.CommandPayload:
		e = Entry{PacketID: p.ID, At: p.At}
		if ev.Type == events.EventCommandResponse {
			e.Kind, e.Message = KindResponse, p.Response
		} else {
			e.Kind, e.Message = KindCommand, p.Command
		}
	case events.OutputPayload:
		e = Entry{Kind: KindOutput, PacketID: p.ID, Message: p.Message, At: p.At}
	case events.StatePayload:
		msg := p.Previous + " -> " + p.Current
		if p.Reason != "" {
			msg += ": " + p.Reason
		}
		e = Entry{Kind: KindState, Message: msg, At: p.At}
	case events.PlayerJoinedPayload:
		e = Entry{Kind: KindJoin, PacketID: int32(p.Slot), Message: p.PlatformID + " " + p.CharacterName}
	default:
		return nil
	}
	return j.Record(ctx, e)
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
