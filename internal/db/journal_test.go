package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/rconbridge/internal/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), "session-1")
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for _, e := range []Entry{
		{Kind: KindCommand, PacketID: 1, Message: "status"},
		{Kind: KindResponse, PacketID: 1, Message: "online: 3"},
		{Kind: KindOutput, Message: "chat: hi"},
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := j.Recent(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Kind != KindOutput || all[2].Message != "status" {
		t.Fatalf("recent = %+v", all)
	}
	if all[0].Session != "session-1" {
		t.Fatalf("session = %q", all[0].Session)
	}

	responses, err := j.Recent(ctx, 10, KindResponse)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0].PacketID != 1 {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestJournalPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, Entry{Kind: KindCommand, Message: "old", At: time.Now().Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, Entry{Kind: KindCommand, Message: "new"}); err != nil {
		t.Fatal(err)
	}

	n, err := j.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	left, _ := j.Recent(ctx, 10, "")
	if len(left) != 1 || left[0].Message != "new" {
		t.Fatalf("left = %+v", left)
	}
}

func TestJournalRecordsBusEvents(t *testing.T) {
	j := openTestJournal(t)
	bus := events.NewEventBus()
	j.Subscribe(bus)

	ctx := context.Background()
	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventCommandSent,
		Payload: events.CommandPayload{ID: 4, Command: "save"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventConnectionState,
		Payload: events.StatePayload{Previous: "ready", Current: "reconnecting", Reason: "EOF"},
	}); err != nil {
		t.Fatal(err)
	}
	bus.Stop()

	entries, err := j.Recent(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Kind != KindState || entries[0].Message != "ready -> reconnecting: EOF" {
		t.Errorf("state entry = %+v", entries[0])
	}
	if entries[1].Kind != KindCommand || entries[1].PacketID != 4 {
		t.Errorf("command entry = %+v", entries[1])
	}
}
