package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/pipeline"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{Type: "noop"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
}

func TestTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.StartTurn(ctx, "turn-1", "Hi", time.Time{}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{TurnID: "turn-1", Type: "sentence.queued", Kind: "boundary", Text: "Hello."}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.FinishTurn(ctx, "turn-1", "completed", 4, time.Time{}); err != nil {
		t.Fatalf("finish turn: %v", err)
	}

	events, err := es.ListTurnEvents(ctx, "turn-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Text != "Hello." || events[0].Kind != "boundary" {
		t.Fatalf("unexpected events: %+v", events)
	}
	turns, err := es.RecentTurns(ctx, 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Outcome != "completed" || turns[0].Tokens != 4 || turns[0].FinishedAt.IsZero() {
		t.Fatalf("unexpected turns: %+v", turns)
	}
}

func TestPruneByDaysAndTurns(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxTurns: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartTurn(ctx, "old-turn", "old", time.Time{}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{TurnID: "old-turn", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-turn", "new-turn"} {
		if err := es.StartTurn(ctx, id, id, time.Time{}); err != nil {
			t.Fatalf("start turn: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	}
	if err := es.AppendEvent(ctx, Event{TurnID: "mid-turn", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if events, _ := es.ListTurnEvents(ctx, "old-turn", 10); len(events) != 0 {
		t.Fatal("expected old turn events pruned by age")
	}
	if events, _ := es.ListTurnEvents(ctx, "mid-turn", 10); len(events) != 0 {
		t.Fatal("expected events of turns beyond max_turns pruned")
	}
	turns, err := es.RecentTurns(ctx, 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != "new-turn" {
		t.Fatalf("expected only the newest turn to survive, got %+v", turns)
	}
}

func TestJournalRecordsPipelineEvents(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, 16, newLogger())

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j.Observe(pipeline.Event{Type: pipeline.EventTurnStarted, TurnID: "t1", Text: "Hi", At: at})
	j.Observe(pipeline.Event{Type: pipeline.EventSentenceQueued, TurnID: "t1", Text: "Hello.", Kind: pipeline.KindBoundary, At: at.Add(time.Millisecond)})
	j.Observe(pipeline.Event{Type: pipeline.EventTurnFinished, TurnID: "t1", Reason: pipeline.OutcomeCompleted, Tokens: 2, At: at.Add(2 * time.Millisecond)})
	j.Close()

	events, err := es.ListTurnEvents(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 journaled events, got %d", len(events))
	}
	if events[2].Type != string(pipeline.EventTurnFinished) || events[2].Kind != pipeline.OutcomeCompleted {
		t.Fatalf("unexpected final event %+v", events[2])
	}
	turns, err := es.RecentTurns(ctx, 1)
	if err != nil || len(turns) != 1 || turns[0].Prompt != "Hi" || turns[0].Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("unexpected turns %+v err %v", turns, err)
	}
	if j.Dropped() != 0 {
		t.Fatalf("expected no dropped events, got %d", j.Dropped())
	}
}

func TestJournalDropsEventsAfterClose(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, 16, newLogger())
	j.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Observe(pipeline.Event{Type: pipeline.EventTurnStarted, TurnID: "late", Text: "Hi"})
		}()
	}
	wg.Wait()
	j.Close()

	if got := j.Dropped(); got != 8 {
		t.Fatalf("dropped = %d, want 8", got)
	}
	turns, err := es.RecentTurns(context.Background(), 10)
	if err != nil || len(turns) != 0 {
		t.Fatalf("expected nothing journaled after close, got %+v err %v", turns, err)
	}
}
