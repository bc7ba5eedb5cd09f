package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-edge/internal/pipeline"
)

// Journal records pipeline events on a background goroutine. Observe never
// blocks; events arriving while the queue is full or after Close are dropped
// and counted.
type Journal struct {
	store   *Store
	log     *slog.Logger
	queue   chan pipeline.Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewJournal(store *Store, queueSize int, log *slog.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = 256
	}
	j := &Journal{
		store: store,
		log:   log.With(slog.String("component", "journal")),
		queue: make(chan pipeline.Event, queueSize),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) Observe(e pipeline.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.dropped++
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped++
	}
}

// Dropped reports how many events were not journaled.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close stops accepting events and waits for the queue to drain.
func (j *Journal) Close() {
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
		<-j.done
	})
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.record(ctx, e); err != nil {
			j.log.Warn("failed to journal event", slog.String("type", string(e.Type)), slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (j *Journal) record(ctx context.Context, e pipeline.Event) error {
	switch e.Type {
	case pipeline.EventTurnStarted:
		if err := j.store.StartTurn(ctx, e.TurnID, e.Text, e.At); err != nil {
			return err
		}
	case pipeline.EventTurnFinished:
		if err := j.store.FinishTurn(ctx, e.TurnID, e.Reason, e.Tokens, e.At); err != nil {
			return err
		}
	}
	kind := e.Kind
	if kind == "" {
		kind = e.Reason
	}
	return j.store.AppendEvent(ctx, Event{
		TurnID:    e.TurnID,
		Type:      string(e.Type),
		Kind:      kind,
		Text:      e.Text,
		CreatedAt: e.At,
	})
}
