package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-edge/internal/buffer"
	"github.com/loqalabs/loqa-edge/internal/config"
)

// BatchSize picks how many samples a recognition cycle takes: the catch-up
// batch once the backlog passes the high-water mark, the normal batch
// otherwise, never more than the backlog.
func BatchSize(backlog, highWater, batch, catchup int) int {
	n := batch
	if backlog > highWater {
		n = catchup
	}
	if n > backlog {
		n = backlog
	}
	return n
}

func (c *Controller) runRecognition(ctx context.Context) error {
	log := c.log.With(slog.String("worker", "recognition"))
	rc := c.cfg.Recognition
	batch := config.SamplesFor(rc.BatchMS, rc.SampleRate)
	catchup := config.SamplesFor(rc.CatchupBatchMS, rc.SampleRate)
	highWater := config.SamplesFor(rc.HighWaterMS, rc.SampleRate)
	slow := config.Millis(rc.SlowCycleMS)
	idle := config.Millis(rc.IdlePollMS)

	for ctx.Err() == nil {
		start := time.Now()
		fetched, backlog, transcript, err := c.recognitionCycle(ctx, func(backlog int) int {
			return BatchSize(backlog, highWater, batch, catchup)
		})
		if fetched == 0 {
			if !buffer.Wait(ctx, c.session.Ingest.Ready(), idle) {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("recognition cycle failed", slog.Int("samples", fetched), slogError(err))
			continue
		}
		if transcript != "" {
			c.publish(Event{Type: EventTranscript, Text: transcript})
		}
		elapsed := time.Since(start)
		c.inst.cycle(ctx, float64(elapsed.Microseconds())/1000)
		if slow > 0 && elapsed > slow {
			log.Info("slow recognition cycle",
				slog.Duration("elapsed", elapsed),
				slog.Int("samples", fetched),
				slog.Int("backlog", backlog))
		}
	}
	return nil
}

// recognitionCycle fetches one batch and feeds it through the engine while
// holding the engine lock, so ResetRecognition only lands between cycles.
// A non-empty transcript is returned only when it changed.
func (c *Controller) recognitionCycle(ctx context.Context, size func(int) int) (fetched, backlog int, transcript string, err error) {
	c.recMu.Lock()
	defer c.recMu.Unlock()

	samples, backlog := c.session.Ingest.PopSized(size)
	fetched = len(samples)
	if fetched == 0 {
		return 0, backlog, "", nil
	}
	if c.rec == nil {
		return fetched, backlog, "", ErrUnavailable
	}
	if err := c.rec.AcceptAudio(samples, c.cfg.Recognition.SampleRate); err != nil {
		return fetched, backlog, "", fmt.Errorf("%w: accept audio: %w", ErrDecodeFailed, err)
	}
	for c.rec.HasReadyOutput() {
		if err := c.rec.DecodeStep(ctx); err != nil {
			return fetched, backlog, "", fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		}
	}
	if text := c.rec.ReadResult(); text != "" && c.session.Transcript.Swap(text) {
		transcript = text
	}
	return fetched, backlog, transcript, nil
}
