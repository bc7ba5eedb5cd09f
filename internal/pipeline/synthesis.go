package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-edge/internal/buffer"
	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/tts"
)

func (c *Controller) runSynthesis(ctx context.Context) error {
	log := c.log.With(slog.String("worker", "synthesis"))
	idle := config.Millis(c.cfg.Synthesis.IdlePollMS)

	for ctx.Err() == nil {
		text, epoch, ok := c.session.nextSentence()
		if !ok {
			if !buffer.Wait(ctx, c.session.Speech.Ready(), idle) {
				return nil
			}
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		c.synMu.Lock()
		samples, err := c.synthesize(ctx, c.syn, text)
		c.synMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("synthesis failed, skipping sentence", slog.Int("bytes", len(text)), slogError(err))
			c.inst.synthesisFailure(ctx)
			c.publish(Event{Type: EventSynthesisFailed, Text: text, Reason: err.Error()})
			continue
		}
		if !c.session.appendPCM(epoch, tts.ToPCM16(samples)) {
			log.Debug("dropped audio for cancelled sentence", slog.Int("samples", len(samples)))
		}
	}
	return nil
}

// synthesize calls the engine, converting a panic into an error.
func (c *Controller) synthesize(ctx context.Context, engine tts.Engine, text string) (samples []float32, err error) {
	if engine == nil {
		return nil, ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			samples, err = nil, fmt.Errorf("synthesis panicked: %v", r)
		}
	}()
	return engine.Synthesize(ctx, text, c.cfg.Synthesis.VoiceID, c.cfg.Synthesis.Speed)
}
