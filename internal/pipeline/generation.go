package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-edge/internal/buffer"
	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/llm"
	"github.com/loqalabs/loqa-edge/internal/segment"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (c *Controller) runGeneration(ctx context.Context) error {
	log := c.log.With(slog.String("worker", "generation"))
	idle := config.Millis(c.cfg.Generation.IdlePollMS)
	reportedUnavailable := false

	for ctx.Err() == nil {
		c.genMu.Lock()
		engine := c.gen
		if engine == nil {
			c.genMu.Unlock()
			if !reportedUnavailable {
				log.Warn("no generation engine loaded", slogError(ErrUnavailable))
				reportedUnavailable = true
			}
			if !buffer.Wait(ctx, nil, idle) {
				return nil
			}
			continue
		}
		reportedUnavailable = false

		prompt, epoch, ok := c.session.beginTurn()
		if !ok {
			c.genMu.Unlock()
			if !buffer.Wait(ctx, c.session.Mailbox.Ready(), idle) {
				return nil
			}
			continue
		}
		c.runTurn(ctx, log, engine, prompt, epoch)
		c.genMu.Unlock()
	}
	return nil
}

func (c *Controller) runTurn(ctx context.Context, log *slog.Logger, engine llm.Engine, prompt string, epoch uint64) {
	turnID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "generation.turn", trace.WithAttributes(attribute.String("turn.id", turnID)))
	defer span.End()

	log = log.With(slog.String("turn_id", turnID))
	log.Info("turn started", slog.Int("prompt_bytes", len(prompt)))
	c.publish(Event{Type: EventTurnStarted, TurnID: turnID, Text: prompt})

	tokens, outcome, err := c.decodeTurn(ctx, log, engine, turnID, prompt, epoch)
	if outcome != OutcomeCompleted {
		if a, ok := engine.(llm.Aborter); ok {
			a.Abort()
		}
	}

	span.SetAttributes(attribute.Int("turn.tokens", tokens), attribute.String("turn.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("turn aborted", slog.Int("tokens", tokens), slogError(err))
	} else {
		log.Info("turn finished", slog.Int("tokens", tokens), slog.String("outcome", outcome))
	}
	c.inst.turn(ctx, outcome)
	finished := Event{Type: EventTurnFinished, TurnID: turnID, Reason: outcome, Tokens: tokens}
	if err != nil {
		finished.Text = err.Error()
	}
	c.publish(finished)
}

// decodeTurn runs greedy decoding until end of generation, the token cap, or
// the turn is superseded. It returns the number of tokens emitted.
func (c *Controller) decodeTurn(ctx context.Context, log *slog.Logger, engine llm.Engine, turnID, prompt string, epoch uint64) (int, string, error) {
	rendered := llm.RenderPrompt(c.cfg.Generation.PromptTemplate, prompt)
	tokens, err := engine.Tokenize(rendered)
	if err != nil {
		return 0, OutcomeFailed, fmt.Errorf("%w: tokenize: %w", ErrDecodeFailed, err)
	}
	logits, err := engine.Prefill(ctx, tokens)
	if err != nil {
		if ctx.Err() != nil {
			return 0, OutcomeCancelled, nil
		}
		return 0, OutcomeFailed, fmt.Errorf("%w: prefill: %w", ErrDecodeFailed, err)
	}

	maxTokens := c.cfg.Generation.MaxTokens
	for n := 0; ; n++ {
		if ctx.Err() != nil || c.session.Epoch() != epoch {
			return n, OutcomeCancelled, nil
		}
		if n >= maxTokens {
			c.finishTurn(ctx, turnID, epoch)
			return n, OutcomeTruncated, nil
		}
		tok, err := llm.Greedy(logits)
		if err != nil {
			c.session.abort(epoch)
			return n, OutcomeFailed, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		}
		if engine.IsEndOfGeneration(tok) {
			c.finishTurn(ctx, turnID, epoch)
			return n, OutcomeCompleted, nil
		}

		units, ok := c.session.emit(epoch, engine.TokenToText(tok))
		if !ok {
			return n, OutcomeCancelled, nil
		}
		c.queued(ctx, log, turnID, units)

		logits, err = engine.DecodeStep(ctx, tok)
		if err != nil {
			c.session.abort(epoch)
			if ctx.Err() != nil {
				return n + 1, OutcomeCancelled, nil
			}
			return n + 1, OutcomeFailed, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		}
	}
}

func (c *Controller) finishTurn(ctx context.Context, turnID string, epoch uint64) {
	rest, ok := c.session.finish(epoch)
	if !ok {
		return
	}
	c.inst.sentence(ctx, KindFinal)
	c.publish(Event{Type: EventSentenceQueued, TurnID: turnID, Text: rest, Kind: KindFinal})
}

func (c *Controller) queued(ctx context.Context, log *slog.Logger, turnID string, units []segment.Unit) {
	for _, u := range units {
		kind := KindBoundary
		if u.Forced {
			kind = KindForced
			log.Debug("forced sentence split", slog.Int("bytes", len(u.Text)))
		}
		c.inst.sentence(ctx, kind)
		c.publish(Event{Type: EventSentenceQueued, TurnID: turnID, Text: u.Text, Kind: kind})
	}
}
