package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-edge/pipeline"

type instruments struct {
	turns            metric.Int64Counter
	sentences        metric.Int64Counter
	cancellations    metric.Int64Counter
	synthesisFailed  metric.Int64Counter
	recognitionCycle metric.Float64Histogram
	registration     metric.Registration
}

func newInstruments(meter metric.Meter, session *Session, log *slog.Logger) *instruments {
	inst := &instruments{}
	var err error
	warn := func(name string, err error) {
		log.Warn("failed to create instrument", slog.String("instrument", name), slogError(err))
	}
	if inst.turns, err = meter.Int64Counter("loqa.edge.turns", metric.WithDescription("Generation turns by outcome")); err != nil {
		warn("turns", err)
	}
	if inst.sentences, err = meter.Int64Counter("loqa.edge.sentences", metric.WithDescription("Sentences queued for synthesis by kind")); err != nil {
		warn("sentences", err)
	}
	if inst.cancellations, err = meter.Int64Counter("loqa.edge.cancellations", metric.WithDescription("Cancel and barge-in operations")); err != nil {
		warn("cancellations", err)
	}
	if inst.synthesisFailed, err = meter.Int64Counter("loqa.edge.synthesis.failures", metric.WithDescription("Sentences skipped after a synthesis error")); err != nil {
		warn("synthesis.failures", err)
	}
	if inst.recognitionCycle, err = meter.Float64Histogram("loqa.edge.recognition.cycle", metric.WithUnit("ms"), metric.WithDescription("Recognition fetch-decode cycle latency")); err != nil {
		warn("recognition.cycle", err)
	}

	backlog, err := meter.Int64ObservableGauge("loqa.edge.recognition.backlog", metric.WithUnit("{sample}"), metric.WithDescription("Audio samples waiting for recognition"))
	if err != nil {
		warn("recognition.backlog", err)
		return inst
	}
	pcm, err := meter.Int64ObservableGauge("loqa.edge.synthesis.buffered", metric.WithUnit("{sample}"), metric.WithDescription("Synthesised samples not yet polled"))
	if err != nil {
		warn("synthesis.buffered", err)
		return inst
	}
	inst.registration, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(backlog, int64(session.Ingest.Len()))
		obs.ObserveInt64(pcm, int64(session.PCM.Len()))
		return nil
	}, backlog, pcm)
	if err != nil {
		warn("callback", err)
	}
	return inst
}

func (i *instruments) turn(ctx context.Context, outcome string) {
	if i.turns != nil {
		i.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (i *instruments) sentence(ctx context.Context, kind string) {
	if i.sentences != nil {
		i.sentences.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (i *instruments) cancelled(ctx context.Context) {
	if i.cancellations != nil {
		i.cancellations.Add(ctx, 1)
	}
}

func (i *instruments) synthesisFailure(ctx context.Context) {
	if i.synthesisFailed != nil {
		i.synthesisFailed.Add(ctx, 1)
	}
}

func (i *instruments) cycle(ctx context.Context, ms float64) {
	if i.recognitionCycle != nil {
		i.recognitionCycle.Record(ctx, ms)
	}
}

func (i *instruments) close() {
	if i.registration != nil {
		_ = i.registration.Unregister()
	}
}
