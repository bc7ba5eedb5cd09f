// Package pipeline runs the generation, recognition and synthesis stages of
// the edge voice loop and exposes the host operations that drive them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/llm"
	"github.com/loqalabs/loqa-edge/internal/stt"
	"github.com/loqalabs/loqa-edge/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Loaders construct stage engines from a model path.
type Loaders struct {
	Generation  func(ctx context.Context, path string) (llm.Engine, error)
	Recognition func(path string) (stt.Engine, error)
	Synthesis   func(path string) (tts.Engine, error)
}

// DefaultLoaders selects backends by each stage's configured mode.
func DefaultLoaders(cfg config.Config) Loaders {
	return Loaders{
		Generation: func(ctx context.Context, path string) (llm.Engine, error) {
			return llm.Open(ctx, cfg.Generation, path)
		},
		Recognition: func(path string) (stt.Engine, error) {
			return stt.Open(cfg.Recognition, path)
		},
		Synthesis: func(path string) (tts.Engine, error) {
			return tts.Open(cfg.Synthesis, path)
		},
	}
}

type Options struct {
	Logger  *slog.Logger
	Loaders *Loaders
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// Stages reports which engines are loaded.
type Stages struct {
	Generation  bool `json:"generation"`
	Recognition bool `json:"recognition"`
	Synthesis   bool `json:"synthesis"`
}

// Controller owns the session, the engines and the worker goroutines.
type Controller struct {
	cfg     config.Config
	log     *slog.Logger
	loaders Loaders
	session *Session
	inst    *instruments
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool

	// Engine locks are held by workers for a whole turn or cycle; the loaded
	// flags let Stages answer without waiting on them.
	genMu     sync.Mutex
	gen       llm.Engine
	recMu     sync.Mutex
	rec       stt.Engine
	synMu     sync.Mutex
	syn       tts.Engine
	genLoaded atomic.Bool
	recLoaded atomic.Bool
	synLoaded atomic.Bool

	// loadMu serialises loads so two callers never build the same engine twice.
	loadMu  sync.Mutex
	genOnce sync.Once
	recOnce sync.Once
	synOnce sync.Once

	obsMu     sync.RWMutex
	observers []Observer
}

func New(parent context.Context, cfg config.Config, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	loaders := DefaultLoaders(cfg)
	if opts.Loaders != nil {
		loaders = *opts.Loaders
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	session := newSession(cfg.Generation.ForcedSplitBytes)
	log = log.With(slog.String("component", "pipeline"))
	return &Controller{
		cfg:     cfg,
		log:     log,
		loaders: loaders,
		session: session,
		inst:    newInstruments(meter, session, log),
		tracer:  tracer,
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
	}
}

// Session exposes the shared buffers.
func (c *Controller) Session() *Session { return c.session }

// AddObserver registers o for every subsequent event.
func (c *Controller) AddObserver(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

func (c *Controller) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.Observe(e)
	}
}

// LoadGenerationModel loads a generation engine, replacing any previous one.
// The old engine is closed once the worker has released it.
func (c *Controller) LoadGenerationModel(path string) bool {
	if c.closed.Load() {
		return false
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	engine, err := c.safeLoad("generation", func() (any, error) {
		return c.loaders.Generation(c.ctx, path)
	})
	if err != nil {
		c.log.Error("failed to load generation model", slog.String("path", path), slogError(err))
		return false
	}

	c.genMu.Lock()
	old := c.gen
	c.gen = engine.(llm.Engine)
	c.genMu.Unlock()
	c.genLoaded.Store(true)
	if old != nil {
		if err := old.Close(); err != nil {
			c.log.Warn("failed to close previous generation engine", slogError(err))
		}
	}
	c.log.Info("generation model loaded", slog.String("path", path))
	c.start(&c.genOnce, "generation", c.runGeneration)
	return true
}

// InitSynthesis loads the synthesis engine. Later calls succeed without
// reloading.
func (c *Controller) InitSynthesis(path string) bool {
	if c.closed.Load() {
		return false
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.synLoaded.Load() {
		return true
	}
	engine, err := c.safeLoad("synthesis", func() (any, error) {
		return c.loaders.Synthesis(path)
	})
	if err != nil {
		c.log.Error("failed to load synthesis model", slog.String("path", path), slogError(err))
		return false
	}
	c.synMu.Lock()
	c.syn = engine.(tts.Engine)
	c.synMu.Unlock()
	c.synLoaded.Store(true)
	c.log.Info("synthesis model loaded", slog.String("path", path))
	c.start(&c.synOnce, "synthesis", c.runSynthesis)
	return true
}

// InitRecognition loads the recognition engine. Later calls succeed without
// reloading.
func (c *Controller) InitRecognition(path string) bool {
	if c.closed.Load() {
		return false
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.recLoaded.Load() {
		return true
	}
	engine, err := c.safeLoad("recognition", func() (any, error) {
		return c.loaders.Recognition(path)
	})
	if err != nil {
		c.log.Error("failed to load recognition model", slog.String("path", path), slogError(err))
		return false
	}
	c.recMu.Lock()
	c.rec = engine.(stt.Engine)
	c.recMu.Unlock()
	c.recLoaded.Store(true)
	c.log.Info("recognition model loaded", slog.String("path", path))
	c.start(&c.recOnce, "recognition", c.runRecognition)
	return true
}

// safeLoad runs a loader, turning panics and nil engines into errors.
func (c *Controller) safeLoad(stage string, load func() (any, error)) (engine any, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine, err = nil, fmt.Errorf("%s loader panicked: %v", stage, r)
		}
	}()
	engine, err = load()
	if err == nil && engine == nil {
		err = fmt.Errorf("%s loader returned no engine", stage)
	}
	return engine, err
}

func (c *Controller) start(once *sync.Once, name string, run func(context.Context) error) {
	once.Do(func() {
		c.log.Info("starting worker", slog.String("worker", name))
		c.group.Go(func() error {
			defer c.log.Info("worker stopped", slog.String("worker", name))
			return run(c.ctx)
		})
	})
}

// SubmitPrompt barges in on any turn in flight and installs text as the next
// prompt.
func (c *Controller) SubmitPrompt(text string) string {
	c.session.Submit(text)
	c.inst.cancelled(context.Background())
	c.publish(Event{Type: EventCancelled, Reason: "prompt"})
	return "OK"
}

// PollGeneratedText drains the text generated since the previous poll.
func (c *Controller) PollGeneratedText() string {
	return c.session.Display.Drain()
}

// PollSynthesizedAudio pops up to one chunk of PCM16 LE audio, or nil.
func (c *Controller) PollSynthesizedAudio() []byte {
	samples := c.session.PCM.PopN(c.cfg.Synthesis.PopChunkSamples)
	if len(samples) == 0 {
		return nil
	}
	return tts.EncodePCM16(samples)
}

// Cancel discards every pending prompt, sentence and sample of output.
func (c *Controller) Cancel() {
	c.session.Cancel()
	c.inst.cancelled(context.Background())
	c.publish(Event{Type: EventCancelled, Reason: "stop"})
}

// StopSpeaking is the host-facing barge-in.
func (c *Controller) StopSpeaking() { c.Cancel() }

// Speak queues text for synthesis outside of any generation turn.
func (c *Controller) Speak(text string) {
	c.session.speak(text)
	c.inst.sentence(context.Background(), KindHost)
	c.publish(Event{Type: EventSentenceQueued, Text: text, Kind: KindHost})
}

// PushAudio queues little-endian PCM16 audio for recognition. A trailing odd
// byte is ignored.
func (c *Controller) PushAudio(pcm []byte) {
	samples := stt.DecodePCM16(pcm)
	if len(samples) == 0 {
		return
	}
	c.session.Ingest.Push(samples...)
}

// PollTranscript returns the latest transcript without consuming it.
func (c *Controller) PollTranscript() string {
	text, _ := c.session.Transcript.Peek()
	return text
}

// PollIngestBacklog reports how many samples await recognition.
func (c *Controller) PollIngestBacklog() int {
	return c.session.Ingest.Len()
}

// ResetRecognition drops queued audio and the transcript and restarts the
// engine stream. It waits for any recognition cycle in progress.
func (c *Controller) ResetRecognition() {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	c.session.Ingest.Clear()
	c.session.Transcript.Clear()
	if c.rec != nil {
		if err := c.rec.ResetStream(); err != nil {
			c.log.Warn("failed to reset recognition stream", slogError(err))
		}
	}
}

// Stages reports which engines are loaded.
func (c *Controller) Stages() Stages {
	return Stages{
		Generation:  c.genLoaded.Load(),
		Recognition: c.recLoaded.Load(),
		Synthesis:   c.synLoaded.Load(),
	}
}

// Close stops the workers, waits for them and frees every engine.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	err := c.group.Wait()
	c.genLoaded.Store(false)
	c.recLoaded.Store(false)
	c.synLoaded.Store(false)

	c.genMu.Lock()
	if c.gen != nil {
		_ = c.gen.Close()
		c.gen = nil
	}
	c.genMu.Unlock()
	c.recMu.Lock()
	if c.rec != nil {
		_ = c.rec.Close()
		c.rec = nil
	}
	c.recMu.Unlock()
	c.synMu.Lock()
	if c.syn != nil {
		_ = c.syn.Close()
		c.syn = nil
	}
	c.synMu.Unlock()
	c.inst.close()
	return err
}
