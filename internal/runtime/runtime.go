package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-edge/internal/bridge"
	"github.com/loqalabs/loqa-edge/internal/bus"
	"github.com/loqalabs/loqa-edge/internal/capability"
	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/eventstore"
	"github.com/loqalabs/loqa-edge/internal/httpapi"
	"github.com/loqalabs/loqa-edge/internal/natsserver"
	"github.com/loqalabs/loqa-edge/internal/pipeline"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	// Filled in by Serve and released in reverse order on shutdown.
	telemetry  *telemetry
	controller *pipeline.Controller
	store      *eventstore.Store
	journal    *eventstore.Journal
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	bridge     *bridge.Service
	registry   *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start listens on the configured HTTP address and serves until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve wires every component, serves HTTP on ln and tears everything down
// once ctx is done.
func (r *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	if err := r.build(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	r.autoload()

	api := httpapi.New(r.cfg, r.controller, httpapi.Options{
		Journal: r.journalReader(),
		Metrics: r.telemetry.metrics,
		Ready:   r.ready.Load,
		Logger:  r.logger,
	})
	server := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			runErr = err
		}
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	for range serveErr {
	}
	return runErr
}

func (r *Runtime) build(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	r.controller = pipeline.New(ctx, r.cfg, pipeline.Options{Logger: r.logger})

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.journal = eventstore.NewJournal(store, r.cfg.EventStore.QueueSize, r.logger)
	r.controller.AddObserver(r.journal)

	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	r.bridge = bridge.NewService(ctx, r.cfg, client, r.controller, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	r.controller.AddObserver(r.bridge)

	registry, err := capability.NewRegistry(ctx, r.cfg, client, r.controller.Stages, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

// autoload loads every stage configured with autoload and a model path. A
// failure is logged and leaves the stage unloaded.
func (r *Runtime) autoload() {
	stages := []struct {
		name    string
		enabled bool
		path    string
		load    func(string) bool
	}{
		{"recognition", r.cfg.Recognition.Autoload, r.cfg.Recognition.ModelPath, r.controller.InitRecognition},
		{"synthesis", r.cfg.Synthesis.Autoload, r.cfg.Synthesis.ModelPath, r.controller.InitSynthesis},
		{"generation", r.cfg.Generation.Autoload, r.cfg.Generation.ModelPath, r.controller.LoadGenerationModel},
	}
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		if !s.load(s.path) {
			r.logger.Warn("autoload failed", slog.String("stage", s.name), slog.String("path", s.path))
		}
	}
}

func (r *Runtime) journalReader() httpapi.Journal {
	if r.cfg.EventStore.RetentionMode == "ephemeral" {
		return nil
	}
	return r.store
}

func (r *Runtime) shutdown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.controller != nil {
		if err := r.controller.Close(); err != nil {
			r.logger.Error("pipeline shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.journal != nil {
		r.journal.Close()
		if dropped := r.journal.Dropped(); dropped > 0 {
			r.logger.Warn("journal dropped events", slog.Int("dropped", dropped))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
