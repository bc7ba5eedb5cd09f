// Package httpapi exposes the pipeline host operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/eventstore"
	"github.com/loqalabs/loqa-edge/internal/pipeline"
)

const maxAudioBody = 4 << 20

// Host is the set of pipeline operations the HTTP surface drives.
type Host interface {
	LoadGenerationModel(path string) bool
	InitSynthesis(path string) bool
	InitRecognition(path string) bool
	SubmitPrompt(text string) string
	PollGeneratedText() string
	PollSynthesizedAudio() []byte
	Cancel()
	StopSpeaking()
	Speak(text string)
	PushAudio(pcm []byte)
	PollTranscript() string
	PollIngestBacklog() int
	ResetRecognition()
	Stages() pipeline.Stages
}

// Journal reads back the diagnostic turn timeline.
type Journal interface {
	RecentTurns(ctx context.Context, limit int) ([]eventstore.Turn, error)
	ListTurnEvents(ctx context.Context, turnID string, limit int) ([]eventstore.Event, error)
}

type Server struct {
	cfg     config.Config
	host    Host
	journal Journal
	metrics http.Handler
	ready   func() bool
	log     *slog.Logger
}

type Options struct {
	// Journal is optional; the turn routes answer 404 without it.
	Journal Journal
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ready reports readiness; nil means always ready.
	Ready  func() bool
	Logger *slog.Logger
}

func New(cfg config.Config, host Host, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		host:    host,
		journal: opts.Journal,
		metrics: opts.Metrics,
		ready:   opts.Ready,
		log:     log.With(slog.String("component", "httpapi")),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/v1/stages", s.handleStages)
	r.Post("/v1/cancel", s.handleCancel)

	r.Post("/v1/generation/load", s.handleLoadGeneration)
	r.Post("/v1/prompt", s.handlePrompt)
	r.Get("/v1/generation/text", s.handleGeneratedText)

	r.Post("/v1/synthesis/load", s.handleLoadSynthesis)
	r.Get("/v1/synthesis/audio", s.handleSynthesizedAudio)
	r.Post("/v1/synthesis/stop", s.handleStopSpeaking)
	r.Post("/v1/synthesis/speak", s.handleSpeak)

	r.Post("/v1/recognition/load", s.handleLoadRecognition)
	r.Post("/v1/recognition/audio", s.handlePushAudio)
	r.Get("/v1/recognition/transcript", s.handleTranscript)
	r.Post("/v1/recognition/reset", s.handleResetRecognition)
	r.Get("/v1/recognition/backlog", s.handleBacklog)

	r.Get("/v1/turns", s.handleListTurns)
	r.Get("/v1/turns/{id}/events", s.handleTurnEvents)
	return r
}

type loadRequest struct {
	ModelPath string `json:"model_path"`
}

type loadResponse struct {
	Loaded    bool   `json:"loaded"`
	ModelPath string `json:"model_path"`
}

type textRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "stages": s.host.Stages()})
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.host.Stages())
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.host.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadGeneration(w http.ResponseWriter, r *http.Request) {
	s.load(w, r, s.cfg.Generation.ModelPath, s.host.LoadGenerationModel)
}

func (s *Server) handleLoadSynthesis(w http.ResponseWriter, r *http.Request) {
	s.load(w, r, s.cfg.Synthesis.ModelPath, s.host.InitSynthesis)
}

func (s *Server) handleLoadRecognition(w http.ResponseWriter, r *http.Request) {
	s.load(w, r, s.cfg.Recognition.ModelPath, s.host.InitRecognition)
}

// load falls back to the configured model path when the body names none.
func (s *Server) load(w http.ResponseWriter, r *http.Request, fallback string, load func(string) bool) {
	var req loadRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	path := strings.TrimSpace(req.ModelPath)
	if path == "" {
		path = fallback
	}
	if !load(path) {
		respondJSON(w, http.StatusUnprocessableEntity, loadResponse{Loaded: false, ModelPath: path})
		return
	}
	respondJSON(w, http.StatusOK, loadResponse{Loaded: true, ModelPath: path})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_prompt", "text is required")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": s.host.SubmitPrompt(req.Text)})
}

func (s *Server) handleGeneratedText(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"text": s.host.PollGeneratedText()})
}

func (s *Server) handleSynthesizedAudio(w http.ResponseWriter, _ *http.Request) {
	pcm := s.host.PollSynthesizedAudio()
	if len(pcm) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Sample-Rate", strconv.Itoa(s.cfg.Synthesis.SampleRate))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pcm); err != nil {
		s.log.Warn("failed to write audio response", slog.String("error", err.Error()))
	}
}

func (s *Server) handleStopSpeaking(w http.ResponseWriter, _ *http.Request) {
	s.host.StopSpeaking()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	s.host.Speak(req.Text)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePushAudio(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", err.Error())
		return
	}
	s.host.PushAudio(pcm)
	respondJSON(w, http.StatusAccepted, map[string]int{"backlog": s.host.PollIngestBacklog()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"text": s.host.PollTranscript()})
}

func (s *Server) handleResetRecognition(w http.ResponseWriter, _ *http.Request) {
	s.host.ResetRecognition()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBacklog(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int{"samples": s.host.PollIngestBacklog()})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "journal_disabled", "event journal is not configured")
		return
	}
	turns, err := s.journal.RecentTurns(r.Context(), limitParam(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "journal_disabled", "event journal is not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_turn_id", "missing turn id")
		return
	}
	events, err := s.journal.ListTurnEvents(r.Context(), id, limitParam(r, 200))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"turn_id": id, "events": events})
}

func limitParam(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
