// Package bridge connects the pipeline to the message bus: inbound subjects
// drive host operations and pipeline events are published outbound.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-edge/internal/bus"
	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/pipeline"
	"github.com/loqalabs/loqa-edge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Host is the subset of pipeline operations reachable from the bus.
type Host interface {
	SubmitPrompt(text string) string
	Speak(text string)
	StopSpeaking()
	PushAudio(pcm []byte)
	ResetRecognition()
}

type Service struct {
	cfg        config.BridgeConfig
	nodeID     string
	sampleRate int
	bus        *bus.Client
	host       Host
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, host Host, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg.Bridge,
		nodeID:     cfg.Node.ID,
		sampleRate: cfg.Recognition.SampleRate,
		bus:        busClient,
		host:       host,
		logger:     logger.With(slog.String("component", "bridge")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectPrompt:                  s.handlePrompt,
		protocol.SubjectSpeak:                   s.handleSpeak,
		protocol.SubjectStop:                    s.handleStop,
		protocol.SubjectAudioFramePrefix + ".>": s.handleAudio,
		protocol.SubjectRecognitionReset:        s.handleReset,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	// Make sure the server has registered every subscription before callers
	// start publishing.
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) handlePrompt(msg *nats.Msg) {
	var prompt protocol.Prompt
	if err := json.Unmarshal(msg.Data, &prompt); err != nil {
		s.logger.Warn("bridge failed to decode prompt", slogError(err))
		s.reply(msg, "", err)
		return
	}
	if strings.TrimSpace(prompt.Text) == "" {
		s.reply(msg, "IGNORED", nil)
		return
	}
	s.reply(msg, s.host.SubmitPrompt(prompt.Text), nil)
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var speak protocol.Speak
	if err := json.Unmarshal(msg.Data, &speak); err != nil {
		s.logger.Warn("bridge failed to decode speak request", slogError(err))
		s.reply(msg, "", err)
		return
	}
	s.host.Speak(speak.Text)
	s.reply(msg, "OK", nil)
}

func (s *Service) handleStop(msg *nats.Msg) {
	s.host.StopSpeaking()
	s.reply(msg, "OK", nil)
}

func (s *Service) handleReset(msg *nats.Msg) {
	s.host.ResetRecognition()
	s.reply(msg, "OK", nil)
}

func (s *Service) handleAudio(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("bridge failed to decode audio frame", slogError(err))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.sampleRate {
		s.logger.Warn("dropping audio frame with unexpected sample rate",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("expected", s.sampleRate))
		return
	}
	s.host.PushAudio(frame.PCM)
}

func (s *Service) reply(msg *nats.Msg, status string, err error) {
	if msg.Reply == "" {
		return
	}
	ack := protocol.Ack{Status: status}
	if err != nil {
		ack.Status = "ERROR"
		ack.Error = err.Error()
	}
	data, mErr := json.Marshal(ack)
	if mErr != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("bridge failed to reply", slogError(err))
	}
}

// Observe publishes pipeline events on the outbound subjects.
func (s *Service) Observe(e pipeline.Event) {
	if !s.cfg.Enabled || s.ctx.Err() != nil {
		return
	}
	switch e.Type {
	case pipeline.EventSentenceQueued:
		if s.cfg.PublishSentence {
			s.publish(protocol.SubjectSentence, protocol.Sentence{
				NodeID: s.nodeID, TurnID: e.TurnID, Text: e.Text, Kind: e.Kind, Timestamp: e.At,
			})
		}
	case pipeline.EventTurnStarted, pipeline.EventTurnFinished, pipeline.EventCancelled:
		if s.cfg.PublishTurns {
			s.publish(protocol.SubjectTurnStatus, protocol.TurnStatus{
				NodeID: s.nodeID, TurnID: e.TurnID, State: string(e.Type), Outcome: e.Reason, Tokens: e.Tokens, Timestamp: e.At,
			})
		}
	case pipeline.EventTranscript:
		if s.cfg.PublishASR {
			s.publish(protocol.SubjectTranscript, protocol.Transcript{
				NodeID: s.nodeID, Text: e.Text, Timestamp: e.At,
			})
		}
	}
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("bridge failed to marshal event", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("bridge failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

var _ pipeline.Observer = (*Service)(nil)
