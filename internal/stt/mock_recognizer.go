package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockOptions scripts a MockEngine.
type MockOptions struct {
	// ChunkSamples is how many pending samples make output ready. Defaults to 1600.
	ChunkSamples int
	// Transcript, when set, is reported once any audio was decoded.
	Transcript string
	// StepDelay is slept inside every decode step.
	StepDelay time.Duration
	// FailAccept makes AcceptAudio fail.
	FailAccept bool
}

// MockEngine reports a cumulative transcript describing the audio it heard.
type MockEngine struct {
	opts MockOptions

	mu       sync.Mutex
	pending  int
	decoded  int
	accepted int
	resets   int
	closed   bool
}

var ErrMockAccept = errors.New("mock recognizer rejected audio")

func NewMockEngine(opts MockOptions) *MockEngine {
	if opts.ChunkSamples <= 0 {
		opts.ChunkSamples = 1600
	}
	return &MockEngine{opts: opts}
}

func (m *MockEngine) AcceptAudio(samples []float32, _ int) error {
	if m.opts.FailAccept {
		return ErrMockAccept
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending += len(samples)
	m.accepted++
	return nil
}

func (m *MockEngine) HasReadyOutput() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending >= m.opts.ChunkSamples
}

func (m *MockEngine) DecodeStep(ctx context.Context) error {
	if m.opts.StepDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.StepDelay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.opts.ChunkSamples
	if m.pending < n {
		n = m.pending
	}
	m.pending -= n
	m.decoded += n
	return nil
}

func (m *MockEngine) ReadResult() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decoded == 0 {
		return ""
	}
	if m.opts.Transcript != "" {
		return m.opts.Transcript
	}
	return fmt.Sprintf("[transcript samples=%d]", m.decoded)
}

func (m *MockEngine) ResetStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = 0
	m.decoded = 0
	m.resets++
	return nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Accepted reports how many AcceptAudio calls succeeded.
func (m *MockEngine) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *MockEngine) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
