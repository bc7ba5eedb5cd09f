package tts

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"
)

// MockOptions scripts a MockEngine.
type MockOptions struct {
	SampleRate int
	// SamplesPerByte sets output length per input byte at speed 1. Defaults to 64.
	SamplesPerByte int
	// Amplitude of the generated tone. Values above 1 exercise clamping.
	Amplitude float32
	// Delay is slept before every synthesis.
	Delay time.Duration
	// FailOn makes any text containing it fail.
	FailOn string
	// PanicOn makes any text containing it panic.
	PanicOn string
}

// MockEngine renders a fixed tone whose length tracks the input text.
type MockEngine struct {
	opts MockOptions

	mu     sync.Mutex
	spoken []string
	closed bool
}

var ErrMockSynthesis = errors.New("mock synthesis failed")

func NewMockEngine(opts MockOptions) *MockEngine {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 22050
	}
	if opts.SamplesPerByte <= 0 {
		opts.SamplesPerByte = 64
	}
	if opts.Amplitude == 0 {
		opts.Amplitude = 0.5
	}
	return &MockEngine{opts: opts}
}

func (m *MockEngine) Synthesize(ctx context.Context, text string, _ int, speed float64) ([]float32, error) {
	if m.opts.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.opts.Delay):
		}
	}
	if m.opts.PanicOn != "" && strings.Contains(text, m.opts.PanicOn) {
		panic("mock synthesis panic")
	}
	if m.opts.FailOn != "" && strings.Contains(text, m.opts.FailOn) {
		return nil, ErrMockSynthesis
	}
	if speed <= 0 {
		speed = 1
	}
	n := int(float64(len(text)*m.opts.SamplesPerByte) / speed)
	out := make([]float32, n)
	step := 2 * math.Pi * 440 / float64(m.opts.SampleRate)
	for i := range out {
		out[i] = m.opts.Amplitude * float32(math.Sin(step*float64(i)))
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()
	return out, nil
}

func (m *MockEngine) SampleRate() int { return m.opts.SampleRate }

func (m *MockEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Spoken returns every text synthesised so far, in order.
func (m *MockEngine) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
