package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/loqalabs/loqa-edge/internal/config"
)

// Engine turns text into mono float samples at SampleRate.
type Engine interface {
	Synthesize(ctx context.Context, text string, voiceID int, speed float64) ([]float32, error)
	SampleRate() int
	Close() error
}

// Open builds the engine selected by cfg.Mode for the given model path.
func Open(cfg config.SynthesisConfig, path string) (Engine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(MockOptions{SampleRate: cfg.SampleRate}), nil
	case "exec":
		return NewExecEngine(cfg, path)
	default:
		return nil, fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
	}
}

// ToPCM16 clamps every sample to [-1, 1], scales by 32767 and truncates.
func ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		case math.IsNaN(float64(s)):
			s = 0
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// EncodePCM16 serialises samples as signed 16-bit little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
