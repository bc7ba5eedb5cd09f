package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-edge/internal/config"
)

// Engine is a streaming recognizer. Audio is fed incrementally and decoded in
// steps; ReadResult reports the best transcript of the stream so far.
type Engine interface {
	AcceptAudio(samples []float32, sampleRate int) error
	HasReadyOutput() bool
	DecodeStep(ctx context.Context) error
	ReadResult() string
	ResetStream() error
	Close() error
}

// Open builds the engine selected by cfg.Mode for the given model path.
func Open(cfg config.RecognitionConfig, path string) (Engine, error) {
	if err := checkModelPath(path); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(MockOptions{ChunkSamples: config.SamplesFor(100, cfg.SampleRate)}), nil
	case "exec":
		return NewExecEngine(cfg, path)
	default:
		return nil, fmt.Errorf("unsupported recognition mode %q", cfg.Mode)
	}
}

// DecodePCM16 converts signed 16-bit little-endian bytes to samples in
// [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return samples
}

func checkModelPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("model path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("model path: %w", err)
	}
	return nil
}
