package stt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-edge/internal/config"
)

func TestDecodePCM16(t *testing.T) {
	samples := DecodePCM16([]byte{0x00, 0x40, 0x00, 0x80, 0xff, 0x7f, 0x01})
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, odd byte ignored, got %d", len(samples))
	}
	if samples[0] != 0.5 || samples[1] != -1 {
		t.Fatalf("unexpected samples %v", samples)
	}
	if samples[2] >= 1 {
		t.Fatalf("max positive sample must stay below 1, got %v", samples[2])
	}
}

func TestMockEngineCumulativeTranscript(t *testing.T) {
	m := NewMockEngine(MockOptions{ChunkSamples: 100})
	if err := m.AcceptAudio(make([]float32, 250), 16000); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for m.HasReadyOutput() {
		if err := m.DecodeStep(context.Background()); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if got := m.ReadResult(); got != "[transcript samples=200]" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if err := m.ResetStream(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := m.ReadResult(); got != "" {
		t.Fatalf("reset should clear transcript, got %q", got)
	}
}

func TestOpenRequiresExistingPath(t *testing.T) {
	cfg := config.Default().Recognition
	if _, err := Open(cfg, filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatal("expected error for missing model")
	}
	dir := t.TempDir()
	e, err := Open(cfg, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := e.(*MockEngine); !ok {
		t.Fatalf("expected mock engine, got %T", e)
	}
}

func TestWriteWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writeWav(f, []float32{0, 0.5, -1, 1}, 16000); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	r, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	dec := wav.NewDecoder(r)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || len(buf.Data) != 4 {
		t.Fatalf("unexpected wav: rate=%d samples=%d", dec.SampleRate, len(buf.Data))
	}
	if buf.Data[1] != 16384 || buf.Data[2] != -32768 || buf.Data[3] != 32767 {
		t.Fatalf("unexpected sample values %v", buf.Data)
	}
}

func TestExecEngineRejectsEmptyCommand(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.Command = "   "
	if _, err := NewExecEngine(cfg, "model"); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecEngineRejectsRateMismatch(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.Command = "whisper-json"
	e, err := NewExecEngine(cfg, "model")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.AcceptAudio([]float32{0}, 8000); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
	if err := e.AcceptAudio(make([]float32, 100), 16000); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if e.HasReadyOutput() {
		t.Fatal("100 samples must not fill a 400ms batch")
	}
}
