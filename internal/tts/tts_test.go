package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-edge/internal/config"
	"pgregory.net/rapid"
)

func TestToPCM16(t *testing.T) {
	got := ToPCM16([]float32{0, 0.5, -0.5, 1.5, -2, 1, -1})
	want := []int16{0, 16383, -16383, 32767, -32767, 32767, -32767}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestToPCM16Bounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOf(rapid.Float32()).Draw(t, "samples")
		out := ToPCM16(in)
		if len(out) != len(in) {
			t.Fatalf("length changed: %d -> %d", len(in), len(out))
		}
		for i, s := range out {
			if s < -32767 {
				t.Fatalf("sample %d below -32767: %d", i, s)
			}
		}
	})
}

func TestEncodePCM16(t *testing.T) {
	got := EncodePCM16([]int16{1, -1, 32767})
	want := []byte{0x01, 0x00, 0xff, 0xff, 0xff, 0x7f}
	if string(got) != string(want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestMockEngineLengthTracksSpeed(t *testing.T) {
	m := NewMockEngine(MockOptions{SampleRate: 16000, SamplesPerByte: 10})
	slow, err := m.Synthesize(context.Background(), "hello", 0, 1)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	fast, err := m.Synthesize(context.Background(), "hello", 0, 2)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(slow) != 50 || len(fast) != 25 {
		t.Fatalf("unexpected lengths slow=%d fast=%d", len(slow), len(fast))
	}
	if got := m.Spoken(); len(got) != 2 || got[0] != "hello" {
		t.Fatalf("unexpected spoken log %v", got)
	}
}

func TestMockEngineFailure(t *testing.T) {
	m := NewMockEngine(MockOptions{FailOn: "boom"})
	if _, err := m.Synthesize(context.Background(), "boom.", 0, 1); !errors.Is(err, ErrMockSynthesis) {
		t.Fatalf("expected ErrMockSynthesis, got %v", err)
	}
}

func TestOpenChecksPath(t *testing.T) {
	cfg := config.Default().Synthesis
	if _, err := Open(cfg, filepath.Join(t.TempDir(), "voice.onnx")); err == nil {
		t.Fatal("expected error for missing voice model")
	}
	if _, err := Open(cfg, ""); err == nil {
		t.Fatal("expected error for empty path")
	}
	e, err := Open(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if e.SampleRate() != cfg.SampleRate {
		t.Fatalf("expected sample rate %d, got %d", cfg.SampleRate, e.SampleRate())
	}
}

func TestDecodeResponse(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-1))
	body := fmt.Sprintf(`{"samples_base64":%q,"sample_rate":22050}`, base64.StdEncoding.EncodeToString(raw))

	samples, err := decodeResponse([]byte(body), 22050)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.25 || samples[1] != -1 {
		t.Fatalf("unexpected samples %v", samples)
	}
	if _, err := decodeResponse([]byte(body), 16000); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
}
