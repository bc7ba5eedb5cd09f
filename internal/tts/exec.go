package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external synthesiser per sentence. The request is written
// to stdin as JSON; stdout carries one JSON object with base64 float32 LE
// samples.
type ExecEngine struct {
	cmd        []string
	model      string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	VoiceID    int     `json:"voice_id"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
}

type execResponse struct {
	SamplesBase64 string `json:"samples_base64"`
	SampleRate    int    `json:"sample_rate"`
}

func NewExecEngine(cfg config.SynthesisConfig, model string) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &ExecEngine{cmd: args, model: model, sampleRate: cfg.SampleRate}, nil
}

func (e *ExecEngine) Synthesize(ctx context.Context, text string, voiceID int, speed float64) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:       text,
		Model:      e.model,
		VoiceID:    voiceID,
		Speed:      speed,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("synthesis command failed: %w: %s", err, stderr.String())
	}
	return decodeResponse(stdout.Bytes(), e.sampleRate)
}

func (e *ExecEngine) SampleRate() int { return e.sampleRate }

func (e *ExecEngine) Close() error { return nil }

func decodeResponse(data []byte, wantRate int) ([]float32, error) {
	var resp execResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode synthesis response: %w", err)
	}
	if resp.SampleRate != 0 && resp.SampleRate != wantRate {
		return nil, fmt.Errorf("synthesiser produced %d Hz, expected %d Hz", resp.SampleRate, wantRate)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SamplesBase64)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample payload not aligned")
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}
