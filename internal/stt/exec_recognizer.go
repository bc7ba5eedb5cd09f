package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecEngine re-transcribes the whole stream with an external command every
// time a batch of new audio has arrived. The command receives a mono 16-bit
// WAV file via --audio and prints {"text": "..."} on stdout.
type ExecEngine struct {
	cmd        []string
	model      string
	language   string
	sampleRate int
	batch      int

	mu      sync.Mutex
	stream  []float32
	pending int
	result  string
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecEngine(cfg config.RecognitionConfig, model string) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &ExecEngine{
		cmd:        args,
		model:      model,
		language:   cfg.Language,
		sampleRate: cfg.SampleRate,
		batch:      config.SamplesFor(cfg.BatchMS, cfg.SampleRate),
	}, nil
}

func (e *ExecEngine) AcceptAudio(samples []float32, sampleRate int) error {
	if sampleRate != e.sampleRate {
		return fmt.Errorf("sample rate %d does not match engine rate %d", sampleRate, e.sampleRate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stream = append(e.stream, samples...)
	e.pending += len(samples)
	return nil
}

func (e *ExecEngine) HasReadyOutput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending > 0 && e.pending >= e.batch
}

func (e *ExecEngine) DecodeStep(ctx context.Context) error {
	e.mu.Lock()
	snapshot := append([]float32(nil), e.stream...)
	e.pending = 0
	e.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_edge_asr_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWav(file, snapshot, e.sampleRate); err != nil {
		return err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--model", e.model)
	if e.language != "" {
		args = append(args, "--language", e.language)
	}
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("recognition command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode recognition response: %w", err)
	}
	e.mu.Lock()
	e.result = resp.Text
	e.mu.Unlock()
	return nil
}

func (e *ExecEngine) ReadResult() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *ExecEngine) ResetStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stream = nil
	e.pending = 0
	e.result = ""
	return nil
}

func (e *ExecEngine) Close() error { return e.ResetStream() }

func writeWav(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		buffer.Data[i] = int(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
