package llm

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultMockReply = "I heard you. Let me think about that for a moment, then I will answer."

// MockOptions scripts a MockEngine.
type MockOptions struct {
	// Reply is spoken for every prompt. Defaults to a fixed sentence.
	Reply string
	// Respond, when set, chooses the reply from the rendered prompt.
	Respond func(prompt string) string
	// StepDelay is slept before every prefill and decode step.
	StepDelay time.Duration
	// FailAfter makes the n-th decode step of a turn fail. Zero disables.
	FailAfter int
	// FailPrefill makes every prefill fail.
	FailPrefill bool
}

// MockEngine replays a scripted reply one piece per token.
type MockEngine struct {
	opts  MockOptions
	table *pieceTable

	mu     sync.Mutex
	prompt string
	script []Token
	cursor int
	steps  int
	turns  int
	aborts int
	closed bool
}

var ErrMockStep = errors.New("mock decode step failed")

// NewMockEngine returns a scripted engine.
func NewMockEngine(opts MockOptions) *MockEngine {
	if opts.Reply == "" {
		opts.Reply = defaultMockReply
	}
	return &MockEngine{opts: opts, table: newPieceTable()}
}

// OpenMockEngine requires path to exist. A non-empty file supplies the reply.
func OpenMockEngine(path string) (*MockEngine, error) {
	if err := checkModelPath(path); err != nil {
		return nil, err
	}
	opts := MockOptions{}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		if data, err := os.ReadFile(path); err == nil {
			opts.Reply = strings.TrimSpace(string(data))
		}
	}
	return NewMockEngine(opts), nil
}

func (m *MockEngine) Tokenize(text string) ([]Token, error) {
	m.mu.Lock()
	m.prompt = text
	m.mu.Unlock()
	return []Token{promptToken}, nil
}

func (m *MockEngine) Prefill(ctx context.Context, _ []Token) ([]float32, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.opts.FailPrefill {
		return nil, ErrMockStep
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reply := m.opts.Reply
	if m.opts.Respond != nil {
		reply = m.opts.Respond(m.prompt)
	}
	m.script = m.script[:0]
	for _, piece := range SplitPieces(reply) {
		m.script = append(m.script, m.table.intern(piece))
	}
	m.cursor = 0
	m.steps = 0
	m.turns++
	return m.table.oneHot(m.currentLocked()), nil
}

func (m *MockEngine) DecodeStep(ctx context.Context, _ Token) ([]float32, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
	if m.opts.FailAfter > 0 && m.steps >= m.opts.FailAfter {
		return nil, ErrMockStep
	}
	m.cursor++
	return m.table.oneHot(m.currentLocked()), nil
}

func (m *MockEngine) IsEndOfGeneration(tok Token) bool { return tok == eosToken }

func (m *MockEngine) TokenToText(tok Token) string { return m.table.text(tok) }

func (m *MockEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Abort drops the rest of the scripted reply.
func (m *MockEngine) Abort() {
	m.mu.Lock()
	m.aborts++
	m.cursor = len(m.script)
	m.mu.Unlock()
}

// Aborts reports how many turns were aborted.
func (m *MockEngine) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts
}

// Turns reports how many prompts were prefilled.
func (m *MockEngine) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

// Closed reports whether Close was called.
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockEngine) currentLocked() Token {
	if m.cursor >= len(m.script) {
		return eosToken
	}
	return m.script[m.cursor]
}

func (m *MockEngine) sleep(ctx context.Context) error {
	if m.opts.StepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.StepDelay):
		return nil
	}
}

// SplitPieces breaks text into word-like pieces that keep their leading
// whitespace, the way subword vocabularies emit them.
func SplitPieces(text string) []string {
	var pieces []string
	start := 0
	for i, r := range text {
		if i > start && r == ' ' {
			pieces = append(pieces, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}
