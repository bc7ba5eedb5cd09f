package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-edge/internal/config"
)

// Token identifies one vocabulary entry of a loaded model.
type Token int32

// Engine is the numerical backend behind the generation stage. Calls are made
// from a single worker goroutine; implementations need not be reentrant.
type Engine interface {
	Tokenize(text string) ([]Token, error)
	// Prefill evaluates the prompt and returns logits for the first position.
	Prefill(ctx context.Context, tokens []Token) ([]float32, error)
	// DecodeStep feeds back the chosen token and returns the next logits.
	DecodeStep(ctx context.Context, tok Token) ([]float32, error)
	IsEndOfGeneration(tok Token) bool
	TokenToText(tok Token) string
	Close() error
}

// Aborter is implemented by engines that keep work running between decode
// steps. Abort releases it once a turn ends early.
type Aborter interface {
	Abort()
}

var ErrEmptyLogits = errors.New("engine returned no logits")

// Greedy picks the highest-scoring token. The first index wins ties.
func Greedy(logits []float32) (Token, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return Token(best), nil
}

// RenderPrompt substitutes the user text into a chat template.
func RenderPrompt(template, prompt string) string {
	return strings.ReplaceAll(template, "{{prompt}}", prompt)
}

// Open builds the engine selected by cfg.Mode for the given model path.
func Open(ctx context.Context, cfg config.GenerationConfig, path string) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return OpenMockEngine(path)
	case "ollama":
		return OpenOllamaEngine(ctx, cfg.Endpoint, path)
	case "exec":
		return NewExecEngine(cfg, path)
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", cfg.Mode)
	}
}

// Ids reserved by the piece-table engines. Prompts are never interned so the
// table only grows with generated pieces.
const (
	eosToken    Token = 0
	promptToken Token = 1
)

// pieceTable maps text pieces to token ids for engines that receive text
// rather than scores.
type pieceTable struct {
	mu     sync.Mutex
	pieces []string
	ids    map[string]Token
}

func newPieceTable() *pieceTable {
	return &pieceTable{pieces: []string{"", ""}, ids: map[string]Token{}}
}

func (p *pieceTable) intern(piece string) Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.ids[piece]; ok {
		return id
	}
	id := Token(len(p.pieces))
	p.pieces = append(p.pieces, piece)
	p.ids[piece] = id
	return id
}

func (p *pieceTable) text(tok Token) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok <= promptToken || int(tok) >= len(p.pieces) {
		return ""
	}
	return p.pieces[tok]
}

// oneHot scores tok above every other entry.
func (p *pieceTable) oneHot(tok Token) []float32 {
	n := p.size()
	logits := make([]float32, n)
	for i := range logits {
		logits[i] = -1
	}
	if int(tok) < n {
		logits[tok] = 1
	}
	return logits
}

func (p *pieceTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pieces)
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
