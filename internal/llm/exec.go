package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external generator once per turn and replays its reply
// piece by piece. The command reads {"prompt","model","max_tokens"} on stdin
// and prints {"content"} on stdout.
type ExecEngine struct {
	cmd       []string
	model     string
	maxTokens int
	table     *pieceTable

	mu     sync.Mutex
	prompt string
	script []Token
	cursor int
}

type execRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExecEngine(cfg config.GenerationConfig, model string) (*ExecEngine, error) {
	if err := checkModelPath(model); err != nil {
		return nil, err
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse generation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("generation command empty")
	}
	return &ExecEngine{cmd: args, model: model, maxTokens: cfg.MaxTokens, table: newPieceTable()}, nil
}

func (e *ExecEngine) Tokenize(text string) ([]Token, error) {
	e.mu.Lock()
	e.prompt = text
	e.mu.Unlock()
	return []Token{promptToken}, nil
}

func (e *ExecEngine) Prefill(ctx context.Context, _ []Token) ([]float32, error) {
	e.mu.Lock()
	prompt := e.prompt
	e.mu.Unlock()

	input, err := json.Marshal(execRequest{Prompt: prompt, Model: e.model, MaxTokens: e.maxTokens})
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("generation command failed: %w: %s", err, stderr.String())
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = e.script[:0]
	for _, piece := range SplitPieces(resp.Content) {
		e.script = append(e.script, e.table.intern(piece))
	}
	e.cursor = 0
	return e.table.oneHot(e.currentLocked()), nil
}

func (e *ExecEngine) DecodeStep(ctx context.Context, _ Token) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor++
	return e.table.oneHot(e.currentLocked()), nil
}

func (e *ExecEngine) IsEndOfGeneration(tok Token) bool { return tok == eosToken }

func (e *ExecEngine) TokenToText(tok Token) string { return e.table.text(tok) }

func (e *ExecEngine) Close() error { return nil }

func (e *ExecEngine) currentLocked() Token {
	if e.cursor >= len(e.script) {
		return eosToken
	}
	return e.script[e.cursor]
}
