package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// OllamaEngine drives a remote Ollama model in raw mode. Ollama streams text
// rather than scores, so every received piece is interned and surfaced as a
// one-hot logit vector; greedy selection then reproduces the stream exactly.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
	table    *pieceTable

	mu      sync.Mutex
	prompt  string
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Raw    bool   `json:"raw"`
	Stream bool   `json:"stream"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// OpenOllamaEngine checks that model is known to the server at endpoint.
func OpenOllamaEngine(ctx context.Context, endpoint, model string) (*OllamaEngine, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("ollama model name is empty")
	}
	e := &OllamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{},
		table:    newPieceTable(),
	}
	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.endpoint+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama model %q unavailable: %s", model, resp.Status)
	}
	return e, nil
}

func (e *OllamaEngine) Tokenize(text string) ([]Token, error) {
	e.mu.Lock()
	e.prompt = text
	e.mu.Unlock()
	return []Token{promptToken}, nil
}

func (e *OllamaEngine) Prefill(ctx context.Context, _ []Token) ([]float32, error) {
	e.mu.Lock()
	e.closeStreamLocked()
	prompt := e.prompt
	e.mu.Unlock()

	payload, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: prompt, Raw: true, Stream: true})
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, e.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	e.mu.Lock()
	e.body = resp.Body
	e.scanner = bufio.NewScanner(resp.Body)
	e.cancel = cancel
	e.mu.Unlock()
	return e.next()
}

func (e *OllamaEngine) DecodeStep(ctx context.Context, _ Token) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.next()
}

func (e *OllamaEngine) IsEndOfGeneration(tok Token) bool { return tok == eosToken }

func (e *OllamaEngine) TokenToText(tok Token) string { return e.table.text(tok) }

// Abort cancels the stream of the turn in flight so the server stops
// generating.
func (e *OllamaEngine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeStreamLocked()
}

func (e *OllamaEngine) Close() error {
	e.Abort()
	return nil
}

// next reads stream lines until a non-empty piece or the end marker.
func (e *OllamaEngine) next() ([]float32, error) {
	e.mu.Lock()
	scanner := e.scanner
	e.mu.Unlock()
	if scanner == nil {
		return e.table.oneHot(eosToken), nil
	}
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Response != "" {
			return e.table.oneHot(e.table.intern(chunk.Response)), nil
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.closeStreamLocked()
	e.mu.Unlock()
	return e.table.oneHot(eosToken), nil
}

func (e *OllamaEngine) closeStreamLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.body != nil {
		_ = e.body.Close()
		e.body = nil
	}
	e.scanner = nil
}
