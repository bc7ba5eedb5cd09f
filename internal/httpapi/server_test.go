package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-edge/internal/config"
	"github.com/loqalabs/loqa-edge/internal/eventstore"
	"github.com/loqalabs/loqa-edge/internal/pipeline"
)

type fakeHost struct {
	mu       sync.Mutex
	loaded   map[string]string
	failLoad bool
	prompts  []string
	spoken   []string
	audio    []byte
	pcm      []byte
	stops    int
	cancels  int
	resets   int
}

func newFakeHost() *fakeHost {
	return &fakeHost{loaded: map[string]string{}}
}

func (f *fakeHost) record(stage, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoad {
		return false
	}
	f.loaded[stage] = path
	return true
}

func (f *fakeHost) LoadGenerationModel(path string) bool { return f.record("generation", path) }
func (f *fakeHost) InitSynthesis(path string) bool       { return f.record("synthesis", path) }
func (f *fakeHost) InitRecognition(path string) bool     { return f.record("recognition", path) }

func (f *fakeHost) SubmitPrompt(text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return "OK"
}

func (f *fakeHost) PollGeneratedText() string { return "Hello." }

func (f *fakeHost) PollSynthesizedAudio() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pcm
	f.pcm = nil
	return out
}

func (f *fakeHost) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeHost) StopSpeaking() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeHost) Speak(text string) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
}

func (f *fakeHost) PushAudio(pcm []byte) {
	f.mu.Lock()
	f.audio = append(f.audio, pcm...)
	f.mu.Unlock()
}

func (f *fakeHost) PollTranscript() string { return "[transcript samples=1600]" }

func (f *fakeHost) PollIngestBacklog() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio) / 2
}

func (f *fakeHost) ResetRecognition() {
	f.mu.Lock()
	f.resets++
	f.audio = nil
	f.mu.Unlock()
}

func (f *fakeHost) Stages() pipeline.Stages {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, gen := f.loaded["generation"]
	return pipeline.Stages{Generation: gen}
}

type fakeJournal struct{}

func (fakeJournal) RecentTurns(context.Context, int) ([]eventstore.Turn, error) {
	return []eventstore.Turn{{ID: "t1", Prompt: "Hi", Outcome: "completed", Tokens: 3}}, nil
}

func (fakeJournal) ListTurnEvents(_ context.Context, turnID string, _ int) ([]eventstore.Event, error) {
	return []eventstore.Event{{ID: 1, TurnID: turnID, Type: "sentence.queued", Text: "Hello."}}, nil
}

func newTestServer(t *testing.T, host Host, opts Options) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Generation.ModelPath = "/models/default.gguf"
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(New(cfg, host, opts).Router())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestLoadUsesConfiguredPathWhenBodyEmpty(t *testing.T) {
	host := newFakeHost()
	ts := newTestServer(t, host, Options{})

	res := post(t, ts.URL+"/v1/generation/load", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var body loadResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Loaded || body.ModelPath != "/models/default.gguf" {
		t.Fatalf("unexpected load response %+v", body)
	}

	res = post(t, ts.URL+"/v1/synthesis/load", `{"model_path":"/models/voice.onnx"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("synthesis load status = %d", res.StatusCode)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if host.loaded["synthesis"] != "/models/voice.onnx" {
		t.Fatalf("expected explicit path, got %q", host.loaded["synthesis"])
	}
}

func TestLoadFailureIsUnprocessable(t *testing.T) {
	host := newFakeHost()
	host.failLoad = true
	ts := newTestServer(t, host, Options{})

	res := post(t, ts.URL+"/v1/recognition/load", `{"model_path":"/missing"}`)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
	res = post(t, ts.URL+"/v1/generation/load", `{"model_path":`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPromptAndSpeak(t *testing.T) {
	host := newFakeHost()
	ts := newTestServer(t, host, Options{})

	res := post(t, ts.URL+"/v1/prompt", `{"text":"What time is it?"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("prompt status = %d", res.StatusCode)
	}
	var ack map[string]string
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil || ack["status"] != "OK" {
		t.Fatalf("unexpected ack %v err %v", ack, err)
	}
	if res := post(t, ts.URL+"/v1/prompt", `{"text":"  "}`); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank prompt status = %d", res.StatusCode)
	}
	if res := post(t, ts.URL+"/v1/synthesis/speak", `{"text":"Timer done."}`); res.StatusCode != http.StatusAccepted {
		t.Fatalf("speak status = %d", res.StatusCode)
	}
	if res := post(t, ts.URL+"/v1/synthesis/stop", ""); res.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d", res.StatusCode)
	}
	if res := post(t, ts.URL+"/v1/cancel", ""); res.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", res.StatusCode)
	}

	res = get(t, ts.URL+"/v1/generation/text")
	var text map[string]string
	if err := json.NewDecoder(res.Body).Decode(&text); err != nil || text["text"] != "Hello." {
		t.Fatalf("unexpected text %v err %v", text, err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.prompts) != 1 || host.prompts[0] != "What time is it?" {
		t.Fatalf("unexpected prompts %q", host.prompts)
	}
	if len(host.spoken) != 1 || host.stops != 1 || host.cancels != 1 {
		t.Fatalf("unexpected host calls spoken=%q stops=%d cancels=%d", host.spoken, host.stops, host.cancels)
	}
}

func TestSynthesizedAudio(t *testing.T) {
	host := newFakeHost()
	ts := newTestServer(t, host, Options{})

	if res := get(t, ts.URL+"/v1/synthesis/audio"); res.StatusCode != http.StatusNoContent {
		t.Fatalf("empty audio status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	host.mu.Lock()
	host.pcm = []byte{1, 0, 2, 0}
	host.mu.Unlock()

	res := get(t, ts.URL+"/v1/synthesis/audio")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d", res.StatusCode)
	}
	if rate := res.Header.Get("X-Sample-Rate"); rate != "22050" {
		t.Fatalf("sample rate header = %q", rate)
	}
	data, _ := io.ReadAll(res.Body)
	if !bytes.Equal(data, []byte{1, 0, 2, 0}) {
		t.Fatalf("unexpected pcm %v", data)
	}
}

func TestRecognitionRoutes(t *testing.T) {
	host := newFakeHost()
	ts := newTestServer(t, host, Options{})

	res, err := http.Post(ts.URL+"/v1/recognition/audio", "application/octet-stream", bytes.NewReader(make([]byte, 640)))
	if err != nil {
		t.Fatalf("push audio: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("push status = %d", res.StatusCode)
	}

	res = get(t, ts.URL+"/v1/recognition/backlog")
	var backlog map[string]int
	if err := json.NewDecoder(res.Body).Decode(&backlog); err != nil || backlog["samples"] != 320 {
		t.Fatalf("unexpected backlog %v err %v", backlog, err)
	}

	res = get(t, ts.URL+"/v1/recognition/transcript")
	var transcript map[string]string
	if err := json.NewDecoder(res.Body).Decode(&transcript); err != nil || transcript["text"] != "[transcript samples=1600]" {
		t.Fatalf("unexpected transcript %v err %v", transcript, err)
	}

	if res := post(t, ts.URL+"/v1/recognition/reset", ""); res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d", res.StatusCode)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.audio) != 0 || host.resets != 1 {
		t.Fatal("expected reset to clear queued audio")
	}
}

func TestReadinessAndTurns(t *testing.T) {
	var ready atomic.Bool
	ts := newTestServer(t, newFakeHost(), Options{
		Ready:   ready.Load,
		Journal: fakeJournal{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})

	if res := get(t, ts.URL+"/healthz"); res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
	if res := get(t, ts.URL+"/readyz"); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readiness before start = %d", res.StatusCode)
	}
	ready.Store(true)
	if res := get(t, ts.URL+"/readyz"); res.StatusCode != http.StatusOK {
		t.Fatalf("readiness after start = %d", res.StatusCode)
	}
	if res := get(t, ts.URL+"/metrics"); res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", res.StatusCode)
	}

	res := get(t, ts.URL+"/v1/turns?limit=5")
	var turns struct {
		Turns []eventstore.Turn `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&turns); err != nil || len(turns.Turns) != 1 || turns.Turns[0].ID != "t1" {
		t.Fatalf("unexpected turns %+v err %v", turns, err)
	}
	res = get(t, ts.URL+"/v1/turns/t1/events")
	var events struct {
		TurnID string             `json:"turn_id"`
		Events []eventstore.Event `json:"events"`
	}
	if err := json.NewDecoder(res.Body).Decode(&events); err != nil || events.TurnID != "t1" || len(events.Events) != 1 {
		t.Fatalf("unexpected events %+v err %v", events, err)
	}
}

func TestTurnsWithoutJournal(t *testing.T) {
	ts := newTestServer(t, newFakeHost(), Options{})
	if res := get(t, ts.URL+"/v1/turns"); res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
