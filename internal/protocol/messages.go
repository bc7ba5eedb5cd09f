// Package protocol defines the JSON messages the edge node exchanges on the
// bus.
package protocol

import "time"

// Inbound subjects.
const (
	SubjectPrompt           = "edge.prompt"
	SubjectSpeak            = "edge.speak"
	SubjectStop             = "edge.stop"
	SubjectAudioFramePrefix = "edge.audio.frame"
	SubjectRecognitionReset = "edge.recognition.reset"
)

// Outbound subjects.
const (
	SubjectSentence   = "edge.sentence"
	SubjectTurnStatus = "edge.turn.status"
	SubjectTranscript = "edge.transcript"
)

// Prompt asks the node to answer Text, superseding any turn in flight.
type Prompt struct {
	Text      string    `json:"text"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Speak asks the node to say Text outside of any generation turn.
type Speak struct {
	Text string `json:"text"`
}

// AudioFrame carries mono PCM16 LE microphone audio.
type AudioFrame struct {
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
}

// Sentence is one unit queued for synthesis.
type Sentence struct {
	NodeID    string    `json:"node_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnStatus reports a turn lifecycle change or a cancellation.
type TurnStatus struct {
	NodeID    string    `json:"node_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	State     string    `json:"state"`
	Outcome   string    `json:"outcome,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the latest recognition hypothesis.
type Transcript struct {
	NodeID    string    `json:"node_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack answers request-reply commands.
type Ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
