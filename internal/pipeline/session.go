package pipeline

import (
	"sync"

	"github.com/loqalabs/loqa-edge/internal/buffer"
	"github.com/loqalabs/loqa-edge/internal/segment"
)

// Session is the single conversation owned by a Controller. Every buffer is
// independently guarded; mu additionally orders emissions against Cancel so
// that nothing from a superseded turn becomes visible once the epoch moves.
// Lock order is mu before any buffer lock.
type Session struct {
	mu          sync.Mutex
	epoch       uint64
	accumulator *segment.Accumulator

	Mailbox    *buffer.Slot[string]
	Display    *buffer.Text
	Speech     *buffer.Queue[string]
	PCM        *buffer.Queue[int16]
	Ingest     *buffer.Queue[float32]
	Transcript *buffer.Slot[string]
}

func newSession(forcedSplit int) *Session {
	return &Session{
		accumulator: segment.NewAccumulator(forcedSplit),
		Mailbox:     buffer.NewSlot[string](),
		Display:     buffer.NewText(),
		Speech:      buffer.NewQueue[string](),
		PCM:         buffer.NewQueue[int16](),
		Ingest:      buffer.NewQueue[float32](),
		Transcript:  buffer.NewSlot[string](),
	}
}

// Epoch returns the current cancellation epoch.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Cancel supersedes everything queued for output and returns the new epoch.
func (s *Session) Cancel() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	return s.epoch
}

// Submit cancels the current turn and installs prompt in the same critical
// section.
func (s *Session) Submit(prompt string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.Mailbox.Set(prompt)
	return s.epoch
}

func (s *Session) cancelLocked() {
	s.epoch++
	s.Mailbox.Clear()
	s.accumulator.Reset()
	s.Display.Clear()
	s.Speech.Clear()
	s.PCM.Clear()
}

// beginTurn takes the pending prompt and captures the epoch it belongs to.
func (s *Session) beginTurn() (string, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt, ok := s.Mailbox.Take()
	if !ok {
		return "", 0, false
	}
	s.accumulator.Reset()
	return prompt, s.epoch, true
}

// emit publishes one generated fragment for the turn started at epoch. It
// returns false, without side effects, when the turn has been superseded.
func (s *Session) emit(epoch uint64, fragment string) ([]segment.Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil, false
	}
	s.Display.Append(fragment)
	units := s.accumulator.Append(fragment)
	for _, u := range units {
		s.Speech.Push(u.Text)
	}
	return units, true
}

// finish queues the unterminated remainder of a completed turn.
func (s *Session) finish(epoch uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return "", false
	}
	rest := s.accumulator.Flush()
	if rest == "" {
		return "", false
	}
	s.Speech.Push(rest)
	return rest, true
}

// abort drops the remainder of a failed turn.
func (s *Session) abort(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.accumulator.Reset()
	}
}

// speak queues text outside of any generation turn.
func (s *Session) speak(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Speech.Push(text)
}

// nextSentence pops the head of the speech queue with the epoch it was
// popped under.
func (s *Session) nextSentence() (string, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.Speech.Pop()
	return text, s.epoch, ok
}

// appendPCM buffers synthesised audio unless the epoch moved meanwhile.
func (s *Session) appendPCM(epoch uint64, samples []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.PCM.Push(samples...)
	return true
}
