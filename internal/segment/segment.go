// Package segment cuts a streamed generation into utterance-sized units for synthesis.
package segment

import (
	"strings"
	"unicode/utf8"
)

// DefaultForcedLength bounds how long text may accumulate without a boundary
// before it is handed to synthesis anyway. Roughly twenty CJK characters.
const DefaultForcedLength = 60

// Delimiters are matched as literal byte sequences, full-width forms first.
var Delimiters = []string{
	"，", "。", "？", "！", "；", "：", "\n",
	",", ".", "?", "!", ";", ":",
}

// Boundary locates a delimiter inside accumulated text.
type Boundary struct {
	Offset int
	Length int
}

// End is the byte offset just past the delimiter.
func (b Boundary) End() int { return b.Offset + b.Length }

// FindBoundary returns the leftmost delimiter in text. The earliest offset
// wins regardless of the delimiter's position in Delimiters.
func FindBoundary(text string) (Boundary, bool) {
	best := Boundary{Offset: -1}
	for _, delim := range Delimiters {
		pos := strings.Index(text, delim)
		if pos < 0 {
			continue
		}
		if best.Offset < 0 || pos < best.Offset {
			best = Boundary{Offset: pos, Length: len(delim)}
		}
	}
	if best.Offset < 0 {
		return Boundary{}, false
	}
	return best, true
}

// Unit is one piece of text ready for synthesis.
type Unit struct {
	Text   string
	Forced bool
}

// ExtractReady cuts every complete boundary-terminated prefix off acc. When no
// boundary remains and the remainder is longer than maxForced bytes, it
// becomes a forced unit, except for a trailing incomplete character or
// delimiter prefix, which stays in rest until more bytes arrive. Units keep
// their exact bytes, so joining the units and rest reproduces acc.
func ExtractReady(acc string, maxForced int) (units []Unit, rest string) {
	rest = acc
	for {
		b, ok := FindBoundary(rest)
		if !ok {
			break
		}
		units = append(units, Unit{Text: rest[:b.End()]})
		rest = rest[b.End():]
	}
	if len(rest) > maxForced {
		if cut := len(rest) - heldTail(rest); cut > 0 {
			units = append(units, Unit{Text: rest[:cut], Forced: true})
			rest = rest[cut:]
		}
	}
	return units, rest
}

// heldTail returns how many trailing bytes of s may still grow into a
// character or delimiter and so must not end a forced unit.
func heldTail(s string) int {
	hold := 0
	for i := 1; i < utf8.UTFMax && i <= len(s); i++ {
		if utf8.RuneStart(s[len(s)-i]) {
			if !utf8.FullRuneInString(s[len(s)-i:]) {
				hold = i
			}
			break
		}
	}
	for _, delim := range Delimiters {
		for k := len(delim) - 1; k > hold; k-- {
			if strings.HasSuffix(s, delim[:k]) {
				hold = k
				break
			}
		}
	}
	return hold
}

// Accumulator holds the partially formed sentence of a single turn. It is not
// safe for concurrent use; callers guard it.
type Accumulator struct {
	buf       string
	maxForced int
}

// NewAccumulator returns an empty accumulator with the given forced-split threshold.
func NewAccumulator(maxForced int) *Accumulator {
	if maxForced <= 0 {
		maxForced = DefaultForcedLength
	}
	return &Accumulator{maxForced: maxForced}
}

// Append adds a fragment and returns every unit that became ready.
func (a *Accumulator) Append(fragment string) []Unit {
	var units []Unit
	units, a.buf = ExtractReady(a.buf+fragment, a.maxForced)
	return units
}

// Flush returns whatever is left and empties the accumulator.
func (a *Accumulator) Flush() string {
	rest := a.buf
	a.buf = ""
	return rest
}

// Reset drops pending text.
func (a *Accumulator) Reset() { a.buf = "" }

// Len reports the pending byte count.
func (a *Accumulator) Len() int { return len(a.buf) }

// Pending returns the pending text without consuming it.
func (a *Accumulator) Pending() string { return a.buf }
