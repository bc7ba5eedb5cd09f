package segment

import (
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func TestFindBoundaryLeftmostWins(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		found  bool
		offset int
		length int
	}{
		{name: "empty", text: ""},
		{name: "no delimiter", text: "hello world"},
		{name: "ascii comma before period", text: "a, b. c", found: true, offset: 1, length: 1},
		{name: "half width beats full width priority", text: "ab.c。", found: true, offset: 2, length: 1},
		{name: "full width first", text: "你好，世界.", found: true, offset: 6, length: 3},
		{name: "newline", text: "line one\nline two", found: true, offset: 8, length: 1},
		{name: "colon", text: "note: x", found: true, offset: 4, length: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, ok := FindBoundary(tc.text)
			if ok != tc.found {
				t.Fatalf("found = %v, want %v", ok, tc.found)
			}
			if !ok {
				return
			}
			if b.Offset != tc.offset || b.Length != tc.length {
				t.Fatalf("boundary = %+v, want offset=%d length=%d", b, tc.offset, tc.length)
			}
		})
	}
}

func TestExtractReadyHelloWorld(t *testing.T) {
	units, rest := ExtractReady("Hello, world. ", 60)
	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}
	if units[0].Text != "Hello," {
		t.Fatalf("first unit = %q", units[0].Text)
	}
	if units[1].Text != " world." || strings.TrimSpace(units[1].Text) != "world." {
		t.Fatalf("second unit = %q", units[1].Text)
	}
	if rest != " " {
		t.Fatalf("rest = %q, want single space", rest)
	}
	for _, u := range units {
		if u.Forced {
			t.Fatalf("unexpected forced unit %q", u.Text)
		}
	}
}

func TestExtractReadyForcedUnit(t *testing.T) {
	text := strings.Repeat("a", 60)
	units, rest := ExtractReady(text, 60)
	if len(units) != 0 || rest != text {
		t.Fatalf("at threshold: units=%v rest=%q", units, rest)
	}

	units, rest = ExtractReady(text+"b", 60)
	if len(units) != 1 || !units[0].Forced {
		t.Fatalf("expected one forced unit, got %+v", units)
	}
	if units[0].Text != text+"b" {
		t.Fatalf("forced unit = %q", units[0].Text)
	}
	if rest != "" {
		t.Fatalf("rest = %q, want empty", rest)
	}
}

func TestExtractReadyMultibyteDelimiter(t *testing.T) {
	units, rest := ExtractReady("你好。今天怎么样？还", 60)
	if len(units) != 2 {
		t.Fatalf("units = %+v", units)
	}
	if units[0].Text != "你好。" || units[1].Text != "今天怎么样？" {
		t.Fatalf("units = %+v", units)
	}
	if rest != "还" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestAccumulatorAcrossFragments(t *testing.T) {
	acc := NewAccumulator(60)
	var got []string
	for _, frag := range []string{"Hel", "lo", ",", " wor", "ld", ". ", "Bye"} {
		for _, u := range acc.Append(frag) {
			got = append(got, u.Text)
		}
	}
	want := []string{"Hello,", " world."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("units = %q, want %q", got, want)
	}
	if rest := acc.Flush(); rest != " Bye" {
		t.Fatalf("flush = %q", rest)
	}
	if acc.Len() != 0 {
		t.Fatalf("expected empty accumulator after flush")
	}
}

func TestAccumulatorSplitFullWidthDelimiter(t *testing.T) {
	acc := NewAccumulator(60)
	delim := []byte("。")
	if units := acc.Append("好" + string(delim[:1])); len(units) != 0 {
		t.Fatalf("boundary reported inside a partial delimiter: %+v", units)
	}
	units := acc.Append(string(delim[1:]))
	if len(units) != 1 || units[0].Text != "好。" {
		t.Fatalf("units = %+v", units)
	}
}

func TestForcedSplitHoldsPartialDelimiter(t *testing.T) {
	acc := NewAccumulator(60)
	comma := "，"
	if units := acc.Append(strings.Repeat("a", 60)); len(units) != 0 {
		t.Fatalf("units below threshold: %+v", units)
	}
	units := acc.Append(comma[:2])
	if len(units) != 1 || !units[0].Forced || units[0].Text != strings.Repeat("a", 60) {
		t.Fatalf("units = %+v", units)
	}
	if acc.Pending() != comma[:2] || acc.Len() != 2 {
		t.Fatalf("pending = %q, want the partial delimiter", acc.Pending())
	}
	units = acc.Append(comma[2:] + " next")
	if len(units) != 1 || units[0].Forced || units[0].Text != comma {
		t.Fatalf("units = %+v", units)
	}
	if acc.Pending() != " next" {
		t.Fatalf("pending = %q", acc.Pending())
	}
}

func TestExtractReadyHoldsIncompleteCharacter(t *testing.T) {
	ni := "你"
	units, rest := ExtractReady(strings.Repeat("b", 10)+ni[:1], 4)
	if len(units) != 1 || units[0].Text != strings.Repeat("b", 10) {
		t.Fatalf("units = %+v", units)
	}
	if rest != ni[:1] {
		t.Fatalf("rest = %q", rest)
	}

	units, rest = ExtractReady(ni[:2], 1)
	if len(units) != 0 || rest != ni[:2] {
		t.Fatalf("a lone partial character must stay pending: units=%+v rest=%q", units, rest)
	}
}

func TestAccumulatorPropertiesWithSplitBytes(t *testing.T) {
	alphabet := []string{"a", " ", "好", "é"}
	for _, d := range Delimiters {
		alphabet = append(alphabet, d)
		for k := 1; k < len(d); k++ {
			alphabet = append(alphabet, d[:k], d[k:])
		}
	}
	rapid.Check(t, func(rt *rapid.T) {
		maxForced := rapid.IntRange(1, 40).Draw(rt, "maxForced")
		acc := NewAccumulator(maxForced)
		n := rapid.IntRange(0, 60).Draw(rt, "n")

		var input, output strings.Builder
		var forcedCuts []int
		for i := 0; i < n; i++ {
			frag := rapid.SampledFrom(alphabet).Draw(rt, "fragment")
			input.WriteString(frag)
			for _, u := range acc.Append(frag) {
				output.WriteString(u.Text)
				if u.Forced {
					forcedCuts = append(forcedCuts, output.Len())
				}
			}
			if acc.Len() > maxForced && acc.Len() >= utf8.UTFMax {
				rt.Fatalf("pending %q exceeds forced length %d", acc.Pending(), maxForced)
			}
		}
		output.WriteString(acc.Flush())
		stream := input.String()
		if output.String() != stream {
			rt.Fatalf("bytes lost or duplicated: %q != %q", output.String(), stream)
		}
		for _, cut := range forcedCuts {
			if d, ok := delimiterAcross(stream, cut); ok {
				rt.Fatalf("forced cut at %d splits %q in %q", cut, d, stream)
			}
		}
	})
}

func TestExtractReadyProperties(t *testing.T) {
	alphabet := []string{"a", "b", " ", "你", "好", "，", "。", ",", ".", "?", "!", "\n", "é", "：", ";"}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 80).Draw(rt, "n")
		var sb strings.Builder
		for i := 0; i < n; i++ {
			sb.WriteString(rapid.SampledFrom(alphabet).Draw(rt, "piece"))
		}
		input := sb.String()
		maxForced := rapid.IntRange(1, 80).Draw(rt, "maxForced")

		units, rest := ExtractReady(input, maxForced)

		var joined strings.Builder
		for _, u := range units {
			joined.WriteString(u.Text)
			if u.Text == "" {
				rt.Fatalf("empty unit")
			}
			if !u.Forced {
				if !endsWithDelimiter(u.Text) {
					rt.Fatalf("unit %q does not end with a delimiter", u.Text)
				}
			}
			if !utf8.ValidString(u.Text) {
				rt.Fatalf("unit %q tears a character", u.Text)
			}
		}
		joined.WriteString(rest)
		if joined.String() != input {
			rt.Fatalf("bytes lost or duplicated: %q != %q", joined.String(), input)
		}
		if _, ok := FindBoundary(rest); ok {
			rt.Fatalf("rest %q still contains a boundary", rest)
		}
		if len(rest) > maxForced {
			rt.Fatalf("rest %q exceeds forced length %d", rest, maxForced)
		}
	})
}

func TestExtractReadyForcedOnlyWithoutDelimiter(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxForced := rapid.IntRange(1, 64).Draw(rt, "maxForced")
		extra := rapid.IntRange(1, 32).Draw(rt, "extra")
		input := strings.Repeat("x", maxForced+extra)
		units, rest := ExtractReady(input, maxForced)
		if len(units) != 1 || !units[0].Forced || units[0].Text != input {
			rt.Fatalf("units = %+v", units)
		}
		if rest != "" {
			rt.Fatalf("rest = %q", rest)
		}
	})
}

func endsWithDelimiter(s string) bool {
	for _, d := range Delimiters {
		if strings.HasSuffix(s, d) {
			return true
		}
	}
	return false
}

// delimiterAcross reports a delimiter whose bytes straddle offset cut.
func delimiterAcross(s string, cut int) (string, bool) {
	for _, d := range Delimiters {
		for k := 1; k < len(d); k++ {
			start := cut - k
			if start >= 0 && start+len(d) <= len(s) && s[start:start+len(d)] == d {
				return d, true
			}
		}
	}
	return "", false
}
