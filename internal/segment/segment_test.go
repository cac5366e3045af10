package segment

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunksEmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t  \n"} {
		if got := Chunks(in, 10); len(got) != 0 {
			t.Errorf("Chunks(%q) = %q, want no chunks", in, got)
		}
	}
}

func TestChunksSingle(t *testing.T) {
	got := Chunks("  Hello,\n\n   world!  ", 420)
	if len(got) != 1 || got[0] != "Hello, world!" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestChunksBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{
			name:   "sentence break preferred",
			text:   "One two. Three four five",
			maxLen: 16,
			want:   []string{"One two.", "Three four five"},
		},
		{
			name:   "rightmost of all punctuation",
			text:   "Yes! Really? No. Maybe so",
			maxLen: 18,
			want:   []string{"Yes! Really? No.", "Maybe so"},
		},
		{
			name:   "falls back to last space",
			text:   "alpha beta gamma delta",
			maxLen: 12,
			want:   []string{"alpha beta", "gamma delta"},
		},
		{
			name:   "unbroken run cut at max length",
			text:   "ab supercalifragilistic cd",
			maxLen: 6,
			want:   []string{"ab", "super", "califr", "agilis", "tic cd"},
		},
		{
			name:   "leading unbroken run",
			text:   "abcdefghijkl mn",
			maxLen: 5,
			want:   []string{"abcde", "fghij", "kl mn"},
		},
		{
			name:   "no whitespace at all",
			text:   "0123456789",
			maxLen: 4,
			want:   []string{"0123", "4567", "89"},
		},
		{
			name:   "punctuation at window start ignored",
			text:   ". abc defgh",
			maxLen: 8,
			want:   []string{". abc", "defgh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunks(tt.text, tt.maxLen)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Chunks(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestChunksLengthAndReassembly(t *testing.T) {
	texts := []string{
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40),
		strings.Repeat("word ", 300),
		"Short. " + strings.Repeat("x", 900) + " tail! Then more?  And  more\n\ttext.",
		strings.Repeat("Überraschung für Ärzte? Ja! ", 50),
		strings.Repeat("a", 50) + " " + strings.Repeat("b", 3),
	}
	for _, maxLen := range []int{1, 7, 40, 120, 420} {
		for _, text := range texts {
			chunks := Chunks(text, maxLen)
			for _, c := range chunks {
				if c == "" {
					t.Fatalf("empty chunk for maxLen=%d", maxLen)
				}
				if utf8.RuneCountInString(c) > maxLen {
					t.Errorf("chunk longer than %d: %q", maxLen, c)
				}
			}
			// Hard cuts split words, so compare without spaces.
			got := strings.ReplaceAll(strings.Join(chunks, ""), " ", "")
			if want := strings.ReplaceAll(Normalize(text), " ", ""); got != want {
				t.Errorf("reassembly mismatch for maxLen=%d\n got: %q\nwant: %q", maxLen, got, want)
			}
		}
	}
}

func TestChunksThreeWaySplit(t *testing.T) {
	// 1,000 characters with sentence ends at offsets 399 and 810.
	first := strings.Repeat("a", 399) + "."
	second := strings.Repeat("b", 409) + "."
	third := strings.Repeat("c", 188)
	text := first + " " + second + " " + third
	if n := len(text); n != 1000 {
		t.Fatalf("fixture length = %d", n)
	}
	// Make the long runs breakable only at the sentence ends.
	text = strings.Replace(text, strings.Repeat("a", 399), strings.Repeat("a ", 199)+"a", 1)
	text = strings.Replace(text, strings.Repeat("b", 409), strings.Repeat("b ", 204)+"b", 1)

	chunks := Chunks(text, 420)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %q", len(chunks), chunks)
	}
	if !strings.HasSuffix(chunks[0], "a.") || len(chunks[0]) != 400 {
		t.Errorf("first chunk should end at the first sentence (len %d)", len(chunks[0]))
	}
	if !strings.HasSuffix(chunks[1], "b.") || len(chunks[1]) != 410 {
		t.Errorf("second chunk should end at the second sentence (len %d)", len(chunks[1]))
	}
	if !strings.HasPrefix(chunks[2], "c") {
		t.Errorf("third chunk = %q", chunks[2])
	}
}

func TestSplitMetadata(t *testing.T) {
	chunks := Split("One. Two. Three.", 5)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i || c.Total != 3 {
			t.Errorf("chunk %d has index %d total %d", i, c.Index, c.Total)
		}
	}
}

func TestChunksDefaultMaxLen(t *testing.T) {
	text := strings.Repeat("word ", 200)
	if a, b := Chunks(text, 0), Chunks(text, DefaultMaxLen); strings.Join(a, "|") != strings.Join(b, "|") {
		t.Error("non-positive maxLen should use DefaultMaxLen")
	}
}
