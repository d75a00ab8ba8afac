// Package chunker splits extracted document text into overlapping segments
// sized for embedding.
//
// Segments are measured in runes so multi-byte text is never split inside a
// code point. Each segment after the first starts Overlap runes before the
// previous segment's end; when a paragraph, sentence, line or word boundary
// falls within the tolerance window before the target size, the segment ends
// right after that boundary instead.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/54b3r/docindex-go/internal/config"
	"github.com/54b3r/docindex-go/internal/rag"
)

const (
	// DefaultSize is the default segment size in characters.
	DefaultSize = 1000

	// DefaultOverlap is the default overlap in characters.
	DefaultOverlap = 200

	// charsPerToken approximates tokens for Latin-script text.
	charsPerToken = 4
)

// Unit selects how Size and Overlap are measured.
type Unit string

const (
	UnitChars  Unit = "chars"
	UnitTokens Unit = "tokens"
)

// Config holds the chunking parameters.
type Config struct {
	// Size is the target segment length.
	Size int

	// Overlap is how much each segment repeats from the end of the previous one.
	// Must be smaller than Size.
	Overlap int

	// Unit is chars (default) or tokens. Token sizes are converted to
	// characters with a fixed chars-per-token ratio.
	Unit Unit

	// Tolerance is how far before the target end a natural breakpoint may
	// be taken. Zero means Size/10.
	Tolerance int
}

// ConfigFromEnv reads CHUNK_SIZE, CHUNK_OVERLAP and CHUNK_UNIT.
func ConfigFromEnv() Config {
	return Config{
		Size:    config.EnvInt("CHUNK_SIZE", DefaultSize),
		Overlap: config.EnvInt("CHUNK_OVERLAP", DefaultOverlap),
		Unit:    Unit(config.Env("CHUNK_UNIT", string(UnitChars))),
	}
}

// Segment is one chunk of the input text.
type Segment struct {
	Index int
	Text  string

	// Start and End are rune offsets, End exclusive.
	Start int
	End   int

	// Overlap is the number of leading runes repeated from the previous segment.
	Overlap int
}

// Chunker splits text into Segments. It is immutable and safe for
// concurrent use.
type Chunker struct {
	size    int
	overlap int
	tol     int
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	size, overlap := cfg.Size, cfg.Overlap
	switch cfg.Unit {
	case "", UnitChars:
	case UnitTokens:
		size *= charsPerToken
		overlap *= charsPerToken
	default:
		return nil, fmt.Errorf("chunker: unknown unit %q: %w", cfg.Unit, rag.ErrInvalidInput)
	}

	if size <= 0 {
		return nil, fmt.Errorf("chunker: size must be positive, got %d: %w", cfg.Size, rag.ErrInvalidInput)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: overlap must not be negative, got %d: %w", cfg.Overlap, rag.ErrInvalidInput)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunker: overlap %d must be smaller than size %d: %w", cfg.Overlap, cfg.Size, rag.ErrInvalidInput)
	}

	tol := cfg.Tolerance
	if tol <= 0 {
		tol = size / 10
	}
	// A segment must always end past start+overlap or the next one would
	// not advance.
	if limit := size - overlap - 1; tol > limit {
		tol = limit
	}

	return &Chunker{size: size, overlap: overlap, tol: tol}, nil
}

// Size returns the effective segment size in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the effective overlap in characters.
func (c *Chunker) Overlap() int { return c.overlap }

// Split divides text into ordered segments. Empty or whitespace-only text
// yields no segments; other text no longer than the segment size yields
// exactly one.
func (c *Chunker) Split(text string) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)

	segments := make([]Segment, 0, n/(c.size-c.overlap)+1)
	start, overlap := 0, 0
	for {
		end := n
		if n-start > c.size {
			end = c.cut(runes, start)
		}
		segments = append(segments, Segment{
			Index:   len(segments),
			Text:    string(runes[start:end]),
			Start:   start,
			End:     end,
			Overlap: overlap,
		})
		if end == n {
			return segments
		}
		start, overlap = end-c.overlap, c.overlap
	}
}

// breakers are tried in order; the first that matches anywhere in the
// tolerance window wins, latest position first.
var breakers = []func(r []rune, end int) bool{
	// paragraph
	func(r []rune, end int) bool {
		return end >= 2 && r[end-1] == '\n' && r[end-2] == '\n'
	},
	// sentence
	func(r []rune, end int) bool {
		return end >= 2 && unicode.IsSpace(r[end-1]) && strings.ContainsRune(".!?", r[end-2])
	},
	// line
	func(r []rune, end int) bool {
		return end >= 1 && r[end-1] == '\n'
	},
	// word
	func(r []rune, end int) bool {
		return end >= 1 && unicode.IsSpace(r[end-1])
	},
}

// cut returns the exclusive end offset of the segment starting at start.
func (c *Chunker) cut(r []rune, start int) int {
	hi := start + c.size
	lo := hi - c.tol
	for _, isBreak := range breakers {
		for end := hi; end >= lo; end-- {
			if isBreak(r, end) {
				return end
			}
		}
	}
	return hi
}

// Reconstruct joins segments back into the original text by dropping each
// segment's overlap prefix.
func Reconstruct(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		r := []rune(s.Text)
		b.WriteString(string(r[s.Overlap:]))
	}
	return b.String()
}

// EstimateTokens returns a rough token count for s using the
// chars-per-token heuristic. Non-empty strings count at least one token.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	if t := n / charsPerToken; t > 0 {
		return t
	}
	return 1
}
