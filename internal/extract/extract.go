// Package extract turns uploaded bytes into plain text. Plain text and
// Markdown are decoded in-process, DOCX files are read from their
// word/document.xml part, and PDFs are handed to pdftotext through a Runner.
package extract

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/54b3r/docindex-go/internal/rag"
)

// Supported content types.
const (
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeText     = "text/plain"
	TypeMarkdown = "text/markdown"
)

// extensions maps lower-case file extensions to their content type.
var extensions = map[string]string{
	".pdf":      TypePDF,
	".docx":     TypeDOCX,
	".txt":      TypeText,
	".text":     TypeText,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text      string
	PageCount int
}

// Extractor dispatches on content type. The zero value is not usable; call New.
type Extractor struct {
	runner Runner
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRunner replaces the pdftotext runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(e *Extractor) { e.runner = r }
}

// New returns an Extractor that shells out to pdftotext on PATH for PDFs.
func New(opts ...Option) *Extractor {
	e := &Extractor{runner: ExecRunner{Binary: "pdftotext"}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported reports whether contentType can be extracted.
func Supported(contentType string) bool {
	switch Normalize(contentType) {
	case TypePDF, TypeDOCX, TypeText, TypeMarkdown:
		return true
	}
	return false
}

// Normalize lower-cases contentType and drops any parameters such as charset.
func Normalize(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// ContentTypeFor returns the content type implied by filename's extension,
// or "" when the extension is not supported.
func ContentTypeFor(filename string) string {
	return extensions[strings.ToLower(filepath.Ext(filename))]
}

// Resolve picks the effective content type for an upload. A declared type is
// trusted when supported; an empty or generic declaration falls back to the
// file extension.
func Resolve(declared, filename string) string {
	ct := Normalize(declared)
	if Supported(ct) {
		return ct
	}
	if ct == "" || ct == "application/octet-stream" || ct == "binary/octet-stream" {
		if inferred := ContentTypeFor(filename); inferred != "" {
			return inferred
		}
	}
	return ct
}

// Extract returns the text content of data. Unsupported types wrap both
// rag.ErrUnsupportedType and rag.ErrExtractionFailure; unreadable files wrap
// rag.ErrExtractionFailure.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType, filename string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch ct := Normalize(contentType); ct {
	case TypeText, TypeMarkdown:
		return Result{Text: decodeText(data), PageCount: 1}, nil
	case TypeDOCX:
		text, err := docxText(data)
		if err != nil {
			return Result{}, fmt.Errorf("extract: %s: failed to parse DOCX: %v: %w", filename, err, rag.ErrExtractionFailure)
		}
		return Result{Text: text, PageCount: 1}, nil
	case TypePDF:
		return e.pdf(ctx, data, filename)
	default:
		return Result{}, fmt.Errorf("extract: %s: content type %q: %w: %w",
			filename, contentType, rag.ErrUnsupportedType, rag.ErrExtractionFailure)
	}
}
