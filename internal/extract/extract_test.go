package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/54b3r/docindex-go/internal/rag"
)

// fakeRunner records its input and returns a canned result.
type fakeRunner struct {
	res   *RunResult
	err   error
	input []byte
	args  []string
}

func (f *fakeRunner) Run(_ context.Context, input []byte, args ...string) (*RunResult, error) {
	f.input = input
	f.args = args
	return f.res, f.err
}

func buildDOCX(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	doc := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`
	if _, err := w.Write([]byte(doc)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtract_Text(t *testing.T) {
	t.Parallel()
	e := New()
	tests := []struct {
		name string
		data []byte
		ct   string
		want string
	}{
		{"utf8", []byte("héllo wörld"), TypeText, "héllo wörld"},
		{"latin1 fallback", []byte("caf\xe9 cr\xe8me"), TypeText, "café crème"},
		{"bom stripped", []byte("\xef\xbb\xbf# Title"), TypeMarkdown, "# Title"},
		{"charset parameter", []byte("plain"), "text/plain; charset=utf-8", "plain"},
		{"empty", nil, TypeText, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := e.Extract(context.Background(), tc.data, tc.ct, "f.txt")
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if res.Text != tc.want {
				t.Errorf("text: want %q, got %q", tc.want, res.Text)
			}
			if res.PageCount != 1 {
				t.Errorf("page count: want 1, got %d", res.PageCount)
			}
		})
	}
}

func TestExtract_DOCX(t *testing.T) {
	t.Parallel()
	data := buildDOCX(t, `<w:p><w:r><w:t>Refund</w:t></w:r><w:r><w:t xml:space="preserve"> policy</w:t></w:r></w:p>`+
		`<w:p><w:r><w:t>   </w:t></w:r></w:p>`+
		`<w:p><w:r><w:t>Second</w:t><w:tab/><w:t>para</w:t></w:r></w:p>`)

	res, err := New().Extract(context.Background(), data, TypeDOCX, "a.docx")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if want := "Refund policy\n\nSecond\tpara"; res.Text != want {
		t.Errorf("text: want %q, got %q", want, res.Text)
	}
	if res.PageCount != 1 {
		t.Errorf("page count: want 1, got %d", res.PageCount)
	}
}

func TestExtract_CorruptDOCX(t *testing.T) {
	t.Parallel()
	_, err := New().Extract(context.Background(), []byte("not a zip"), TypeDOCX, "bad.docx")
	if !errors.Is(err, rag.ErrExtractionFailure) {
		t.Fatalf("want ErrExtractionFailure, got %v", err)
	}
}

func TestExtract_PDF(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{res: &RunResult{Stdout: []byte("page one\n\fpage two\n\f")}}
	e := New(WithRunner(r))
	data := []byte("%PDF-1.7 fake")

	res, err := e.Extract(context.Background(), data, TypePDF, "a.pdf")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Text != "page one\n\npage two" {
		t.Errorf("text: got %q", res.Text)
	}
	if res.PageCount != 2 {
		t.Errorf("page count: want 2, got %d", res.PageCount)
	}
	if !bytes.Equal(r.input, data) {
		t.Error("pdf bytes were not piped to the converter")
	}
}

func TestExtract_PDFBlankPagesCounted(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{res: &RunResult{Stdout: []byte("a\f\fc\f")}}
	res, err := New(WithRunner(r)).Extract(context.Background(), []byte("%PDF-1.4"), TypePDF, "a.pdf")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Text != "a\n\nc" || res.PageCount != 3 {
		t.Errorf("want %q/3, got %q/%d", "a\n\nc", res.Text, res.PageCount)
	}
}

func TestExtract_PDFFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		data   []byte
		runner *fakeRunner
	}{
		{"missing header", []byte("hello"), &fakeRunner{res: &RunResult{}}},
		{"binary missing", []byte("%PDF-1.4"), &fakeRunner{err: ErrBinaryNotFound}},
		{"non-zero exit", []byte("%PDF-1.4"), &fakeRunner{res: &RunResult{ExitCode: 1, Stderr: "Syntax Error"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(WithRunner(tc.runner)).Extract(context.Background(), tc.data, TypePDF, "a.pdf")
			if !errors.Is(err, rag.ErrExtractionFailure) {
				t.Fatalf("want ErrExtractionFailure, got %v", err)
			}
		})
	}
}

func TestExtract_Unsupported(t *testing.T) {
	t.Parallel()
	_, err := New().Extract(context.Background(), []byte("x"), "image/png", "a.png")
	if !errors.Is(err, rag.ErrUnsupportedType) || !errors.Is(err, rag.ErrExtractionFailure) {
		t.Fatalf("want ErrUnsupportedType and ErrExtractionFailure, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		declared, filename, want string
	}{
		{TypePDF, "x.bin", TypePDF},
		{"", "notes.md", TypeMarkdown},
		{"application/octet-stream", "Report.PDF", TypePDF},
		{"", "a.docx", TypeDOCX},
		{"", "image.png", ""},
		{"image/png", "image.txt", "image/png"},
		{"Text/Plain; charset=latin1", "x", TypeText},
	}
	for _, tc := range tests {
		if got := Resolve(tc.declared, tc.filename); got != tc.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tc.declared, tc.filename, got, tc.want)
		}
	}
}
