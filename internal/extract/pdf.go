package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/54b3r/docindex-go/internal/rag"
)

// RunResult holds the output of an external command.
type RunResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// Runner executes an external converter with stdin wired to input.
// Tests inject a fake so no real process is spawned.
type Runner interface {
	Run(ctx context.Context, input []byte, args ...string) (*RunResult, error)
}

// ExecRunner runs Binary found on PATH.
type ExecRunner struct {
	Binary string
}

// ErrBinaryNotFound is returned when the converter is not installed.
var ErrBinaryNotFound = errors.New("extract: converter binary not found on PATH")

// Run executes the binary and captures stdout, stderr and the exit code.
// A non-zero exit is reported in RunResult, not as an error.
func (r ExecRunner) Run(ctx context.Context, input []byte, args ...string) (*RunResult, error) {
	path, err := exec.LookPath(r.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, r.Binary)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("extract: run %s: %w", r.Binary, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &RunResult{Stdout: stdout.Bytes(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// pdf converts data with `pdftotext -layout -enc UTF-8 - -`. pdftotext ends
// every page with a form feed, which gives the page count.
func (e *Extractor) pdf(ctx context.Context, data []byte, filename string) (Result, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return Result{}, fmt.Errorf("extract: %s: failed to parse PDF: missing %%PDF header: %w", filename, rag.ErrExtractionFailure)
	}
	res, err := e.runner.Run(ctx, data, "-layout", "-enc", "UTF-8", "-", "-")
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("extract: %s: %v: %w", filename, err, rag.ErrExtractionFailure)
	}
	if res.ExitCode != 0 {
		return Result{}, fmt.Errorf("extract: %s: failed to parse PDF: pdftotext exit %d: %s: %w",
			filename, res.ExitCode, strings.TrimSpace(res.Stderr), rag.ErrExtractionFailure)
	}
	text, pages := splitPages(string(res.Stdout))
	return Result{Text: text, PageCount: pages}, nil
}

// splitPages joins the non-blank pages of pdftotext output with blank lines
// and returns the total page count.
func splitPages(out string) (string, int) {
	out = strings.TrimSuffix(out, "\f")
	if out == "" {
		return "", 0
	}
	raw := strings.Split(out, "\f")
	pages := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	return strings.Join(pages, "\n\n"), len(raw)
}
