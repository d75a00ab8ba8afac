package ingestion

import (
	"path/filepath"
	"strings"

	"github.com/54b3r/docindex-go/internal/extract"
)

// InferMetadata derives best-effort document metadata from the upload's
// filename and resolved content type. Caller-supplied metadata takes
// precedence over anything returned here.
//
//	title      filename without extension, '_' and '-' turned into spaces
//	extension  lower-case extension without the dot
//	format     pdf | docx | markdown | text
func InferMetadata(filename, contentType string) map[string]string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := filepath.Ext(base)

	m := map[string]string{
		"format": formatOf(contentType),
	}
	if ext != "" {
		m["extension"] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}
	title := strings.TrimSuffix(base, ext)
	title = strings.NewReplacer("_", " ", "-", " ").Replace(title)
	if title = strings.Join(strings.Fields(title), " "); title != "" && title != "." {
		m["title"] = title
	}
	return m
}

func formatOf(contentType string) string {
	switch extract.Normalize(contentType) {
	case extract.TypePDF:
		return "pdf"
	case extract.TypeDOCX:
		return "docx"
	case extract.TypeMarkdown:
		return "markdown"
	default:
		return "text"
	}
}

// mergeMetadata overlays explicit on top of inferred.
func mergeMetadata(inferred, explicit map[string]string) map[string]string {
	out := make(map[string]string, len(inferred)+len(explicit))
	for k, v := range inferred {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}
