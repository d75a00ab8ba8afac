package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

const docxBodyPart = "word/document.xml"

// docxText reads every non-blank paragraph of the main document part and
// joins them with blank lines.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	for _, f := range zr.File {
		if f.Name != docxBodyPart {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return paragraphs(rc)
	}
	return "", errors.New("missing " + docxBodyPart)
}

// paragraphs walks the WordprocessingML token stream. Text runs (w:t) are
// concatenated within a paragraph (w:p); tabs and breaks inside runs become
// whitespace.
func paragraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		out    []string
		cur    strings.Builder
		inRun  bool
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "r":
				inRun = true
			case "t":
				inText = true
			case "tab":
				if inRun {
					cur.WriteByte('\t')
				}
			case "br", "cr":
				if inRun {
					cur.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun = false
			case "t":
				inText = false
			case "p":
				if p := cur.String(); strings.TrimSpace(p) != "" {
					out = append(out, p)
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return strings.Join(out, "\n\n"), nil
}
