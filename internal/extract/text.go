package extract

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// decodeText interprets data as UTF-8, falling back to ISO-8859-1 when the
// bytes are not valid UTF-8. A leading UTF-8 byte order mark is dropped.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		s := string(data)
		if len(s) >= 3 && s[:3] == "\xef\xbb\xbf" {
			s = s[3:]
		}
		return s
	}
	// Every byte is a valid ISO-8859-1 code point, so this cannot fail.
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}
