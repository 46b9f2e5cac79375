package report

import (
	"fmt"
	"strings"

	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/text/unicode/norm"
)

// fontFamily is the embedded UTF-8 family every report string is set in.
const fontFamily = "Go"

var bodyFace = mustParseFont(goregular.TTF)

func mustParseFont(data []byte) *sfnt.Font {
	f, err := sfnt.Parse(data)
	if err != nil {
		panic(fmt.Sprintf("report: parse embedded font: %v", err))
	}
	return f
}

// printable returns s trimmed and NFC-composed, the form the report prints.
func printable(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// missingGlyph returns the first rune of s the embedded font cannot draw.
// Runes outside the Basic Multilingual Plane are always reported; the PDF
// text encoding carries BMP code points only.
func missingGlyph(s string) (rune, bool) {
	var buf sfnt.Buffer
	for _, r := range s {
		if r > 0xFFFF {
			return r, true
		}
		idx, err := bodyFace.GlyphIndex(&buf, r)
		if err != nil || idx == 0 {
			return r, true
		}
	}
	return 0, false
}
