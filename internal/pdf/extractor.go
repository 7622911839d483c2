// Package pdfutil pulls the plain text out of an uploaded résumé PDF and
// normalizes it for the optimization pipeline.
package pdfutil

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ExtractText reads PDF bytes and returns normalized résumé text. Page breaks
// become paragraph breaks so section structure survives extraction.
func ExtractText(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	return Normalize(builder.String()), nil
}

// ExtractFromReader drains the reader before passing along to ExtractText.
func ExtractFromReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	return ExtractText(data)
}

// Normalize cleans extracted résumé text: line endings unified, control bytes
// left over from PDF text runs dropped, trailing whitespace stripped, and runs
// of blank lines collapsed to a single paragraph break. Bullet glyphs that
// survive extraction, including the Symbol-font private-use one, are mapped to
// plain dashes so the provider sees the list structure.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\f", "\n\n")

	var out []string
	blanks := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(cleanLine(line), " \t")
		if line == "" {
			blanks++
			if blanks > 1 || len(out) == 0 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func cleanLine(line string) string {
	var b strings.Builder
	for _, r := range line {
		switch {
		case r == '\u2022' || r == '\u25cf' || r == '\u00b7' || r == '\uf0b7':
			b.WriteRune('-')
		case r == '\t':
			b.WriteRune(' ')
		case r < 0x20 || r == 0x7f:
			// PDF text runs can leak raw control bytes.
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
