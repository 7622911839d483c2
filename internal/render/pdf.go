// Package render turns optimized résumé text into a PDF artifact.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// Template names accepted in a record's selectedTemplate field.
const (
	TemplateClassic = "classic"
	TemplateCompact = "compact"
)

type layout struct {
	font       string
	titleSize  float64
	bodySize   float64
	lineHeight float64
	margin     float64
}

var layouts = map[string]layout{
	TemplateClassic: {font: "Times", titleSize: 18, bodySize: 11, lineHeight: 5.5, margin: 20},
	TemplateCompact: {font: "Helvetica", titleSize: 14, bodySize: 9, lineHeight: 4.5, margin: 14},
}

// ResumePDF renders the optimized text as an A4 PDF. The first non-empty line
// is treated as the candidate name and set as the title; an unknown template
// falls back to the classic layout rather than failing the run.
func ResumePDF(text, template string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("render: empty resume text")
	}
	l, ok := layouts[template]
	if !ok {
		l = layouts[TemplateClassic]
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(l.margin, l.margin, l.margin)
	pdf.SetAutoPageBreak(true, l.margin)
	pdf.AddPage()
	// Core fonts are CP1252; translate so accented names survive.
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	title, body := splitTitle(lines)

	if title != "" {
		pdf.SetFont(l.font, "B", l.titleSize)
		pdf.MultiCell(0, l.lineHeight*1.6, tr(title), "", "L", false)
		pdf.Ln(l.lineHeight / 2)
	}
	pdf.SetFont(l.font, "", l.bodySize)
	for _, line := range body {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			pdf.Ln(l.lineHeight)
			continue
		}
		if isHeading(trimmed) {
			pdf.Ln(l.lineHeight / 2)
			pdf.SetFont(l.font, "B", l.bodySize+1)
			pdf.MultiCell(0, l.lineHeight, tr(trimmed), "", "L", false)
			pdf.SetFont(l.font, "", l.bodySize)
			continue
		}
		pdf.MultiCell(0, l.lineHeight, tr(trimmed), "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func splitTitle(lines []string) (string, []string) {
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), lines[i+1:]
		}
	}
	return "", nil
}

// isHeading treats short all-caps lines and lines ending with a colon as
// section headings (EXPERIENCE, Education:, ...).
func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) > 40 {
		return false
	}
	if strings.HasSuffix(trimmed, ":") {
		return true
	}
	hasLetter := false
	for _, r := range trimmed {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			hasLetter = true
		}
	}
	return hasLetter
}
