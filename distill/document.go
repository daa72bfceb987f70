package distill

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dslipak/pdf"
)

// MaxDocumentSize caps transcript files at 50MB.
const MaxDocumentSize = 50 * 1024 * 1024

// ExtractDocument reads a transcript file and returns its raw text. PDF
// files are extracted with a pure Go parser; anything else is read as UTF-8
// text.
func ExtractDocument(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("ExtractDocument: stat: %w", err)
	}
	if info.Size() > MaxDocumentSize {
		return "", fmt.Errorf("ExtractDocument: %s exceeds %d byte limit", path, MaxDocumentSize)
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return extractPDF(path)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ExtractDocument: read: %w", err)
	}
	return string(b), nil
}

func extractPDF(path string) (string, error) {
	r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("ExtractDocument: open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("ExtractDocument: read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("ExtractDocument: read pdf text: %w", err)
	}
	return buf.String(), nil
}

var (
	pageHeaderPattern = regexp.MustCompile(`(?m)^.*?Page \d+.*?$`)
	multiBlankPattern = regexp.MustCompile(`\n{3,}`)
	spaceRunPattern   = regexp.MustCompile(`[ \t]+`)
)

// CleanTranscript normalizes raw transcript text: drops "Page N" header and
// footer lines, collapses whitespace runs, and keeps each speaker tag at the
// start of its own line so chunking and speaker extraction see them.
func CleanTranscript(text string) string {
	cleaned := strings.ReplaceAll(text, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = pageHeaderPattern.ReplaceAllString(cleaned, "")
	cleaned = spaceRunPattern.ReplaceAllString(cleaned, " ")

	// Speaker tags mid-line get pushed to a new line.
	cleaned = speakerMidlinePattern.ReplaceAllString(cleaned, "\n$1")

	lines := strings.Split(cleaned, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	cleaned = strings.Join(lines, "\n")
	cleaned = multiBlankPattern.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

var speakerMidlinePattern = regexp.MustCompile(`([A-Z][a-zA-Z]*\s*:)`)
