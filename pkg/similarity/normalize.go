// Package similarity provides text normalization and token similarity scoring.
package similarity

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Normalize prepares raw text for token comparison: markup is stripped,
// everything is lowercased, anything that is not a letter, digit or space
// becomes a space, and runs of whitespace collapse to one space.
func Normalize(text string) string {
	text = StripMarkup(text)
	text = strings.ToLower(text)

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// StripMarkup removes HTML tags and decodes entities, returning plain text.
// Catalog descriptions routinely arrive as rich text. Input without markup is
// returned untouched; parse failures fall back to the raw string.
func StripMarkup(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return text
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}
	return doc.Text()
}

// Tokenize splits normalized text into comparison tokens. Tokens of length
// two or less and stop words are dropped; they carry no ranking signal.
func Tokenize(normalized string) []string {
	if normalized == "" {
		return nil
	}
	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) <= 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// stopwords covers the two languages catalog text arrives in, Ukrainian and
// English.
var stopwords = map[string]struct{}{
	// Ukrainian
	"і": {}, "в": {}, "на": {}, "з": {}, "до": {}, "для": {}, "та": {},
	"або": {}, "але": {}, "при": {}, "про": {}, "від": {}, "по": {},
	"як": {}, "це": {}, "що": {}, "чи": {}, "ми": {}, "ви": {}, "він": {},
	"вона": {}, "воно": {}, "вони": {}, "їх": {}, "всі": {}, "коли": {},
	"який": {}, "яка": {}, "яке": {}, "які": {},
	// English
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"from": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"been": {},
}
