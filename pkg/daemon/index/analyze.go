package index

import (
	"slices"
	"strings"
	"unicode"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Tokenize lowercases text and splits it on anything that is not a letter or
// a digit. Duplicates are removed; order of first occurrence is kept.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Terms returns the posting terms of a document: every token on its own and
// qualified by its field name, plus the area and content type.
func Terms(doc *changelog.Document) []string {
	terms := []string{
		"@area:" + doc.Area,
	}
	if doc.ContentType != "" {
		terms = append(terms, "@type:"+strings.ToLower(doc.ContentType))
	}

	for field, value := range doc.Fields {
		field = strings.ToLower(field)
		for _, tok := range Tokenize(value) {
			terms = append(terms, tok, field+":"+tok)
		}
	}

	slices.Sort(terms)
	return slices.Compact(terms)
}
