package style

import (
	"regexp"
	"strings"
	"unicode"
)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// CountWords counts whitespace-separated tokens containing a letter or digit
func CountWords(text string) int {
	n := 0
	for _, f := range strings.Fields(text) {
		if hasWordRune(f) {
			n++
		}
	}
	return n
}

// Words returns lowercased word tokens with surrounding punctuation removed
func Words(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
		})
		w = strings.Trim(w, "'-")
		if w == "" || !hasWordRune(w) {
			continue
		}
		out = append(out, strings.ToLower(w))
	}
	return out
}

// SplitSentences splits text on terminal punctuation. Closing quotes after the
// terminator stay with the sentence.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && (isTerminator(runes[end]) || isClosingQuote(runes[end])) {
			end++
		}
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			i = end - 1
			continue
		}
		if s := strings.TrimSpace(string(runes[start:end])); hasWordRune(s) {
			sentences = append(sentences, s)
		}
		start = end
		i = end - 1
	}

	if s := strings.TrimSpace(string(runes[start:])); hasWordRune(s) {
		sentences = append(sentences, s)
	}
	return sentences
}

// SplitParagraphs splits on blank lines, falling back to single newlines when
// the text has no blank lines
func SplitParagraphs(text string) []string {
	var parts []string
	if paragraphBreak.MatchString(text) {
		parts = paragraphBreak.Split(text, -1)
	} else {
		parts = strings.Split(text, "\n")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasDialogue reports whether a paragraph contains quoted speech
func HasDialogue(paragraph string) bool {
	return strings.ContainsAny(paragraph, "\"“”«»「")
}

// FirstSentence returns the opening sentence of text
func FirstSentence(text string) string {
	s := SplitSentences(text)
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// LastSentence returns the closing sentence of text
func LastSentence(text string) string {
	s := SplitSentences(text)
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '\'' || r == '”' || r == '’' || r == ')' || r == '»'
}
