package ai

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	// MinTraitScore and MaxTraitScore bound the integer score a model may report.
	MinTraitScore = 0
	MaxTraitScore = 3

	scorePunctuation = ".,;:!?()[]{}\"'*`"
	trailingClutter  = ":;,-–—*|#"
)

var sectionLabels = map[string]struct{}{
	"feedback":      {},
	"score":         {},
	"reasoning":     {},
	"rationale":     {},
	"justification": {},
	"result":        {},
	"rating":        {},
	"grade":         {},
}

var labelQualifiers = map[string]struct{}{
	"final":   {},
	"overall": {},
	"trait":   {},
}

type token struct {
	text  string
	start int
}

// ParseTraitResponse extracts the trailing 0-3 score and the feedback preceding it. It never
// fails: a reply without a usable score yields a nil Score and an explanatory Feedback.
func ParseTraitResponse(content string) TraitResult {
	trimmed := strings.TrimSpace(content)
	tokens := tokenize(trimmed)

	texts := make([]string, len(tokens))
	for i, tok := range tokens {
		texts[i] = tok.text
	}

	score, index, ok := ScanScore(texts)
	if !ok {
		raw := trimmed
		if raw == "" {
			raw = "<empty reply>"
		}
		return TraitResult{
			Feedback: fmt.Sprintf("could not parse a %d-%d score from model output: %s", MinTraitScore, MaxTraitScore, raw),
			Raw:      content,
		}
	}

	return TraitResult{
		Score:    &score,
		Feedback: cleanFeedback(trimmed[:tokens[index].start]),
		Raw:      content,
	}
}

// ScanScore walks tokens from the last to the first and returns the first in-range score token
// with its index. Reaching a section label such as "Score:" before any score ends the search; a
// label glued to its value, as in "Score:3", is read as that value.
func ScanScore(tokens []string) (score int, index int, ok bool) {
	for i := len(tokens) - 1; i >= 0; i-- {
		if value, valid := scoreToken(tokens[i]); valid {
			return value, i, true
		}
		if rest, labelled := splitSectionLabel(tokens[i]); labelled {
			if value, valid := scoreToken(rest); valid {
				return value, i, true
			}
			return 0, -1, false
		}
		if isSectionLabel(tokens[i]) {
			return 0, -1, false
		}
	}
	return 0, -1, false
}

// scoreToken accepts digits wrapped only in punctuation; isDigits rejects "section_3" and "3rd".
func scoreToken(tok string) (int, bool) {
	stripped := strings.Trim(tok, scorePunctuation)
	if stripped == "" || !isDigits(stripped) {
		return 0, false
	}

	value, err := strconv.Atoi(stripped)
	if err != nil || value < MinTraitScore || value > MaxTraitScore {
		return 0, false
	}
	return value, true
}

// splitSectionLabel splits "<label>:<rest>" when label is a known section label.
func splitSectionLabel(tok string) (string, bool) {
	idx := strings.Index(tok, ":")
	if idx <= 0 {
		return "", false
	}
	if _, ok := sectionLabels[strings.ToLower(strings.Trim(tok[:idx], scorePunctuation))]; !ok {
		return "", false
	}
	return tok[idx+1:], true
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isSectionLabel(tok string) bool {
	lower := strings.ToLower(tok)
	if lower == "[result]" {
		return true
	}
	if !strings.Contains(lower, ":") {
		return false
	}
	_, ok := sectionLabels[strings.Trim(lower, scorePunctuation)]
	return ok
}

func tokenize(content string) []token {
	tokens := make([]token, 0)
	start := -1
	for i, r := range content {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{text: content[start:i], start: start})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{text: content[start:], start: start})
	}
	return tokens
}

// cleanFeedback drops the label and clutter that models leave between their prose and the score.
func cleanFeedback(text string) string {
	text = strings.TrimRightFunc(text, unicode.IsSpace)

	if word, cut := lastWord(text); isSectionLabel(word) {
		text = trimTrailing(text[:cut])
		if word, cut := lastWord(text); isQualifier(word) {
			text = text[:cut]
		}
	}
	text = trimTrailing(text)

	if tokens := tokenize(text); len(tokens) > 0 && isSectionLabel(tokens[0].text) {
		text = text[tokens[0].start+len(tokens[0].text):]
	}

	return strings.TrimSpace(text)
}

func lastWord(text string) (string, int) {
	cut := strings.LastIndexFunc(text, unicode.IsSpace) + 1
	return text[cut:], cut
}

// isQualifier matches a bare "Final" or "Overall" left in front of a label; "overall." ends a
// sentence and is kept.
func isQualifier(word string) bool {
	_, ok := labelQualifiers[strings.ToLower(word)]
	return ok
}

func trimTrailing(text string) string {
	return strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(trailingClutter, r)
	})
}
