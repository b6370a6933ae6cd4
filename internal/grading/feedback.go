package grading

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// IncompleteMarker replaces the score line of a trait that could not be combined.
const IncompleteMarker = "[Scoring Incomplete]"

const incompleteFeedback = "This trait could not be scored automatically. Your teacher will review it."

var feedbackPolicy = bluemonday.StrictPolicy()

// Compose renders the student-facing report. Traits appear in the order given and internal
// reconciliation notes are never included.
func Compose(scores []CombinedScore, grade float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall AI Grade: %s/100\n", formatDecimal(grade))

	maxLabel := strconv.FormatFloat(MaxTraitScore, 'f', -1, 64)
	for _, score := range scores {
		b.WriteString("\n### ")
		b.WriteString(singleLine(score.Trait))
		b.WriteString("\n")

		if score.Score != nil {
			percent := TraitPercent(*score.Score, MaxTraitScore)
			if score.Percent != nil {
				percent = *score.Percent
			}
			fmt.Fprintf(&b, "Score: %d/%s (%s%%)\n", *score.Score, maxLabel, formatDecimal(percent))
		} else {
			b.WriteString("Score: " + IncompleteMarker + "\n")
		}

		feedback := SanitizeFeedback(score.StudentFeedback)
		if feedback == "" && score.Score == nil {
			feedback = incompleteFeedback
		}
		if feedback == "" {
			continue
		}
		for _, line := range strings.Split(feedback, "\n") {
			line = strings.TrimRightFunc(line, isSpace)
			if line == "" {
				b.WriteString(">\n")
				continue
			}
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// SanitizeFeedback strips any markup from model output while keeping the plain text readable.
func SanitizeFeedback(text string) string {
	cleaned := html.UnescapeString(feedbackPolicy.Sanitize(text))
	return strings.TrimSpace(strings.ReplaceAll(cleaned, "\r\n", "\n"))
}

func formatDecimal(value float64) string {
	return strconv.FormatFloat(round1(value), 'f', 1, 64)
}

func singleLine(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r'
}
