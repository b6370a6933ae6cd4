package grading

import (
	"fmt"
	"math"
	"strings"
)

const justificationPreviewRunes = 160

// Reconciliation is the result of combining one primary and one secondary score.
type Reconciliation struct {
	Final   int
	Outcome Outcome
	Note    string
}

// RoundScore rounds half away from zero and clamps to the 0-3 scale.
func RoundScore(value float64) int {
	rounded := int(math.Round(value))
	if rounded < 0 {
		return 0
	}
	if rounded > int(MaxTraitScore) {
		return int(MaxTraitScore)
	}
	return rounded
}

// Combine reconciles a primary score with the reasoning model's integer score.
//
// Equal scores are kept. A one point disagreement takes the rounded mean of both. Anything
// wider defers to the reasoning model, whose justification is quoted in the note.
func Combine(primary float64, secondary int, justification string) Reconciliation {
	rounded := RoundScore(primary)
	diff := rounded - secondary
	if diff < 0 {
		diff = -diff
	}

	switch {
	case diff == 0:
		return Reconciliation{
			Final:   secondary,
			Outcome: OutcomeAgreement,
			Note:    fmt.Sprintf("agreement: primary %.2f (rounded %d) matches secondary %d", primary, rounded, secondary),
		}
	case diff == 1:
		final := int(math.Round(float64(rounded+secondary) / 2))
		return Reconciliation{
			Final:   final,
			Outcome: OutcomeAveraged,
			Note: fmt.Sprintf("averaged disagreement: primary %.2f (rounded %d), secondary %d, final %d",
				primary, rounded, secondary, final),
		}
	default:
		return Reconciliation{
			Final:   secondary,
			Outcome: OutcomeOverridden,
			Note: fmt.Sprintf("secondary override: primary %.2f (rounded %d), secondary %d; justification: %q",
				primary, rounded, secondary, justificationPreview(justification)),
		}
	}
}

func justificationPreview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= justificationPreviewRunes {
		return text
	}
	return string(runes[:justificationPreviewRunes]) + "..."
}
