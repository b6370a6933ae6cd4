package ai

import "strings"

// MaxEssayChars caps the essay excerpt sent with each trait prompt.
const MaxEssayChars = 2000

func traitSystemPrompt() string {
	return "You are an experienced writing teacher grading one rubric trait of a student essay. " +
		"Judge the essay only against the rubric definition you are given."
}

// BuildTraitPrompt renders the per-trait instruction for the reasoning model.
func BuildTraitPrompt(input TraitInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Trait\n")
	builder.WriteString(input.Name)
	builder.WriteString("\n\n## Rubric Definition\n")
	builder.WriteString(input.Definition)
	builder.WriteString("\n\n## Essay\n")
	builder.WriteString(essayExcerpt(input.Essay))
	builder.WriteString("\n\n## Instructions\n")
	builder.WriteString("1. Write 2-4 sentences of constructive feedback addressed directly to the student. ")
	builder.WriteString("Ground every point in the rubric definition above and name one concrete improvement.\n")
	builder.WriteString("2. Then, on its own final line, write the score for this trait as a single integer from 0 to 3.\n")
	builder.WriteString("The integer must be the very last token of your reply: no label, no trailing punctuation, nothing after it.")
	return builder.String()
}

func essayExcerpt(essay string) string {
	essay = strings.TrimSpace(essay)
	runes := []rune(essay)
	if len(runes) <= MaxEssayChars {
		return essay
	}
	return string(runes[:MaxEssayChars])
}
