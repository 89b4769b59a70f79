package checks

import (
	"fmt"
	"strings"
)

// Style checks draft text against the style bible: word-count bounds,
// passive voice and adverb heuristics, forbidden words, POV breaks.
type Style struct{}

func (Style) Name() string { return "style" }

var passiveIndicators = []string{"was being", "were being", "had been", "has been"}

func (Style) Run(in Input) Result {
	var findings []Finding
	words := strings.Fields(in.DraftText)
	wordCount := len(words)
	lower := strings.ToLower(in.DraftText)

	minWords := in.Style.MinWordCount
	if minWords == 0 {
		minWords = 100
	}
	if wordCount < minWords {
		findings = append(findings, Finding{
			Severity:   "warning",
			Issue:      fmt.Sprintf("Draft is too short (%d words, minimum %d)", wordCount, minWords),
			Suggestion: fmt.Sprintf("Expand the draft to at least %d words", minWords),
		})
	}

	maxWords := in.Style.MaxWordCount
	if maxWords == 0 {
		maxWords = 5000
	}
	if wordCount > maxWords {
		findings = append(findings, Finding{
			Severity:   "warning",
			Issue:      fmt.Sprintf("Draft is too long (%d words, maximum %d)", wordCount, maxWords),
			Suggestion: fmt.Sprintf("Consider splitting the scene or trimming to %d words", maxWords),
		})
	}

	passiveCount := 0
	for _, ind := range passiveIndicators {
		passiveCount += strings.Count(lower, ind)
	}
	if passiveCount > 5 {
		findings = append(findings, Finding{
			Severity:   "info",
			Issue:      fmt.Sprintf("High passive voice usage (%d instances detected)", passiveCount),
			Suggestion: "Consider using more active voice for stronger prose",
		})
	}

	adverbs := 0
	for _, w := range words {
		if len(w) > 4 && strings.HasSuffix(strings.ToLower(w), "ly") {
			adverbs++
		}
	}
	if wordCount > 0 && float64(adverbs)/float64(wordCount) > 0.03 {
		findings = append(findings, Finding{
			Severity:   "info",
			Issue:      fmt.Sprintf("Consider reducing adverb usage (%d adverbs in %d words)", adverbs, wordCount),
			Suggestion: "Replace adverbs with stronger verbs where possible",
		})
	}

	for _, word := range in.Style.ForbiddenWords {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			findings = append(findings, Finding{
				Severity:   "error",
				Issue:      fmt.Sprintf("Forbidden word/phrase found: '%s'", word),
				Suggestion: "Remove or replace this word/phrase",
			})
		}
	}

	if in.Style.POV == "first" {
		for _, ind := range []string{" he said", " she said", " they said"} {
			if strings.Contains(lower, ind) {
				findings = append(findings, Finding{
					Severity:   "warning",
					Issue:      fmt.Sprintf("Possible POV break: '%s' in first-person narrative", strings.TrimSpace(ind)),
					Suggestion: "Ensure consistent first-person POV",
				})
			}
		}
	}

	return Result{CheckType: "style", Passed: !hasErrors(findings), Findings: findings}
}
