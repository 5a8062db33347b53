package classifier

import (
	"fmt"
	"strings"

	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

// buildSystemPrompt describes the category policy and the exact output
// contract. The model must answer with a bare JSON array so the tolerant
// parser has a single shape to target.
func buildSystemPrompt(tax taxonomy.Taxonomy) string {
	var b strings.Builder
	b.WriteString("You are a financial news classifier.\n")
	b.WriteString("Assign each numbered news item exactly one primary category from this list:\n")
	for _, c := range tax.Allowed {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\nRules:\n")
	b.WriteString(fmt.Sprintf("- Use %s for filler or nobody-cares macro chatter.\n", tax.FillerSentinel))
	b.WriteString("- Use NON_FINANCIAL for items with no financial relevance.\n")
	b.WriteString("- secondary_category is the stock ticker the item is primarily about, or GENERAL if none.\n")
	b.WriteString("- confidence is a number between 0 and 1.\n")
	b.WriteString("\nRespond with ONLY a JSON array, no prose and no code fences:\n")
	b.WriteString(`[{"news_id": 1, "primary_category": "CORPORATE_EARNINGS", "secondary_category": "AAPL", "confidence": 0.95}]`)
	return b.String()
}

// buildUserPrompt numbers the items; news_id in the response maps back to
// this numbering (1-based).
func buildUserPrompt(items []Input) string {
	var b strings.Builder
	b.WriteString("Classify the following news items:\n\n")
	for i, it := range items {
		b.WriteString(fmt.Sprintf("%d. Title: %s\n", i+1, it.Title))
		if it.Summary != "" && it.Summary != it.Title {
			b.WriteString(fmt.Sprintf("   Summary: %s\n", it.Summary))
		}
	}
	return b.String()
}
