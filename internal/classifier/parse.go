package classifier

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/finbrief/news-pipeline/internal/taxonomy"
)

// wireResult is the per-item shape the model is instructed to return.
type wireResult struct {
	NewsID            int     `json:"news_id"`
	PrimaryCategory   string  `json:"primary_category"`
	SecondaryCategory string  `json:"secondary_category"`
	Confidence        float64 `json:"confidence"`
}

// parseResults decodes the model response into exactly n results. A decode
// failure poisons the whole sub-batch with ERROR results; per-item problems
// (unknown category, missing news_id) degrade that item to UNCATEGORIZED.
func parseResults(tax taxonomy.Taxonomy, content string, n int) []Result {
	payload := stripFences(content)

	var wire []wireResult
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return errorResults(n, eris.Wrap(err, "classifier: parse response"))
	}

	results := make([]Result, n)
	for i := range results {
		results[i] = Result{Category: taxonomy.Uncategorized}
	}

	for _, w := range wire {
		idx := w.NewsID - 1
		if idx < 0 || idx >= n {
			continue
		}

		cat := taxonomy.Normalize(w.PrimaryCategory)
		if !tax.IsAllowed(cat) && cat != taxonomy.Uncategorized && cat != taxonomy.CategoryError {
			cat = taxonomy.Uncategorized
		}

		results[idx] = Result{
			Category:   cat,
			Symbol:     strings.ToUpper(strings.TrimSpace(w.SecondaryCategory)),
			Confidence: clamp01(w.Confidence),
		}
	}

	return results
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, that some models wrap JSON output in despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "[{") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func errorResults(n int, err error) []Result {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	results := make([]Result, n)
	for i := range results {
		results[i] = Result{Category: taxonomy.CategoryError, ErrorReason: reason}
	}
	return results
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
