package search

import "fmt"

// coverageLabel buckets a coverage percent into the threshold names spec.md
// §4.6 step 7 defines.
func coverageLabel(percent int) string {
	switch {
	case percent == 0:
		return "empty"
	case percent < 25:
		return "very_low"
	case percent < 50:
		return "low"
	case percent < 75:
		return "medium"
	case percent < 95:
		return "high"
	default:
		return "complete"
	}
}

// buildCoverage computes the Coverage block for a query, attaching a
// human-readable warning when the semantic retriever only indexed part of
// the corpus.
func buildCoverage(matched, embedded, total int) Coverage {
	percent := 0
	if total > 0 {
		percent = (embedded*100 + total/2) / total
		if percent > 100 {
			percent = 100
		}
	}
	label := coverageLabel(percent)

	c := Coverage{
		MatchedDocuments:  matched,
		EmbeddedDocuments: embedded,
		Percent:           percent,
		Label:             label,
	}
	if label == "empty" || label == "very_low" || label == "low" {
		c.Warning = fmt.Sprintf(
			"Semantic search indexed only %d%% of notes; FTS ran on the rest.", percent)
	}
	return c
}
