package processor

import "strings"

// scoreQuality produces the 0.0–1.0 heuristic richness score. Additive:
// length thresholds, structural markers, and reasoning presence each
// contribute. The score only gates the enhancement hint; it never
// rejects content.
func scoreQuality(content, reasoning string) float64 {
	score := 0.0

	switch {
	case len(content) >= 200:
		score += 0.3
	case len(content) >= 100:
		score += 0.2
	case len(content) >= 40:
		score += 0.1
	}

	if strings.Contains(content, "\n") {
		score += 0.2
	}
	if strings.Contains(content, "**") {
		score += 0.1
	}
	if strings.Contains(content, "```") {
		score += 0.2
	}
	if strings.TrimSpace(reasoning) != "" {
		score += 0.2
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
