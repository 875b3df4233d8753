package pipeline

import (
	"sort"
	"strings"
)

// Relevance weights for Search. An exact name match dominates, word hits
// across name/description/tags accumulate, and a prefix match contributes a
// small fuzzy bonus.
const (
	exactMatchBonus  = 100.0
	wordHitWeight    = 10.0
	prefixMatchBonus = 5.0
)

// SearchResult is one scored hit from Search.
type SearchResult struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Search scores every registered pipeline against a free-text query and
// returns hits in descending relevance order. Zero-score entries are
// dropped.
func (r *Registry) Search(query string) []SearchResult {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	words := strings.Fields(query)

	r.mu.RLock()

	results := make([]SearchResult, 0, len(r.entries))

	for name, ent := range r.entries {
		score := scoreEntry(name, ent.meta, query, words)
		if score > 0 {
			results = append(results, SearchResult{Name: name, Score: score})
		}
	}

	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}

		return results[i].Name < results[j].Name
	})

	return results
}

func scoreEntry(name string, meta Metadata, query string, words []string) float64 {
	var score float64

	lowerName := strings.ToLower(name)
	if lowerName == query {
		score += exactMatchBonus
	} else if strings.HasPrefix(lowerName, query) {
		score += prefixMatchBonus
	}

	haystack := strings.ToLower(strings.Join(append([]string{
		name, meta.Description, meta.Category,
	}, meta.Tags...), " "))

	for _, word := range words {
		if strings.Contains(haystack, word) {
			score += wordHitWeight
		}
	}

	return score
}
