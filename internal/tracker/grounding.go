package tracker

import (
	"fmt"
	"sort"
	"strings"
)

// BuildGroundingContext summarizes a project's issues into guidance text
// that biases generation toward the project's existing patterns. Empty
// issues produce an empty context, not an error.
func BuildGroundingContext(projectKey string, issues []Issue) string {
	if len(issues) == 0 {
		return ""
	}

	typeCounts := map[string]int{}
	statusCounts := map[string]int{}
	for _, is := range issues {
		if is.Type != "" {
			typeCounts[is.Type]++
		}
		if is.Status != "" {
			statusCounts[is.Status]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project Context Analysis for %s:\n", projectKey)
	fmt.Fprintf(&b, "- Total Issues: %d\n", len(issues))
	fmt.Fprintf(&b, "- Issue Types: %s\n", formatCounts(typeCounts))
	fmt.Fprintf(&b, "- Status Distribution: %s\n", formatCounts(statusCounts))
	fmt.Fprintf(&b, "- Most common issue type: %s\n", topKey(typeCounts))
	fmt.Fprintf(&b, "- Primary workflow stage: %s\n", topKey(statusCounts))

	b.WriteString("\nRecent issues:\n")
	for i, is := range issues {
		if i == 10 {
			break
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, %s)\n", is.Key, is.Summary, is.Type, is.Status)
	}

	b.WriteString("\nRecommendations:\n")
	b.WriteString("- Align new epics and stories with the project's existing issue types and workflow\n")
	b.WriteString("- Follow the project's naming conventions\n")
	b.WriteString("- Identify dependencies on current in-progress items\n")

	return b.String()
}

// formatCounts renders counts sorted by frequency, then name for stability.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "n/a"
	}
	type entry struct {
		name  string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for name, n := range counts {
		entries = append(entries, entry{name, n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s=%d", e.name, e.count))
	}
	return strings.Join(parts, ", ")
}

func topKey(counts map[string]int) string {
	best, bestN := "n/a", 0
	for name, n := range counts {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}
