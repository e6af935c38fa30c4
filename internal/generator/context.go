// Package generator produces epics and user stories from the accumulated
// requirement, validated answers, and (for stories) prior epics.
package generator

import (
	"fmt"
	"strings"

	"github.com/anthropics/orion/internal/domain"
)

// Context bundles the session attributes folded into generation prompts.
// On regeneration, FeedbackHistory and Iteration carry the revision loop.
type Context struct {
	Persona         string
	Strategy        domain.Strategy
	Domain          string
	Confidence      float64
	Grounding       string
	FeedbackHistory []string
	Iteration       int
}

// String renders the context block shared by epic and story prompts.
func (c Context) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona: %s\n", c.Persona)
	fmt.Fprintf(&b, "Slicing Type: %s\n", c.Strategy)
	if c.Domain != "" {
		fmt.Fprintf(&b, "Domain: %s\n", c.Domain)
	}
	fmt.Fprintf(&b, "Analysis Confidence: %.2f\n", c.Confidence)
	if c.Grounding != "" {
		b.WriteString("\n")
		b.WriteString(c.Grounding)
		b.WriteString("\n")
	}
	if len(c.FeedbackHistory) > 0 {
		fmt.Fprintf(&b, "\nRevision iteration %d. Apply this feedback to the regenerated content:\n", c.Iteration)
		for _, f := range c.FeedbackHistory {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// QAContext renders the answered questions for a generation prompt.
// Skipped and unanswered questions contribute nothing.
func QAContext(questions []*domain.Question) string {
	var parts []string
	for _, q := range questions {
		if !q.Answered || q.Skipped {
			continue
		}
		parts = append(parts, fmt.Sprintf("Q: %s\nA: %s", q.Text, q.Answer))
	}
	if len(parts) == 0 {
		return "No clarifying answers were provided."
	}
	return strings.Join(parts, "\n\n")
}

// EpicContext renders already-generated epics for the story prompt so
// stories stay thematically consistent with them.
func EpicContext(epics []domain.Epic) string {
	if len(epics) == 0 {
		return "No epics available."
	}
	var parts []string
	for _, e := range epics {
		parts = append(parts, fmt.Sprintf("Epic %s: %s\nDescription: %s", e.ID, e.Title, e.Description))
	}
	return strings.Join(parts, "\n\n")
}
