package generator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/llm"
)

// EpicGenerator produces the epic list for a session.
type EpicGenerator struct {
	LLM llm.Client
	Log *zap.Logger
}

// NewEpicGenerator creates an EpicGenerator.
func NewEpicGenerator(client llm.Client, log *zap.Logger) *EpicGenerator {
	return &EpicGenerator{LLM: client, Log: log}
}

type epicResponse struct {
	Epics []struct {
		Title                string   `json:"title"`
		Description          string   `json:"description"`
		BusinessValue        string   `json:"business_value"`
		AcceptanceCriteria   []string `json:"acceptance_criteria"`
		Priority             string   `json:"priority"`
		EstimatedStoryPoints int      `json:"estimated_story_points"`
		Dependencies         []string `json:"dependencies"`
		Assumptions          []string `json:"assumptions"`
		Risks                []string `json:"risks"`
	} `json:"epics"`
}

// Generate produces a complete epic list. Zero validated answers is not an
// error: the generator still works from the requirement alone. On any
// failure it logs and returns an empty list; the caller surfaces that as a
// session error string, never a halt.
func (g *EpicGenerator) Generate(ctx context.Context, sessionID, requirement string, genCtx Context, questions []*domain.Question) []domain.Epic {
	prompt := buildEpicPrompt(requirement, genCtx, questions)

	raw, err := g.LLM.Generate(ctx, prompt)
	if err != nil {
		g.Log.Warn("epic generation failed",
			zap.String("component", "epic_generator"),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}

	var resp epicResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		g.Log.Warn("epic response unparseable",
			zap.String("component", "epic_generator"),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}

	epics := make([]domain.Epic, 0, len(resp.Epics))
	for i, e := range resp.Epics {
		if strings.TrimSpace(e.Title) == "" {
			continue
		}
		points := e.EstimatedStoryPoints
		if points < 1 {
			points = 1
		}
		epics = append(epics, domain.Epic{
			ID:                   fmt.Sprintf("epic_%s_%d", sessionID, i+1),
			Title:                e.Title,
			Description:          e.Description,
			BusinessValue:        e.BusinessValue,
			AcceptanceCriteria:   e.AcceptanceCriteria,
			Priority:             normalizePriority(e.Priority),
			EstimatedStoryPoints: points,
			Dependencies:         e.Dependencies,
			Assumptions:          e.Assumptions,
			Risks:                e.Risks,
		})
	}

	g.Log.Info("epics generated",
		zap.String("session_id", sessionID),
		zap.Int("count", len(epics)))
	return epics
}

func buildEpicPrompt(requirement string, genCtx Context, questions []*domain.Question) string {
	var b strings.Builder
	b.WriteString("You are an expert Epic writer. Generate comprehensive epics based on the analyzed requirement.\n\n")
	b.WriteString("CONTEXT:\n")
	fmt.Fprintf(&b, "HLR: %q\n", requirement)
	b.WriteString(genCtx.String())
	b.WriteString("\nQ&A CONTEXT:\n")
	b.WriteString(QAContext(questions))
	b.WriteString(`

TASK: Generate 2-4 well-structured epics that decompose the HLR effectively.

EPIC REQUIREMENTS:
1. Clear, actionable epic titles
2. Comprehensive descriptions with business context
3. Measurable business value statements
4. Detailed acceptance criteria
5. Priority assessment (Critical, High, Medium, Low)
6. Story point estimates
7. Dependencies, assumptions, and risks

RESPONSE FORMAT (JSON only):
{
  "epics": [
    {
      "title": "Epic title",
      "description": "Comprehensive description",
      "business_value": "Clear business value statement",
      "acceptance_criteria": ["criterion 1", "criterion 2"],
      "priority": "High",
      "estimated_story_points": 21,
      "dependencies": ["dependency"],
      "assumptions": ["assumption"],
      "risks": ["risk"]
    }
  ]
}

Respond only with valid JSON.
`)
	return b.String()
}

var knownPriorities = map[string]bool{
	"Critical": true,
	"High":     true,
	"Medium":   true,
	"Low":      true,
}

func normalizePriority(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "Medium"
	}
	titled := strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	if knownPriorities[titled] {
		return titled
	}
	return "Medium"
}
