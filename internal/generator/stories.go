package generator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/llm"
)

// StoryGenerator produces the user-story list for a session. Stories
// consume the completed epic list so they stay consistent with it.
type StoryGenerator struct {
	LLM llm.Client
	Log *zap.Logger
}

// NewStoryGenerator creates a StoryGenerator.
func NewStoryGenerator(client llm.Client, log *zap.Logger) *StoryGenerator {
	return &StoryGenerator{LLM: client, Log: log}
}

type storyResponse struct {
	UserStories []struct {
		EpicID             string   `json:"epic_id"`
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		UserPersona        string   `json:"user_persona"`
		AcceptanceCriteria []string `json:"acceptance_criteria"`
		DefinitionOfDone   []string `json:"definition_of_done"`
		StoryPoints        int      `json:"story_points"`
		Priority           string   `json:"priority"`
		Labels             []string `json:"labels"`
		Dependencies       []string `json:"dependencies"`
	} `json:"user_stories"`
}

// Generate produces a complete user-story list. The epic link is a soft
// reference: ids that match a generated epic are kept as-is, unknown ids
// are kept verbatim rather than rejected. Failures degrade to an empty
// list, logged.
func (g *StoryGenerator) Generate(ctx context.Context, sessionID, requirement string, genCtx Context, questions []*domain.Question, epics []domain.Epic) []domain.UserStory {
	prompt := buildStoryPrompt(requirement, genCtx, questions, epics)

	raw, err := g.LLM.Generate(ctx, prompt)
	if err != nil {
		g.Log.Warn("story generation failed",
			zap.String("component", "story_generator"),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}

	var resp storyResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		g.Log.Warn("story response unparseable",
			zap.String("component", "story_generator"),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}

	stories := make([]domain.UserStory, 0, len(resp.UserStories))
	for i, s := range resp.UserStories {
		if strings.TrimSpace(s.Title) == "" {
			continue
		}
		stories = append(stories, domain.UserStory{
			ID:                 fmt.Sprintf("story_%s_%d", sessionID, i+1),
			EpicID:             s.EpicID,
			Title:              s.Title,
			Description:        s.Description,
			UserPersona:        s.UserPersona,
			AcceptanceCriteria: s.AcceptanceCriteria,
			DefinitionOfDone:   s.DefinitionOfDone,
			StoryPoints:        SnapToScale(s.StoryPoints),
			Priority:           normalizePriority(s.Priority),
			Labels:             s.Labels,
			Dependencies:       s.Dependencies,
		})
	}

	g.Log.Info("user stories generated",
		zap.String("session_id", sessionID),
		zap.Int("count", len(stories)))
	return stories
}

// SnapToScale maps an estimate onto the discrete story-point scale,
// choosing the nearest member (ties round down). Non-positive input gets
// the default estimate of 3.
func SnapToScale(points int) int {
	if points <= 0 {
		return 3
	}
	best := domain.StoryPointScale[0]
	for _, v := range domain.StoryPointScale {
		if abs(points-v) < abs(points-best) {
			best = v
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func buildStoryPrompt(requirement string, genCtx Context, questions []*domain.Question, epics []domain.Epic) string {
	var b strings.Builder
	b.WriteString("You are an expert User Story writer. Generate comprehensive user stories based on the analyzed requirement.\n\n")
	b.WriteString("CONTEXT:\n")
	fmt.Fprintf(&b, "HLR: %q\n", requirement)
	b.WriteString(genCtx.String())
	b.WriteString("\nQ&A CONTEXT:\n")
	b.WriteString(QAContext(questions))
	b.WriteString("\n\nEPIC CONTEXT:\n")
	b.WriteString(EpicContext(epics))
	b.WriteString(`

TASK: Generate 5-12 well-structured user stories that implement the HLR effectively.

USER STORY REQUIREMENTS:
1. Follow standard format: "As a [user], I want [goal] so that [benefit]"
2. Clear, concise titles
3. Specific acceptance criteria and definition of done
4. Story point estimates from {1, 2, 3, 5, 8, 13}
5. Priority assessment (Critical, High, Medium, Low)
6. Appropriate labels and dependencies
7. Set "epic_id" to the id of the most relevant epic from EPIC CONTEXT, or omit it

RESPONSE FORMAT (JSON only):
{
  "user_stories": [
    {
      "epic_id": "epic_id_from_context",
      "title": "Story title",
      "description": "As a ..., I want ... so that ...",
      "user_persona": "Registered User",
      "acceptance_criteria": ["Given ... when ... then ..."],
      "definition_of_done": ["Code implemented and tested"],
      "story_points": 3,
      "priority": "High",
      "labels": ["backend"],
      "dependencies": ["dependency"]
    }
  ]
}

Ensure stories are independent, valuable, estimable, small, and testable.
Respond only with valid JSON.
`)
	return b.String()
}
