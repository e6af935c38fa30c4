// Package analyzer classifies a requirement and produces the clarifying
// questions that drive the Q&A phase.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/llm"
)

// Classification fallback used whenever the model call or its parse fails.
// The workflow never halts on an analysis hiccup; it degrades to this.
var defaultAnalysis = domain.Analysis{
	Strategy:   domain.StrategyFunctional,
	Persona:    "Business Analyst",
	Domain:     "general",
	Complexity: "Medium",
	UserTypes:  []string{"user"},
	Confidence: 0.5,
}

// Analyzer turns a raw requirement into a classification and questions.
type Analyzer struct {
	LLM          llm.Client
	Log          *zap.Logger
	MaxQuestions int
}

// New creates an Analyzer. maxQuestions bounds the question list; values
// below 1 fall back to 8.
func New(client llm.Client, log *zap.Logger, maxQuestions int) *Analyzer {
	if maxQuestions < 1 {
		maxQuestions = 8
	}
	return &Analyzer{LLM: client, Log: log, MaxQuestions: maxQuestions}
}

type analysisResponse struct {
	SlicingType        string   `json:"slicing_type"`
	RecommendedPersona string   `json:"recommended_persona"`
	Domain             string   `json:"domain"`
	Complexity         string   `json:"complexity"`
	UserTypes          []string `json:"user_types"`
	MainFeatures       []string `json:"main_features"`
	Confidence         float64  `json:"confidence"`
}

// Analyze classifies the requirement. It never returns an error: on any
// failure to obtain or parse a model response it logs and returns the
// documented defaults.
func (a *Analyzer) Analyze(ctx context.Context, requirement, grounding string) domain.Analysis {
	prompt := buildAnalysisPrompt(requirement, grounding)

	raw, err := a.LLM.Generate(ctx, prompt)
	if err != nil {
		a.Log.Warn("requirement analysis degraded to defaults",
			zap.String("component", "analyzer"), zap.Error(err))
		return defaultAnalysis
	}

	var resp analysisResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		a.Log.Warn("requirement analysis response unparseable, using defaults",
			zap.String("component", "analyzer"), zap.Error(err))
		return defaultAnalysis
	}

	analysis := domain.Analysis{
		Strategy:     normalizeStrategy(resp.SlicingType),
		Persona:      resp.RecommendedPersona,
		Domain:       resp.Domain,
		Complexity:   resp.Complexity,
		UserTypes:    resp.UserTypes,
		MainFeatures: resp.MainFeatures,
		Confidence:   clamp01(resp.Confidence),
	}
	if analysis.Persona == "" {
		analysis.Persona = defaultAnalysis.Persona
	}
	if analysis.Domain == "" {
		analysis.Domain = defaultAnalysis.Domain
	}
	if analysis.Complexity == "" {
		analysis.Complexity = defaultAnalysis.Complexity
	}

	a.Log.Info("requirement analyzed",
		zap.String("strategy", string(analysis.Strategy)),
		zap.String("persona", analysis.Persona),
		zap.Float64("confidence", analysis.Confidence))
	return analysis
}

type questionsResponse struct {
	Questions []struct {
		Question           string   `json:"question"`
		Context            string   `json:"context"`
		Reasoning          string   `json:"reasoning"`
		Priority           int      `json:"priority"`
		Required           *bool    `json:"required"`
		ValidationCriteria []string `json:"validation_criteria"`
	} `json:"questions"`
}

// GenerateQuestions produces the ordered clarifying-question list. On any
// failure it logs and returns an empty list; the workflow then proceeds
// straight to generation with no clarification.
func (a *Analyzer) GenerateQuestions(ctx context.Context, requirement string, strategy domain.Strategy, persona, grounding string) []domain.Question {
	prompt := buildQuestionPrompt(requirement, strategy, persona, grounding)

	raw, err := a.LLM.Generate(ctx, prompt)
	if err != nil {
		a.Log.Warn("question generation failed, continuing without questions",
			zap.String("component", "analyzer"), zap.Error(err))
		return nil
	}

	var resp questionsResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		a.Log.Warn("question response unparseable, continuing without questions",
			zap.String("component", "analyzer"), zap.Error(err))
		return nil
	}

	questions := make([]domain.Question, 0, len(resp.Questions))
	for _, q := range resp.Questions {
		if len(questions) == a.MaxQuestions {
			break
		}
		text := strings.TrimSpace(q.Question)
		if text == "" {
			continue
		}
		required := true
		if q.Required != nil {
			required = *q.Required
		}
		questions = append(questions, domain.Question{
			ID:                 "q_" + uuid.NewString()[:8],
			Text:               text,
			Context:            q.Context,
			Reasoning:          q.Reasoning,
			Priority:           clampPriority(q.Priority),
			Required:           required,
			ValidationCriteria: q.ValidationCriteria,
			ValidationStatus:   domain.ValidationPending,
		})
	}

	a.Log.Info("clarifying questions generated", zap.Int("count", len(questions)))
	return questions
}

func buildAnalysisPrompt(requirement, grounding string) string {
	var b strings.Builder
	b.WriteString("You are an expert Business Analyst specializing in requirement analysis.\n\n")
	b.WriteString("Analyze the following High-Level Requirement and determine the optimal decomposition approach:\n\n")
	fmt.Fprintf(&b, "HLR: %q\n\n", requirement)
	if grounding != "" {
		b.WriteString(grounding)
		b.WriteString("\n\n")
	}
	b.WriteString("Available slicing approaches:\n")
	for _, s := range []domain.Strategy{domain.StrategyFunctional, domain.StrategyTechnical, domain.StrategyUserJourney} {
		info := strategyCatalog[s]
		fmt.Fprintf(&b, "- %s: %s\n", s, info.Description)
	}
	b.WriteString(`
Provide analysis as JSON:
{
  "slicing_type": "functional|technical|user_journey",
  "recommended_persona": "most suitable persona",
  "domain": "identified business domain",
  "complexity": "Low|Medium|High",
  "user_types": ["list of user personas"],
  "main_features": ["key functional areas"],
  "confidence": 0.0
}

JSON only - no additional text.
`)
	return b.String()
}

func buildQuestionPrompt(requirement string, strategy domain.Strategy, persona, grounding string) string {
	info := strategyCatalog[normalizeStrategy(string(strategy))]

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert %s analyzing requirements for backlog creation.\n\n", persona)
	b.WriteString("Context:\n")
	fmt.Fprintf(&b, "- HLR: %q\n", requirement)
	fmt.Fprintf(&b, "- Slicing Approach: %s\n", info.Name)
	fmt.Fprintf(&b, "- Focus Areas: %s\n\n", strings.Join(info.FocusAreas, ", "))
	if grounding != "" {
		b.WriteString(grounding)
		b.WriteString("\n\n")
	}
	b.WriteString(`Generate 5-7 specific, actionable questions that will help decompose this HLR into user stories.

Requirements:
1. Questions must be directly relevant to the HLR
2. Each question should uncover critical details for story creation
3. Questions should be specific and actionable
4. Include both functional and technical aspects
5. Consider integration points and edge cases
6. Prioritize questions by importance (1=highest, 5=lowest)

Response format (JSON only):
{
  "questions": [
    {
      "question": "What specific user roles will interact with this system?",
      "context": "Understanding user types helps define personas and access patterns",
      "reasoning": "User roles directly impact story structure and acceptance criteria",
      "priority": 1,
      "required": true,
      "validation_criteria": ["must_be_specific", "must_relate_to_hlr"]
    }
  ]
}

JSON only - no additional text.
`)
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampPriority(p int) int {
	if p < 1 {
		return 3
	}
	if p > 5 {
		return 5
	}
	return p
}
