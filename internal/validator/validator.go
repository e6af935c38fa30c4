// Package validator scores a single question/answer pair for relevance,
// completeness, clarity, and actionability.
package validator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/llm"
)

// Verdict fallback when the model call or its parse fails. Leaning valid
// keeps a flaky model from ever blocking the user mid-session.
var defaultResult = domain.ValidationResult{
	IsValid:      true,
	OverallScore: 0.7,
	Confidence:   0.5,
}

// Validator produces a verdict on one answer.
type Validator struct {
	LLM llm.Client
	Log *zap.Logger
}

// New creates a Validator.
func New(client llm.Client, log *zap.Logger) *Validator {
	return &Validator{LLM: client, Log: log}
}

type validationResponse struct {
	IsValid        bool               `json:"is_valid"`
	OverallScore   float64            `json:"overall_score"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
	Issues         []string           `json:"issues"`
	Suggestions    []string           `json:"suggestions"`
	Confidence     float64            `json:"confidence"`
}

// Validate scores an answer against its question and the requirement. It
// never returns an error: failures degrade to the documented default.
func (v *Validator) Validate(ctx context.Context, requirement string, question domain.Question, answer string) domain.ValidationResult {
	prompt := buildValidationPrompt(requirement, question, answer)

	raw, err := v.LLM.Generate(ctx, prompt)
	if err != nil {
		v.Log.Warn("answer validation degraded to default verdict",
			zap.String("component", "validator"),
			zap.String("question_id", question.ID),
			zap.Error(err))
		return defaultResult
	}

	var resp validationResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		v.Log.Warn("validation response unparseable, using default verdict",
			zap.String("component", "validator"),
			zap.String("question_id", question.ID),
			zap.Error(err))
		return defaultResult
	}

	result := domain.ValidationResult{
		IsValid:        resp.IsValid,
		OverallScore:   clamp01(resp.OverallScore),
		CriteriaScores: clampScores(resp.CriteriaScores),
		Issues:         resp.Issues,
		Suggestions:    resp.Suggestions,
		Confidence:     clamp01(resp.Confidence),
	}

	v.Log.Info("answer validated",
		zap.String("question_id", question.ID),
		zap.Bool("valid", result.IsValid),
		zap.Float64("score", result.OverallScore))
	return result
}

func buildValidationPrompt(requirement string, question domain.Question, answer string) string {
	var b strings.Builder
	b.WriteString("You are a validation expert for requirement decomposition.\n\n")
	b.WriteString("Context:\n")
	fmt.Fprintf(&b, "- HLR: %q\n", requirement)
	fmt.Fprintf(&b, "- Question: %q\n", question.Text)
	if question.Context != "" {
		fmt.Fprintf(&b, "- Question Context: %q\n", question.Context)
	}
	fmt.Fprintf(&b, "- User Response: %q\n", answer)
	if len(question.ValidationCriteria) > 0 {
		fmt.Fprintf(&b, "- Validation Criteria: %s\n", strings.Join(question.ValidationCriteria, ", "))
	}
	b.WriteString(`
Validate the response for:
1. Relevance to the question and HLR
2. Completeness and detail level
3. Clarity and specificity
4. Consistency with the overall requirement
5. Actionability for story creation

Also detect gibberish, vague or generic responses, and content unrelated
to the requirement. Be strict: a response is only valid if it genuinely
helps with story decomposition.

Response format (JSON only):
{
  "is_valid": true,
  "overall_score": 0.85,
  "criteria_scores": {
    "relevance": 0.9,
    "completeness": 0.8,
    "clarity": 0.85,
    "actionability": 0.8
  },
  "issues": ["list of issues found"],
  "suggestions": ["list of improvement suggestions"],
  "confidence": 0.9
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

func clampScores(scores map[string]float64) map[string]float64 {
	if scores == nil {
		return nil
	}
	out := make(map[string]float64, len(scores))
	for k, s := range scores {
		out[k] = clamp01(s)
	}
	return out
}
