// Package feedback validates revision feedback and re-runs generation with
// the feedback folded into context.
package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/generator"
	"github.com/anthropics/orion/internal/llm"
)

// Processor validates and applies revision feedback. The iteration cap is
// enforced by the workflow engine, not here.
type Processor struct {
	LLM     llm.Client
	Epics   *generator.EpicGenerator
	Stories *generator.StoryGenerator
	Log     *zap.Logger
}

// New creates a Processor.
func New(client llm.Client, epics *generator.EpicGenerator, stories *generator.StoryGenerator, log *zap.Logger) *Processor {
	return &Processor{LLM: client, Epics: epics, Stories: stories, Log: log}
}

type feedbackResponse struct {
	IsValid           bool    `json:"is_valid"`
	ProcessedFeedback string  `json:"processed_feedback"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
}

// ValidateFeedback judges whether feedback is constructive and actionable.
// When the model call or parse fails, the verdict degrades to invalid: an
// unverifiable revision request should not burn one of the session's
// bounded iterations.
func (p *Processor) ValidateFeedback(ctx context.Context, state *domain.SessionState, text string) domain.FeedbackResult {
	prompt := buildFeedbackPrompt(state, text)

	raw, err := p.LLM.Generate(ctx, prompt)
	if err != nil {
		p.Log.Warn("feedback validation unavailable, rejecting feedback",
			zap.String("component", "feedback"),
			zap.String("session_id", state.SessionID),
			zap.Error(err))
		return domain.FeedbackResult{
			Reasoning:  "feedback validation unavailable; please retry",
			Confidence: 0,
		}
	}

	var resp feedbackResponse
	if err := llm.DecodeJSON(raw, &resp); err != nil {
		p.Log.Warn("feedback verdict unparseable, rejecting feedback",
			zap.String("component", "feedback"),
			zap.String("session_id", state.SessionID),
			zap.Error(err))
		return domain.FeedbackResult{
			Reasoning:  "feedback validation unavailable; please retry",
			Confidence: 0,
		}
	}

	result := domain.FeedbackResult{
		IsValid:           resp.IsValid,
		ProcessedFeedback: resp.ProcessedFeedback,
		Reasoning:         resp.Reasoning,
		Confidence:        resp.Confidence,
	}
	p.Log.Info("feedback validated",
		zap.String("session_id", state.SessionID),
		zap.Bool("valid", result.IsValid))
	return result
}

// Apply regenerates the session's content with the feedback folded into
// the generation context, replacing the epic/story lists wholesale. It
// always appends the raw feedback to the history and increments the
// counter by exactly one, even when the regenerated content is identical.
func (p *Processor) Apply(ctx context.Context, state *domain.SessionState, text string) {
	state.FeedbackHistory = append(state.FeedbackHistory, text)
	state.FeedbackCount++

	genCtx := generator.Context{
		Persona:         state.Persona,
		Strategy:        state.Strategy,
		Domain:          state.Domain,
		Confidence:      state.AnalysisConfidence,
		Grounding:       state.GroundingContext,
		FeedbackHistory: state.FeedbackHistory,
		Iteration:       state.FeedbackCount,
	}

	if state.GenerationType.WantsEpics() {
		epics := p.Epics.Generate(ctx, state.SessionID, state.Requirement, genCtx, state.Questions)
		state.Epics = epics
		if len(epics) == 0 {
			state.AddError(fmt.Sprintf("feedback iteration %d produced no epics", state.FeedbackCount))
		}
	}
	if state.GenerationType.WantsStories() {
		stories := p.Stories.Generate(ctx, state.SessionID, state.Requirement, genCtx, state.Questions, state.Epics)
		state.UserStories = stories
		if len(stories) == 0 {
			state.AddError(fmt.Sprintf("feedback iteration %d produced no user stories", state.FeedbackCount))
		}
	}

	state.UpdatedAtUnix = time.Now().Unix()
	p.Log.Info("feedback applied",
		zap.String("session_id", state.SessionID),
		zap.Int("feedback_count", state.FeedbackCount),
		zap.Int("epics", len(state.Epics)),
		zap.Int("stories", len(state.UserStories)))
}

func buildFeedbackPrompt(state *domain.SessionState, text string) string {
	var b strings.Builder
	b.WriteString("You are an expert feedback validator for backlog generation systems.\n\n")
	b.WriteString("CONTEXT:\n")
	fmt.Fprintf(&b, "- HLR: %q\n", state.Requirement)
	fmt.Fprintf(&b, "- Current Epics Count: %d\n", len(state.Epics))
	fmt.Fprintf(&b, "- Current Stories Count: %d\n", len(state.UserStories))
	fmt.Fprintf(&b, "- Feedback: %q\n", text)
	b.WriteString(`
TASK: Validate if the feedback is constructive and actionable for improving the generated epics/user stories.

VALIDATION CRITERIA:
1. Specificity: is the feedback specific about what needs to change?
2. Actionability: can it be implemented in the generated content?
3. Relevance: is it relevant to the HLR and generated content?
4. Constructiveness: is it constructive rather than purely critical?

INVALID FEEDBACK EXAMPLES:
- Gibberish or nonsensical text
- Overly vague comments like "make it better"
- Feedback unrelated to the HLR or generated content
- Abusive or inappropriate language

RESPONSE FORMAT (JSON only):
{
  "is_valid": true,
  "processed_feedback": "Normalized, specific statement of the requested change",
  "reasoning": "Why the feedback is or is not actionable",
  "confidence": 0.95
}

Respond only with valid JSON.
`)
	return b.String()
}
