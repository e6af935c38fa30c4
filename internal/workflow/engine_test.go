package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/llm"
	"github.com/anthropics/orion/internal/store"
	"github.com/anthropics/orion/internal/tracker"
)

const analysisJSON = `{
	"slicing_type": "functional",
	"recommended_persona": "Product Owner",
	"domain": "e-commerce",
	"complexity": "Medium",
	"user_types": ["shopper", "admin"],
	"main_features": ["cart", "checkout"],
	"confidence": 0.8
}`

const questionsJSON = `{
	"questions": [
		{"question": "Which payment providers must be supported?", "context": "payments", "reasoning": "scopes checkout", "priority": 1, "required": true},
		{"question": "Is guest checkout required?", "context": "accounts", "reasoning": "affects auth stories", "priority": 2, "required": false}
	]
}`

const validJSON = `{"is_valid": true, "overall_score": 0.9, "criteria_scores": {"relevance": 0.9}, "confidence": 0.9}`

const invalidJSON = `{"is_valid": false, "overall_score": 0.2, "issues": ["too vague"], "confidence": 0.8}`

const epicsJSON = `{
	"epics": [
		{"title": "Shopping Cart", "description": "Cart management", "business_value": "Core purchase flow", "acceptance_criteria": ["items persist"], "priority": "High", "estimated_story_points": 21},
		{"title": "Checkout", "description": "Payment and order placement", "business_value": "Revenue", "acceptance_criteria": ["order created"], "priority": "Critical", "estimated_story_points": 13}
	]
}`

const storiesJSON = `{
	"user_stories": [
		{"epic_id": "unknown_epic", "title": "Add item to cart", "description": "As a shopper, I want to add items so that I can buy them", "user_persona": "Shopper", "acceptance_criteria": ["item appears in cart"], "definition_of_done": ["tested"], "story_points": 4, "priority": "High"},
		{"title": "Pay by card", "description": "As a shopper, I want to pay by card so that I can complete my order", "user_persona": "Shopper", "acceptance_criteria": ["payment captured"], "definition_of_done": ["tested"], "story_points": 8, "priority": "Critical"}
	]
}`

const feedbackValidJSON = `{"is_valid": true, "processed_feedback": "add refund stories", "reasoning": "specific and actionable", "confidence": 0.9}`

const feedbackInvalidJSON = `{"is_valid": false, "processed_feedback": "", "reasoning": "too vague", "confidence": 0.8}`

// scriptedLLM routes each prompt to a canned response by matching the
// prompt's role preamble. It records every prompt it sees.
type scriptedLLM struct {
	validation string
	feedback   string
	prompts    []string
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	switch {
	case strings.Contains(prompt, "Available slicing approaches"):
		return analysisJSON, nil
	case strings.Contains(prompt, "help decompose this HLR"):
		return questionsJSON, nil
	case strings.Contains(prompt, "validation expert"):
		return s.validation, nil
	case strings.Contains(prompt, "feedback validator"):
		return s.feedback, nil
	case strings.Contains(prompt, "Epic writer"):
		return epicsJSON, nil
	case strings.Contains(prompt, "User Story writer"):
		return storiesJSON, nil
	}
	return "", fmt.Errorf("unmatched prompt: %.60s", prompt)
}

// failingLLM simulates a model outage on every call.
type failingLLM struct{}

func (failingLLM) Generate(context.Context, string) (string, error) {
	return "", errors.New("model unavailable")
}

func newTestEngine(t *testing.T, client llm.Client, tc tracker.Client) *Engine {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng, err := NewEngine(db, client, tc, zap.NewNop(), 8)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func createAndAnalyze(t *testing.T, eng *Engine) *domain.SessionState {
	t.Helper()
	ctx := context.Background()

	state, err := eng.CreateSession(ctx, CreateSessionRequest{
		Requirement: "Build an online store with cart and checkout",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	state, err = eng.Analyze(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return state
}

func TestIsValidTransition(t *testing.T) {
	cases := []struct {
		from, to domain.Phase
		want     bool
	}{
		{domain.PhaseInput, domain.PhaseAnalyzing, true},
		{domain.PhaseAnalyzing, domain.PhaseQuestioning, true},
		{domain.PhaseQuestioning, domain.PhaseValidating, true},
		{domain.PhaseQuestioning, domain.PhaseGenerating, true},
		{domain.PhaseValidating, domain.PhaseQuestioning, true},
		{domain.PhaseGenerating, domain.PhaseFeedback, true},
		{domain.PhaseFeedback, domain.PhaseGenerating, true},
		{domain.PhaseFeedback, domain.PhaseComplete, true},
		{domain.PhaseInput, domain.PhaseGenerating, false},
		{domain.PhaseComplete, domain.PhaseFeedback, false},
		{domain.PhaseAnalyzing, domain.PhaseFeedback, false},
		{domain.PhaseGenerating, domain.PhaseQuestioning, false},
	}
	for _, tc := range cases {
		if got := IsValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEngine_NewEngine_RequiresLLM(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if _, err := NewEngine(db, nil, nil, zap.NewNop(), 8); err == nil {
		t.Fatal("expected error with nil llm client, got nil")
	}
}

func TestEngine_CreateSession_Validation(t *testing.T) {
	eng := newTestEngine(t, &scriptedLLM{}, nil)
	ctx := context.Background()

	if _, err := eng.CreateSession(ctx, CreateSessionRequest{Requirement: "   "}); err == nil {
		t.Error("expected error for empty requirement")
	}
	if _, err := eng.CreateSession(ctx, CreateSessionRequest{
		Requirement:  "x",
		WorkflowType: "mystery",
	}); err == nil {
		t.Error("expected error for unknown workflow type")
	}
	if _, err := eng.CreateSession(ctx, CreateSessionRequest{
		Requirement:    "x",
		GenerationType: "everything",
	}); err == nil {
		t.Error("expected error for unknown generation type")
	}
	if _, err := eng.CreateSession(ctx, CreateSessionRequest{
		Requirement:  "x",
		WorkflowType: domain.WorkflowExistingProject,
	}); err == nil {
		t.Error("expected error for existing-project workflow without project key")
	}
	if _, err := eng.CreateSession(ctx, CreateSessionRequest{
		Requirement:  "x",
		WorkflowType: domain.WorkflowExistingProject,
		ProjectKey:   "SHOP",
	}); err == nil {
		t.Error("expected error for existing-project workflow without a tracker")
	}
}

func TestEngine_CreateSession_Defaults(t *testing.T) {
	eng := newTestEngine(t, &scriptedLLM{}, nil)

	state, err := eng.CreateSession(context.Background(), CreateSessionRequest{
		Requirement: "Build a thing",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if state.Phase != domain.PhaseInput {
		t.Errorf("Phase = %q, want input", state.Phase)
	}
	if state.WorkflowType != domain.WorkflowNewRequirement {
		t.Errorf("WorkflowType = %q, want new", state.WorkflowType)
	}
	if state.GenerationType != domain.GenerateBoth {
		t.Errorf("GenerationType = %q, want both", state.GenerationType)
	}
	if !strings.HasPrefix(state.SessionID, "orion_") {
		t.Errorf("SessionID = %q, want orion_ prefix", state.SessionID)
	}
}

func TestEngine_FullWorkflow(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON, feedback: feedbackValidJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	if state.Phase != domain.PhaseQuestioning {
		t.Fatalf("Phase = %q, want questioning", state.Phase)
	}
	if state.Strategy != domain.StrategyFunctional {
		t.Errorf("Strategy = %q, want functional", state.Strategy)
	}
	if len(state.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(state.Questions))
	}

	for _, q := range state.Questions {
		state2, err := eng.SubmitAnswer(ctx, state.SessionID, q.ID, "Stripe and PayPal, guest checkout required")
		if err != nil {
			t.Fatalf("SubmitAnswer(%s): %v", q.ID, err)
		}
		if state2.Phase != domain.PhaseQuestioning {
			t.Errorf("Phase after answer = %q, want questioning", state2.Phase)
		}
	}

	state, err := eng.Generate(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if state.Phase != domain.PhaseFeedback {
		t.Errorf("Phase = %q, want feedback", state.Phase)
	}
	if len(state.Epics) != 2 {
		t.Errorf("expected 2 epics, got %d", len(state.Epics))
	}
	if len(state.UserStories) != 2 {
		t.Errorf("expected 2 stories, got %d", len(state.UserStories))
	}
	if state.OverallConfidence < 0 || state.OverallConfidence > 1 {
		t.Errorf("OverallConfidence = %f, want within [0,1]", state.OverallConfidence)
	}

	// Story points snap onto the discrete scale.
	for _, st := range state.UserStories {
		onScale := false
		for _, v := range domain.StoryPointScale {
			if st.StoryPoints == v {
				onScale = true
			}
		}
		if !onScale {
			t.Errorf("story %s points = %d, not on scale", st.ID, st.StoryPoints)
		}
	}

	// Unknown epic ids survive verbatim as soft references.
	if state.UserStories[0].EpicID != "unknown_epic" {
		t.Errorf("EpicID = %q, want unknown_epic kept verbatim", state.UserStories[0].EpicID)
	}

	state, err = eng.Accept(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if state.Phase != domain.PhaseComplete {
		t.Errorf("Phase = %q, want complete", state.Phase)
	}

	// Completed sessions take no further feedback.
	if _, _, err := eng.SubmitFeedback(ctx, state.SessionID, "more stories"); err == nil {
		t.Error("expected error submitting feedback to a complete session")
	}
}

func TestEngine_SetPersona(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	if state.Persona != "Product Owner" {
		t.Fatalf("Persona = %q, want analyzer recommendation", state.Persona)
	}

	state, err := eng.SetPersona(ctx, state.SessionID, "Technical Lead")
	if err != nil {
		t.Fatalf("SetPersona: %v", err)
	}
	if state.Persona != "Technical Lead" {
		t.Errorf("Persona = %q, want Technical Lead", state.Persona)
	}
	if !state.PersonaOverridden {
		t.Error("PersonaOverridden not set")
	}

	// The override is a one-shot.
	if _, err := eng.SetPersona(ctx, state.SessionID, "QA Engineer"); !errors.Is(err, domain.ErrPersonaOverridden) {
		t.Errorf("second override: err = %v, want ErrPersonaOverridden", err)
	}
	if _, err := eng.SetPersona(ctx, state.SessionID, "  "); !errors.Is(err, domain.ErrEmptyPersona) {
		t.Errorf("blank persona: err = %v, want ErrEmptyPersona", err)
	}

	// The chosen persona reaches the generation prompts.
	for _, q := range state.Questions {
		if _, err := eng.SubmitAnswer(ctx, state.SessionID, q.ID, "detailed answer"); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}
	llmStub.prompts = nil
	if _, err := eng.Generate(ctx, state.SessionID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	seen := false
	for _, prompt := range llmStub.prompts {
		if strings.Contains(prompt, "Persona: Technical Lead") {
			seen = true
		}
	}
	if !seen {
		t.Error("overridden persona missing from generation prompts")
	}
}

func TestEngine_SetPersona_OnlyBeforeGeneration(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state, err := eng.CreateSession(ctx, CreateSessionRequest{Requirement: "Build a store"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := eng.SetPersona(ctx, state.SessionID, "Technical Lead"); !errors.Is(err, domain.ErrWrongPhase) {
		t.Errorf("override before analysis: err = %v, want ErrWrongPhase", err)
	}

	state = createAndAnalyze(t, eng)
	for _, q := range state.Questions {
		if _, err := eng.SubmitAnswer(ctx, state.SessionID, q.ID, "detailed answer"); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}
	if _, err := eng.Generate(ctx, state.SessionID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := eng.SetPersona(ctx, state.SessionID, "Technical Lead"); !errors.Is(err, domain.ErrWrongPhase) {
		t.Errorf("override after generation: err = %v, want ErrWrongPhase", err)
	}
}

func TestEngine_Generate_RequiresResolvedQuestions(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	if _, err := eng.Generate(ctx, state.SessionID); !errors.Is(err, domain.ErrQuestionsUnresolved) {
		t.Fatalf("Generate with open questions: err = %v, want ErrQuestionsUnresolved", err)
	}
}

func TestEngine_InvalidAnswer_RecordedButZeroConfidence(t *testing.T) {
	llmStub := &scriptedLLM{validation: invalidJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	qID := state.Questions[0].ID

	state, err := eng.SubmitAnswer(ctx, state.SessionID, qID, "stuff")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	q := state.QuestionByID(qID)
	// Validity gates confidence, not progress: the answer still counts.
	if !q.Answered {
		t.Error("question not marked answered on invalid verdict")
	}
	if q.ValidationStatus != domain.ValidationInvalid {
		t.Errorf("ValidationStatus = %q, want invalid", q.ValidationStatus)
	}
	if state.OverallConfidence != 0 {
		t.Errorf("OverallConfidence = %f, want exactly 0 with no valid answers", state.OverallConfidence)
	}

	// A later, valid answer replaces the verdict for the same question.
	llmStub.validation = validJSON
	state, err = eng.SubmitAnswer(ctx, state.SessionID, qID, "Stripe only, via hosted checkout")
	if err != nil {
		t.Fatalf("SubmitAnswer retry: %v", err)
	}
	q = state.QuestionByID(qID)
	if q.ValidationStatus != domain.ValidationValid {
		t.Errorf("retry not recorded: status=%q", q.ValidationStatus)
	}
	if state.OverallConfidence != 0.9 {
		t.Errorf("OverallConfidence = %f, want 0.9", state.OverallConfidence)
	}
}

func TestEngine_AllInvalidAnswersStillGenerate(t *testing.T) {
	llmStub := &scriptedLLM{validation: invalidJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	for _, q := range state.Questions {
		if _, err := eng.SubmitAnswer(ctx, state.SessionID, q.ID, "N/A"); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}

	state, err := eng.Generate(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Generate with all-invalid answers: %v", err)
	}
	if state.Phase != domain.PhaseFeedback {
		t.Errorf("Phase = %q, want feedback", state.Phase)
	}
	if state.OverallConfidence != 0 {
		t.Errorf("OverallConfidence = %f, want exactly 0", state.OverallConfidence)
	}
}

func TestEngine_SkipQuestion(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	qID := state.Questions[0].ID

	state, err := eng.SkipQuestion(ctx, state.SessionID, qID)
	if err != nil {
		t.Fatalf("SkipQuestion: %v", err)
	}
	q := state.QuestionByID(qID)
	if !q.Skipped || q.Answer != domain.SkipSentinel {
		t.Errorf("skip not recorded: skipped=%v answer=%q", q.Skipped, q.Answer)
	}

	// Skipping again is a no-op.
	if _, err := eng.SkipQuestion(ctx, state.SessionID, qID); err != nil {
		t.Fatalf("repeated SkipQuestion: %v", err)
	}

	// A skipped question cannot be answered afterwards.
	if _, err := eng.SubmitAnswer(ctx, state.SessionID, qID, "late answer"); err == nil {
		t.Error("expected error answering a skipped question")
	}
}

func TestEngine_SkippedAnswersNeverReachGeneration(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	if _, err := eng.SubmitAnswer(ctx, state.SessionID, state.Questions[0].ID, "Stripe and PayPal"); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if _, err := eng.SkipQuestion(ctx, state.SessionID, state.Questions[1].ID); err != nil {
		t.Fatalf("SkipQuestion: %v", err)
	}

	llmStub.prompts = nil
	if _, err := eng.Generate(ctx, state.SessionID); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for _, prompt := range llmStub.prompts {
		if strings.Contains(prompt, domain.SkipSentinel) {
			t.Fatal("skip sentinel leaked into a generation prompt")
		}
		if strings.Contains(prompt, "Is guest checkout required?") {
			t.Fatal("skipped question leaked into a generation prompt")
		}
	}
}

func TestEngine_FeedbackLoop_CapAndAutoComplete(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON, feedback: feedbackValidJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	for _, q := range state.Questions {
		if _, err := eng.SubmitAnswer(ctx, state.SessionID, q.ID, "detailed answer about checkout"); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}
	if _, err := eng.Generate(ctx, state.SessionID); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Invalid feedback costs no iteration and changes nothing.
	llmStub.feedback = feedbackInvalidJSON
	state, result, err := eng.SubmitFeedback(ctx, state.SessionID, "meh")
	if err != nil {
		t.Fatalf("SubmitFeedback (invalid): %v", err)
	}
	if result.IsValid {
		t.Error("expected invalid verdict")
	}
	if state.FeedbackCount != 0 {
		t.Errorf("FeedbackCount = %d after invalid feedback, want 0", state.FeedbackCount)
	}
	if state.Phase != domain.PhaseFeedback {
		t.Errorf("Phase = %q after invalid feedback, want feedback", state.Phase)
	}

	// Three valid iterations exhaust the loop; the third completes the session.
	llmStub.feedback = feedbackValidJSON
	for i := 1; i <= MaxFeedbackIterations; i++ {
		state, result, err = eng.SubmitFeedback(ctx, state.SessionID, fmt.Sprintf("revision %d: add refund stories", i))
		if err != nil {
			t.Fatalf("SubmitFeedback %d: %v", i, err)
		}
		if !result.IsValid {
			t.Fatalf("iteration %d rejected", i)
		}
		if state.FeedbackCount != i {
			t.Errorf("FeedbackCount = %d, want %d", state.FeedbackCount, i)
		}
	}
	if state.Phase != domain.PhaseComplete {
		t.Errorf("Phase = %q after final iteration, want complete", state.Phase)
	}
	if len(state.FeedbackHistory) != MaxFeedbackIterations {
		t.Errorf("FeedbackHistory length = %d, want %d", len(state.FeedbackHistory), MaxFeedbackIterations)
	}
}

func TestEngine_DegradesWhenModelUnavailable(t *testing.T) {
	eng := newTestEngine(t, failingLLM{}, nil)
	ctx := context.Background()

	state, err := eng.CreateSession(ctx, CreateSessionRequest{Requirement: "Build a store"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	state, err = eng.Analyze(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if state.Strategy != domain.StrategyFunctional {
		t.Errorf("Strategy = %q, want functional fallback", state.Strategy)
	}
	if state.Persona != "Business Analyst" {
		t.Errorf("Persona = %q, want Business Analyst fallback", state.Persona)
	}
	if state.AnalysisConfidence != 0.5 {
		t.Errorf("AnalysisConfidence = %f, want 0.5", state.AnalysisConfidence)
	}
	if len(state.Questions) != 0 {
		t.Errorf("expected no questions on outage, got %d", len(state.Questions))
	}
	if len(state.Errors) == 0 {
		t.Error("expected a session error noting the missing questions")
	}

	// No questions means generation can proceed immediately.
	state, err = eng.Generate(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if state.Phase != domain.PhaseFeedback {
		t.Errorf("Phase = %q, want feedback", state.Phase)
	}
	if len(state.Epics) != 0 || len(state.UserStories) != 0 {
		t.Error("expected empty content on outage")
	}

	foundEpicErr, foundStoryErr := false, false
	for _, e := range state.Errors {
		if strings.Contains(e, "no epics") {
			foundEpicErr = true
		}
		if strings.Contains(e, "no user stories") {
			foundStoryErr = true
		}
	}
	if !foundEpicErr || !foundStoryErr {
		t.Errorf("missing generation error strings: %v", state.Errors)
	}
}

func TestEngine_Generate_FromInputRejected(t *testing.T) {
	eng := newTestEngine(t, &scriptedLLM{}, nil)
	ctx := context.Background()

	state, err := eng.CreateSession(ctx, CreateSessionRequest{Requirement: "x"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := eng.Generate(ctx, state.SessionID); err == nil {
		t.Fatal("expected transition error generating from input phase")
	}
}

func TestEngine_EventsRecorded(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	events, err := eng.Events(ctx, state.SessionID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events (created + 2 transitions), got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].SeqNo <= events[i-1].SeqNo {
			t.Errorf("events out of order: seq %d after %d", events[i].SeqNo, events[i-1].SeqNo)
		}
	}
}

func TestEngine_FailedPersistWritesNothing(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()
	eng, err := NewEngine(db, llmStub, nil, zap.NewNop(), 8)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	qID := state.Questions[0].ID

	// Occupy the sequence slot of the next operation's second event so its
	// write fails after the first event is already buffered.
	conflict := domain.SessionEvent{
		SessionID: state.SessionID, SeqNo: state.LastEventSeq + 2,
		Phase: state.Phase, EventType: "external_note", PayloadJSON: "{}", CreatedAt: 1,
	}
	if err := (&store.EventRepo{}).Append(ctx, db, conflict); err != nil {
		t.Fatalf("seed conflicting event: %v", err)
	}

	if _, err := eng.SubmitAnswer(ctx, state.SessionID, qID, "an answer"); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("SubmitAnswer: err = %v, want ErrDuplicateEvent", err)
	}

	// The failed operation must leave no trace: no partial events, no
	// session mutation.
	events, err := eng.Events(ctx, state.SessionID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for _, ev := range events {
		if ev.SeqNo == state.LastEventSeq+1 {
			t.Errorf("orphaned event %q committed by a failed operation", ev.EventType)
		}
	}
	loaded, err := eng.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Phase != domain.PhaseQuestioning {
		t.Errorf("Phase = %q after failed operation, want questioning", loaded.Phase)
	}
	if loaded.QuestionByID(qID).Answered {
		t.Error("answer persisted by a failed operation")
	}
}

// fakeTracker is an in-memory tracker.Client for publish tests.
type fakeTracker struct {
	projects  []tracker.Project
	issues    map[string][]tracker.Issue
	created   []tracker.NewIssue
	failTypes map[string]bool
	nextID    int
}

func (f *fakeTracker) ListProjects(context.Context) ([]tracker.Project, error) {
	return f.projects, nil
}

func (f *fakeTracker) ListIssues(_ context.Context, projectKey string) ([]tracker.Issue, error) {
	return f.issues[projectKey], nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, issue tracker.NewIssue) (string, error) {
	if f.failTypes[issue.Type] {
		return "", errors.New("tracker rejected issue")
	}
	f.created = append(f.created, issue)
	f.nextID++
	return fmt.Sprintf("%s-%d", issue.ProjectKey, f.nextID), nil
}

func completeSession(t *testing.T, eng *Engine) *domain.SessionState {
	t.Helper()
	ctx := context.Background()

	state := createAndAnalyze(t, eng)
	for _, q := range state.Questions {
		if _, err := eng.SubmitAnswer(ctx, state.SessionID, q.ID, "thorough answer"); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}
	if _, err := eng.Generate(ctx, state.SessionID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	state, err := eng.Accept(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return state
}

func TestEngine_PushToTracker(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	ft := &fakeTracker{}
	eng := newTestEngine(t, llmStub, ft)

	state := completeSession(t, eng)

	_, keys, err := eng.PushToTracker(context.Background(), state.SessionID, "SHOP")
	if err != nil {
		t.Fatalf("PushToTracker: %v", err)
	}
	// 2 epics + 2 stories.
	if len(keys) != 4 {
		t.Fatalf("created %d issues, want 4", len(keys))
	}
	if ft.created[0].Type != "Epic" || ft.created[1].Type != "Epic" {
		t.Error("epics must be created before stories")
	}
	if ft.created[2].Type != "Story" {
		t.Errorf("third issue type = %q, want Story", ft.created[2].Type)
	}
}

func TestEngine_PushToTracker_PartialFailure(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	ft := &fakeTracker{failTypes: map[string]bool{"Epic": true}}
	eng := newTestEngine(t, llmStub, ft)

	state := completeSession(t, eng)

	state, keys, err := eng.PushToTracker(context.Background(), state.SessionID, "SHOP")
	if err != nil {
		t.Fatalf("PushToTracker: %v", err)
	}
	// Stories still go through when every epic fails.
	if len(keys) != 2 {
		t.Fatalf("created %d issues, want 2 stories", len(keys))
	}
	if len(state.Errors) < 2 {
		t.Errorf("expected per-epic failure errors, got %v", state.Errors)
	}
}

func TestEngine_PushToTracker_RequiresComplete(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	ft := &fakeTracker{}
	eng := newTestEngine(t, llmStub, ft)

	state := createAndAnalyze(t, eng)
	if _, _, err := eng.PushToTracker(context.Background(), state.SessionID, "SHOP"); !errors.Is(err, domain.ErrSessionNotComplete) {
		t.Fatalf("err = %v, want ErrSessionNotComplete", err)
	}
}

func TestEngine_ExistingProjectGrounding(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	ft := &fakeTracker{
		issues: map[string][]tracker.Issue{
			"SHOP": {
				{Key: "SHOP-1", Summary: "Cart service", Type: "Story", Status: "Done"},
				{Key: "SHOP-2", Summary: "Checkout flow", Type: "Epic", Status: "In Progress"},
			},
		},
	}
	eng := newTestEngine(t, llmStub, ft)

	state, err := eng.CreateSession(context.Background(), CreateSessionRequest{
		Requirement:  "Extend the store with wishlists",
		WorkflowType: domain.WorkflowExistingProject,
		ProjectKey:   "SHOP",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if state.GroundingContext == "" {
		t.Fatal("expected grounding context from existing issues")
	}
	if !strings.Contains(state.GroundingContext, "SHOP") {
		t.Errorf("grounding context missing project key: %q", state.GroundingContext)
	}
}

func TestEngine_StatePersistsAcrossLoads(t *testing.T) {
	llmStub := &scriptedLLM{validation: validJSON}
	eng := newTestEngine(t, llmStub, nil)
	ctx := context.Background()

	state := createAndAnalyze(t, eng)

	loaded, err := eng.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Phase != state.Phase {
		t.Errorf("loaded phase = %q, want %q", loaded.Phase, state.Phase)
	}
	if len(loaded.Questions) != len(state.Questions) {
		t.Errorf("loaded %d questions, want %d", len(loaded.Questions), len(state.Questions))
	}
}

func TestRecomputeConfidence(t *testing.T) {
	state := &domain.SessionState{
		Questions: []*domain.Question{
			{Answered: true, ValidationStatus: domain.ValidationValid, ValidationScore: 0.9},
			{Answered: true, ValidationStatus: domain.ValidationValid, ValidationScore: 0.7},
			{Answered: true, ValidationStatus: domain.ValidationInvalid, ValidationScore: 0.2},
			{Answered: true, Skipped: true},
		},
	}
	got := recomputeConfidence(state)
	want := 0.8
	if got < want-0.001 || got > want+0.001 {
		t.Errorf("recomputeConfidence = %f, want %f", got, want)
	}

	// No valid answers: exactly zero, never the analysis confidence.
	empty := &domain.SessionState{AnalysisConfidence: 0.5}
	if got := recomputeConfidence(empty); got != 0 {
		t.Errorf("recomputeConfidence (no answers) = %f, want 0", got)
	}
}
