// Package workflow implements the phase state machine that drives a
// decomposition session from raw requirement to accepted backlog.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/orion/internal/analyzer"
	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/feedback"
	"github.com/anthropics/orion/internal/generator"
	"github.com/anthropics/orion/internal/llm"
	"github.com/anthropics/orion/internal/store"
	"github.com/anthropics/orion/internal/tracker"
	"github.com/anthropics/orion/internal/validator"
)

// MaxFeedbackIterations bounds the revision loop per session.
const MaxFeedbackIterations = 3

// validTransitions is the complete phase transition table. Anything not
// listed here is rejected.
var validTransitions = map[domain.Phase][]domain.Phase{
	domain.PhaseInput:       {domain.PhaseAnalyzing},
	domain.PhaseAnalyzing:   {domain.PhaseQuestioning},
	domain.PhaseQuestioning: {domain.PhaseValidating, domain.PhaseGenerating},
	domain.PhaseValidating:  {domain.PhaseQuestioning, domain.PhaseGenerating},
	domain.PhaseGenerating:  {domain.PhaseFeedback},
	domain.PhaseFeedback:    {domain.PhaseGenerating, domain.PhaseComplete},
	domain.PhaseComplete:    {},
}

// IsValidTransition reports whether the state machine allows moving from
// one phase to another.
func IsValidTransition(from, to domain.Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Engine owns session state and sequences every operation through the
// phase machine. All mutations go through it; collaborator failures
// degrade to documented defaults instead of halting the session.
type Engine struct {
	db       *sql.DB
	sessions *store.SessionRepo
	events   *store.EventRepo

	analyzer  *analyzer.Analyzer
	validator *validator.Validator
	epics     *generator.EpicGenerator
	stories   *generator.StoryGenerator
	feedback  *feedback.Processor
	tracker   tracker.Client

	log *zap.Logger
	now func() time.Time

	mu sync.Mutex

	// pending buffers the events of the operation in flight; persist
	// writes them together with the session row in one transaction.
	pending []domain.SessionEvent
}

// NewEngine wires the engine. trackerClient may be nil when no tracker is
// configured; the language model client is mandatory.
func NewEngine(db *sql.DB, llmClient llm.Client, trackerClient tracker.Client, log *zap.Logger, maxQuestions int) (*Engine, error) {
	if llmClient == nil {
		return nil, domain.ErrMissingLLMClient
	}

	epicGen := generator.NewEpicGenerator(llmClient, log)
	storyGen := generator.NewStoryGenerator(llmClient, log)

	return &Engine{
		db:        db,
		sessions:  &store.SessionRepo{},
		events:    &store.EventRepo{},
		analyzer:  analyzer.New(llmClient, log, maxQuestions),
		validator: validator.New(llmClient, log),
		epics:     epicGen,
		stories:   storyGen,
		feedback:  feedback.New(llmClient, epicGen, storyGen, log),
		tracker:   trackerClient,
		log:       log,
		now:       time.Now,
	}, nil
}

// CreateSessionRequest carries the inputs for a new session.
type CreateSessionRequest struct {
	Requirement    string                `json:"requirement"`
	WorkflowType   domain.WorkflowType   `json:"workflow_type"`
	GenerationType domain.GenerationType `json:"generation_type"`
	ProjectKey     string                `json:"project_key"`
}

// CreateSession validates the request, creates the session in the input
// phase, and (for existing-project workflows) fetches grounding context
// from the tracker. A tracker request failure degrades to no grounding.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(req.Requirement) == "" {
		return nil, domain.ErrEmptyRequirement
	}

	switch req.WorkflowType {
	case "":
		req.WorkflowType = domain.WorkflowNewRequirement
	case domain.WorkflowNewRequirement, domain.WorkflowExistingProject:
	default:
		return nil, domain.ErrInvalidWorkflowType
	}

	switch req.GenerationType {
	case "":
		req.GenerationType = domain.GenerateBoth
	case domain.GenerateEpicsOnly, domain.GenerateStoriesOnly, domain.GenerateBoth:
	default:
		return nil, domain.ErrInvalidGeneration
	}

	if req.WorkflowType == domain.WorkflowExistingProject {
		if strings.TrimSpace(req.ProjectKey) == "" {
			return nil, domain.ErrProjectKeyRequired
		}
		if e.tracker == nil {
			return nil, domain.ErrTrackerUnavailable
		}
	}

	now := e.now().Unix()
	state := &domain.SessionState{
		SessionID:      "orion_" + uuid.NewString()[:8],
		Requirement:    strings.TrimSpace(req.Requirement),
		WorkflowType:   req.WorkflowType,
		GenerationType: req.GenerationType,
		ProjectKey:     req.ProjectKey,
		Phase:          domain.PhaseInput,
		Responses:      map[string]domain.ValidationResult{},
		CreatedAtUnix:  now,
		UpdatedAtUnix:  now,
	}

	if req.WorkflowType == domain.WorkflowExistingProject {
		issues, err := e.tracker.ListIssues(ctx, req.ProjectKey)
		if err != nil {
			e.log.Warn("grounding fetch failed, continuing without project context",
				zap.String("session_id", state.SessionID),
				zap.String("project_key", req.ProjectKey),
				zap.Error(err))
			state.AddError(fmt.Sprintf("could not fetch issues for %s; proceeding without project context", req.ProjectKey))
		} else {
			state.GroundingContext = tracker.BuildGroundingContext(req.ProjectKey, issues)
		}
	}

	e.pending = nil
	e.recordEvent(state, "session_created", map[string]any{
		"workflow_type":   state.WorkflowType,
		"generation_type": state.GenerationType,
	})
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.log.Info("session created",
		zap.String("session_id", state.SessionID),
		zap.String("workflow_type", string(state.WorkflowType)),
		zap.String("generation_type", string(state.GenerationType)))
	return state, nil
}

// Analyze runs requirement analysis and question generation, moving the
// session from input through analyzing to questioning. Analysis failures
// degrade to defaults; a failed question pass leaves an empty list and the
// session proceeds without clarification.
func (e *Engine) Analyze(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(state, domain.PhaseAnalyzing); err != nil {
		return nil, err
	}

	analysis := e.analyzer.Analyze(ctx, state.Requirement, state.GroundingContext)
	state.Strategy = analysis.Strategy
	state.Persona = analysis.Persona
	state.Domain = analysis.Domain
	state.Complexity = analysis.Complexity
	state.AnalysisConfidence = analysis.Confidence

	questions := e.analyzer.GenerateQuestions(ctx, state.Requirement, state.Strategy, state.Persona, state.GroundingContext)
	state.Questions = make([]*domain.Question, len(questions))
	for i := range questions {
		state.Questions[i] = &questions[i]
	}
	if len(questions) == 0 {
		state.AddError("no clarifying questions generated; proceeding without clarification")
	}

	if err := e.transition(state, domain.PhaseQuestioning); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SetPersona replaces the analyzer's recommended persona with an explicit
// user choice. The override is allowed once per session, between analysis
// and generation; the new persona flows into every later generation prompt.
func (e *Engine) SetPersona(ctx context.Context, sessionID, persona string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	persona = strings.TrimSpace(persona)
	if persona == "" {
		return nil, domain.ErrEmptyPersona
	}

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Phase != domain.PhaseQuestioning {
		return nil, domain.ErrWrongPhase
	}
	if state.PersonaOverridden {
		return nil, domain.ErrPersonaOverridden
	}

	previous := state.Persona
	state.Persona = persona
	state.PersonaOverridden = true

	e.recordEvent(state, "persona_overridden", map[string]any{
		"previous": previous,
		"persona":  persona,
	})
	state.UpdatedAtUnix = e.now().Unix()
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}

	e.log.Info("persona overridden",
		zap.String("session_id", sessionID),
		zap.String("persona", persona))
	return state, nil
}

// SubmitAnswer validates one answer and records both the answer and its
// verdict. An invalid verdict does not block the question: validity gates
// confidence, not phase progress. Re-submitting an unskipped question
// replaces the previous answer and verdict.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, questionID, answer string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(answer) == "" {
		return nil, domain.ErrEmptyAnswer
	}

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	q := state.QuestionByID(questionID)
	if q == nil {
		return nil, domain.ErrQuestionNotFound
	}
	if q.Skipped {
		return nil, domain.NewEngineError(domain.ErrWrongPhase.Code, "question was skipped and cannot be answered")
	}

	if err := e.transition(state, domain.PhaseValidating); err != nil {
		return nil, err
	}

	result := e.validator.Validate(ctx, state.Requirement, *q, answer)
	state.Responses[q.ID] = result
	q.Answered = true
	q.Answer = answer
	q.ValidationScore = result.OverallScore
	if result.IsValid {
		q.ValidationStatus = domain.ValidationValid
	} else {
		q.ValidationStatus = domain.ValidationInvalid
	}
	state.OverallConfidence = recomputeConfidence(state)

	if err := e.transition(state, domain.PhaseQuestioning); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SkipQuestion marks a question skipped. Skipping is idempotent and
// irreversible; a skipped question never contributes to generation
// context. Answered questions cannot be skipped.
func (e *Engine) SkipQuestion(ctx context.Context, sessionID, questionID string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Phase != domain.PhaseQuestioning {
		return nil, domain.ErrWrongPhase
	}
	q := state.QuestionByID(questionID)
	if q == nil {
		return nil, domain.ErrQuestionNotFound
	}
	if q.Skipped {
		return state, nil
	}
	if q.Answered {
		return nil, domain.NewEngineError(domain.ErrWrongPhase.Code, "question already answered")
	}

	q.Skipped = true
	q.Answered = true
	q.Answer = domain.SkipSentinel

	e.recordEvent(state, "question_skipped", map[string]any{"question_id": q.ID})
	state.UpdatedAtUnix = e.now().Unix()
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Generate produces the session's content once every question is resolved.
// Empty generator output is recorded as a session error string and the
// session still reaches the feedback phase.
func (e *Engine) Generate(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !state.QuestionsResolved() {
		return nil, domain.ErrQuestionsUnresolved
	}
	if err := e.transition(state, domain.PhaseGenerating); err != nil {
		return nil, err
	}

	state.OverallConfidence = recomputeConfidence(state)
	genCtx := generator.Context{
		Persona:    state.Persona,
		Strategy:   state.Strategy,
		Domain:     state.Domain,
		Confidence: state.AnalysisConfidence,
		Grounding:  state.GroundingContext,
	}

	if state.GenerationType.WantsEpics() {
		state.Epics = e.epics.Generate(ctx, state.SessionID, state.Requirement, genCtx, state.Questions)
		if len(state.Epics) == 0 {
			state.AddError("epic generation produced no epics")
		}
	}
	if state.GenerationType.WantsStories() {
		state.UserStories = e.stories.Generate(ctx, state.SessionID, state.Requirement, genCtx, state.Questions, state.Epics)
		if len(state.UserStories) == 0 {
			state.AddError("story generation produced no user stories")
		}
	}

	if err := e.transition(state, domain.PhaseFeedback); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SubmitFeedback validates revision feedback and, when valid, regenerates
// the content with the feedback applied. Invalid feedback changes nothing
// and costs no iteration. When the applied iteration is the last allowed,
// the session completes automatically.
func (e *Engine) SubmitFeedback(ctx context.Context, sessionID, text string) (*domain.SessionState, domain.FeedbackResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, domain.FeedbackResult{}, domain.ErrEmptyFeedback
	}

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, domain.FeedbackResult{}, err
	}
	if state.Phase != domain.PhaseFeedback {
		return nil, domain.FeedbackResult{}, domain.ErrWrongPhase
	}
	if state.FeedbackCount >= MaxFeedbackIterations {
		return nil, domain.FeedbackResult{}, domain.ErrFeedbackLimit
	}

	result := e.feedback.ValidateFeedback(ctx, state, text)
	if !result.IsValid {
		e.log.Info("feedback rejected",
			zap.String("session_id", state.SessionID),
			zap.String("reasoning", result.Reasoning))
		return state, result, nil
	}

	if err := e.transition(state, domain.PhaseGenerating); err != nil {
		return nil, result, err
	}
	e.feedback.Apply(ctx, state, text)
	e.recordEvent(state, "feedback_applied", map[string]any{
		"iteration": state.FeedbackCount,
		"epics":     len(state.Epics),
		"stories":   len(state.UserStories),
	})
	if err := e.transition(state, domain.PhaseFeedback); err != nil {
		return nil, result, err
	}

	if state.FeedbackCount >= MaxFeedbackIterations {
		if err := e.transition(state, domain.PhaseComplete); err != nil {
			return nil, result, err
		}
		e.log.Info("feedback limit reached, completing session",
			zap.String("session_id", state.SessionID))
	}

	if err := e.persist(ctx, state); err != nil {
		return nil, result, err
	}
	return state, result, nil
}

// Accept finalizes the session's content, moving it to complete.
func (e *Engine) Accept(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(state, domain.PhaseComplete); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	e.log.Info("session accepted", zap.String("session_id", sessionID))
	return state, nil
}

// Get returns the current session state.
func (e *Engine) Get(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx, sessionID)
}

// List returns recent sessions, newest first.
func (e *Engine) List(ctx context.Context, limit int) ([]store.SessionRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit < 1 {
		limit = 50
	}
	return e.sessions.List(ctx, e.db, limit)
}

// Events returns the session's event log after the given sequence number.
func (e *Engine) Events(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.SessionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events.ListBySession(ctx, e.db, sessionID, sinceSeq)
}

// Projects lists tracker projects, or ErrTrackerUnavailable when no
// tracker is configured.
func (e *Engine) Projects(ctx context.Context) ([]tracker.Project, error) {
	if e.tracker == nil {
		return nil, domain.ErrTrackerUnavailable
	}
	return e.tracker.ListProjects(ctx)
}

// PushToTracker creates tracker issues from a completed session's content:
// epics first, then stories linked to their created epic. Per-issue
// failures are recorded on the session and do not stop the batch.
func (e *Engine) PushToTracker(ctx context.Context, sessionID, projectKey string) (*domain.SessionState, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracker == nil {
		return nil, nil, domain.ErrTrackerUnavailable
	}
	if strings.TrimSpace(projectKey) == "" {
		return nil, nil, domain.ErrProjectKeyRequired
	}

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if state.Phase != domain.PhaseComplete {
		return nil, nil, domain.ErrSessionNotComplete
	}

	var created []string
	epicKeys := map[string]string{}

	for _, ep := range state.Epics {
		key, err := e.tracker.CreateIssue(ctx, tracker.NewIssue{
			ProjectKey:  projectKey,
			Type:        "Epic",
			Summary:     ep.Title,
			Description: epicIssueBody(ep),
			Priority:    ep.Priority,
		})
		if err != nil {
			e.log.Warn("epic creation failed",
				zap.String("session_id", sessionID),
				zap.String("epic_id", ep.ID),
				zap.Error(err))
			state.AddError(fmt.Sprintf("failed to create issue for epic %q: %v", ep.Title, err))
			continue
		}
		epicKeys[ep.ID] = key
		created = append(created, key)
	}

	for _, st := range state.UserStories {
		key, err := e.tracker.CreateIssue(ctx, tracker.NewIssue{
			ProjectKey:  projectKey,
			Type:        "Story",
			Summary:     st.Title,
			Description: storyIssueBody(st),
			Priority:    st.Priority,
			EpicLink:    epicKeys[st.EpicID],
			StoryPoints: st.StoryPoints,
		})
		if err != nil {
			e.log.Warn("story creation failed",
				zap.String("session_id", sessionID),
				zap.String("story_id", st.ID),
				zap.Error(err))
			state.AddError(fmt.Sprintf("failed to create issue for story %q: %v", st.Title, err))
			continue
		}
		created = append(created, key)
	}

	e.recordEvent(state, "issues_published", map[string]any{
		"project_key": projectKey,
		"created":     len(created),
	})
	state.UpdatedAtUnix = e.now().Unix()
	if err := e.persist(ctx, state); err != nil {
		return nil, nil, err
	}

	e.log.Info("issues published",
		zap.String("session_id", sessionID),
		zap.String("project_key", projectKey),
		zap.Int("created", len(created)))
	return state, created, nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	e.pending = nil

	state, err := e.sessions.Load(ctx, e.db, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Responses == nil {
		state.Responses = map[string]domain.ValidationResult{}
	}
	return state, nil
}

// transition moves the session to the next phase, buffers a phase event,
// and stamps the update time. It does not persist the session itself.
func (e *Engine) transition(state *domain.SessionState, to domain.Phase) error {
	if !IsValidTransition(state.Phase, to) {
		if state.Phase == domain.PhaseComplete {
			return domain.ErrSessionComplete
		}
		return domain.WrapEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("cannot move from %s to %s", state.Phase, to), domain.ErrInvalidTransition)
	}

	from := state.Phase
	state.Phase = to
	state.UpdatedAtUnix = e.now().Unix()

	e.recordEvent(state, "phase_changed", map[string]any{
		"from": from,
		"to":   to,
	})

	e.log.Debug("phase transition",
		zap.String("session_id", state.SessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// recordEvent buffers an event for the operation in flight. Events hit the
// database only through persist, together with the session row.
func (e *Engine) recordEvent(state *domain.SessionState, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	state.LastEventSeq++
	e.pending = append(e.pending, domain.SessionEvent{
		SessionID:   state.SessionID,
		SeqNo:       state.LastEventSeq,
		Phase:       state.Phase,
		EventType:   eventType,
		PayloadJSON: string(data),
		CreatedAt:   e.now().Unix(),
	})
}

// persist writes the session row and every buffered event in a single
// transaction. A failure rolls back both; nothing partial reaches the
// database, so the event log and the session row cannot drift apart.
func (e *Engine) persist(ctx context.Context, state *domain.SessionState) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := e.sessions.Save(ctx, tx, state); err != nil {
		return err
	}
	for _, ev := range e.pending {
		if err := e.events.Append(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit transaction", err)
	}
	e.pending = nil
	return nil
}

// recomputeConfidence derives the session confidence from scratch: the
// mean validation score over currently-valid, answered-and-not-skipped
// questions, exactly 0 when none are valid.
func recomputeConfidence(state *domain.SessionState) float64 {
	var sum float64
	var n int
	for _, q := range state.Questions {
		if q.Answered && !q.Skipped && q.ValidationStatus == domain.ValidationValid {
			sum += q.ValidationScore
			n++
		}
	}
	if n == 0 {
		return 0
	}
	conf := sum / float64(n)
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func epicIssueBody(ep domain.Epic) string {
	var b strings.Builder
	b.WriteString(ep.Description)
	if ep.BusinessValue != "" {
		fmt.Fprintf(&b, "\n\n*Business Value:* %s", ep.BusinessValue)
	}
	if len(ep.AcceptanceCriteria) > 0 {
		b.WriteString("\n\n*Acceptance Criteria:*")
		for _, c := range ep.AcceptanceCriteria {
			fmt.Fprintf(&b, "\n- %s", c)
		}
	}
	return b.String()
}

func storyIssueBody(st domain.UserStory) string {
	var b strings.Builder
	b.WriteString(st.Description)
	if len(st.AcceptanceCriteria) > 0 {
		b.WriteString("\n\n*Acceptance Criteria:*")
		for _, c := range st.AcceptanceCriteria {
			fmt.Fprintf(&b, "\n- %s", c)
		}
	}
	if len(st.DefinitionOfDone) > 0 {
		b.WriteString("\n\n*Definition of Done:*")
		for _, d := range st.DefinitionOfDone {
			fmt.Fprintf(&b, "\n- %s", d)
		}
	}
	return b.String()
}
