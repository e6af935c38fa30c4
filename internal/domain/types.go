// Package domain defines the core types for the ORION decomposition engine.
package domain

// Phase represents a workflow state-machine state.
type Phase string

const (
	PhaseInput       Phase = "input"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseQuestioning Phase = "questioning"
	PhaseValidating  Phase = "validating"
	PhaseGenerating  Phase = "generating"
	PhaseFeedback    Phase = "feedback"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// WorkflowType selects the routing path for a session: decompose a fresh
// requirement, or ground the decomposition in an existing tracker project.
type WorkflowType string

const (
	WorkflowNewRequirement  WorkflowType = "new"
	WorkflowExistingProject WorkflowType = "existing"
)

// GenerationType selects which content kinds a session produces.
type GenerationType string

const (
	GenerateEpicsOnly   GenerationType = "epics_only"
	GenerateStoriesOnly GenerationType = "stories_only"
	GenerateBoth        GenerationType = "both"
)

// WantsEpics reports whether the generation type includes epics.
func (g GenerationType) WantsEpics() bool {
	return g == GenerateEpicsOnly || g == GenerateBoth
}

// WantsStories reports whether the generation type includes user stories.
func (g GenerationType) WantsStories() bool {
	return g == GenerateStoriesOnly || g == GenerateBoth
}

// Strategy is the axis along which a requirement is sliced.
type Strategy string

const (
	StrategyFunctional  Strategy = "functional"
	StrategyTechnical   Strategy = "technical"
	StrategyUserJourney Strategy = "user_journey"
)

// Validation status values for a question's answer.
const (
	ValidationPending = "pending"
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
)

// SkipSentinel is stored as the answer of a skipped question. It never
// reaches generation context.
const SkipSentinel = "[SKIPPED]"

// StoryPointScale is the discrete estimation scale for user stories.
var StoryPointScale = []int{1, 2, 3, 5, 8, 13}

// Question is one clarifying question produced during analysis.
type Question struct {
	ID                 string   `json:"id"`
	Text               string   `json:"question"`
	Context            string   `json:"context"`
	Reasoning          string   `json:"reasoning"`
	Priority           int      `json:"priority"`
	Required           bool     `json:"required"`
	ValidationCriteria []string `json:"validation_criteria,omitempty"`

	Answered         bool    `json:"answered"`
	Answer           string  `json:"answer"`
	Skipped          bool    `json:"skipped"`
	ValidationStatus string  `json:"validation_status"`
	ValidationScore  float64 `json:"validation_score"`
}

// Resolved reports whether the question needs no further user input.
func (q *Question) Resolved() bool {
	return q.Answered || q.Skipped
}

// ValidationResult is the verdict on a single question/answer pair.
type ValidationResult struct {
	IsValid        bool               `json:"is_valid"`
	OverallScore   float64            `json:"overall_score"`
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
	Issues         []string           `json:"issues,omitempty"`
	Suggestions    []string           `json:"suggestions,omitempty"`
	Confidence     float64            `json:"confidence"`
}

// Epic is a large unit of work decomposed from the requirement.
type Epic struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	BusinessValue        string   `json:"business_value"`
	AcceptanceCriteria   []string `json:"acceptance_criteria"`
	Priority             string   `json:"priority"`
	EstimatedStoryPoints int      `json:"estimated_story_points"`
	Dependencies         []string `json:"dependencies,omitempty"`
	Assumptions          []string `json:"assumptions,omitempty"`
	Risks                []string `json:"risks,omitempty"`
}

// UserStory is an implementable unit of work, optionally linked to an epic
// by the epic's id. The link is soft: an unknown id is kept verbatim.
type UserStory struct {
	ID                 string   `json:"id"`
	EpicID             string   `json:"epic_id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	UserPersona        string   `json:"user_persona"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	DefinitionOfDone   []string `json:"definition_of_done"`
	StoryPoints        int      `json:"story_points"`
	Priority           string   `json:"priority"`
	Labels             []string `json:"labels,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
}

// Analysis is the classification output of the requirement analyzer.
type Analysis struct {
	Strategy     Strategy `json:"strategy"`
	Persona      string   `json:"persona"`
	Domain       string   `json:"domain"`
	Complexity   string   `json:"complexity"`
	UserTypes    []string `json:"user_types,omitempty"`
	MainFeatures []string `json:"main_features,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// FeedbackResult is the verdict on a piece of revision feedback.
type FeedbackResult struct {
	IsValid           bool    `json:"is_valid"`
	ProcessedFeedback string  `json:"processed_feedback"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
}

// SessionState is the single mutable record for one workflow run. It is
// owned by the workflow engine; nothing else mutates it.
type SessionState struct {
	SessionID        string         `json:"session_id"`
	Requirement      string         `json:"requirement"`
	WorkflowType     WorkflowType   `json:"workflow_type"`
	GenerationType   GenerationType `json:"generation_type"`
	ProjectKey       string         `json:"project_key,omitempty"`
	GroundingContext string         `json:"grounding_context,omitempty"`

	Phase             Phase    `json:"phase"`
	Strategy          Strategy `json:"strategy,omitempty"`
	Persona           string   `json:"persona,omitempty"`
	PersonaOverridden bool     `json:"persona_overridden,omitempty"`
	Domain            string   `json:"domain,omitempty"`
	Complexity        string   `json:"complexity,omitempty"`

	Questions []*Question                 `json:"questions"`
	Responses map[string]ValidationResult `json:"responses"`

	Epics       []Epic      `json:"epics"`
	UserStories []UserStory `json:"user_stories"`

	FeedbackHistory    []string `json:"feedback_history"`
	FeedbackCount      int      `json:"feedback_count"`
	OverallConfidence  float64  `json:"overall_confidence"`
	AnalysisConfidence float64  `json:"analysis_confidence"`
	Errors             []string `json:"errors"`

	LastEventSeq  int64 `json:"last_event_seq"`
	CreatedAtUnix int64 `json:"created_at_unix"`
	UpdatedAtUnix int64 `json:"updated_at_unix"`
}

// QuestionByID returns the question with the given id, or nil.
func (s *SessionState) QuestionByID(id string) *Question {
	for _, q := range s.Questions {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// QuestionsResolved reports whether every question has been answered or
// skipped. True for an empty question list.
func (s *SessionState) QuestionsResolved() bool {
	for _, q := range s.Questions {
		if !q.Resolved() {
			return false
		}
	}
	return true
}

// AnsweredCount counts questions answered and not skipped.
func (s *SessionState) AnsweredCount() int {
	n := 0
	for _, q := range s.Questions {
		if q.Answered && !q.Skipped {
			n++
		}
	}
	return n
}

// SkippedCount counts skipped questions.
func (s *SessionState) SkippedCount() int {
	n := 0
	for _, q := range s.Questions {
		if q.Skipped {
			n++
		}
	}
	return n
}

// TotalStoryPoints sums epic estimates and story points.
func (s *SessionState) TotalStoryPoints() int {
	total := 0
	for _, e := range s.Epics {
		total += e.EstimatedStoryPoints
	}
	for _, st := range s.UserStories {
		total += st.StoryPoints
	}
	return total
}

// AddError appends a recoverable error description to the session log.
func (s *SessionState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// SessionEvent is an entry in the append-only session event log.
type SessionEvent struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	SeqNo       int64  `json:"seq_no"`
	Phase       Phase  `json:"phase"`
	EventType   string `json:"event_type"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   int64  `json:"created_at"`
}
