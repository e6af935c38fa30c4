// Package export renders a completed session into a portable JSON
// document and writes it to disk.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/orion/internal/domain"
)

// Document is the exported shape of one session. Field layout is stable;
// downstream tooling consumes it.
type Document struct {
	SessionMetadata  Metadata         `json:"session_metadata"`
	Requirement      string           `json:"requirement"`
	QASession        []QAEntry        `json:"qa_session"`
	GeneratedContent GeneratedContent `json:"generated_content"`
	Statistics       Statistics       `json:"statistics"`
	FeedbackHistory  []string         `json:"feedback_history"`
	Errors           []string         `json:"errors"`
}

// Metadata identifies the session and how it ran.
type Metadata struct {
	SessionID      string                `json:"session_id"`
	WorkflowType   domain.WorkflowType   `json:"workflow_type"`
	GenerationType domain.GenerationType `json:"generation_type"`
	ProjectKey     string                `json:"project_key,omitempty"`
	Strategy       domain.Strategy       `json:"strategy"`
	Persona        string                `json:"persona"`
	Domain         string                `json:"domain"`
	Complexity     string                `json:"complexity"`
	Confidence     float64               `json:"confidence"`
	CreatedAt      string                `json:"created_at"`
	ExportedAt     string                `json:"exported_at"`
}

// QAEntry is one question with its answer and validation verdict.
type QAEntry struct {
	QuestionID string  `json:"question_id"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Skipped    bool    `json:"skipped"`
	Status     string  `json:"validation_status"`
	Score      float64 `json:"validation_score"`
}

// GeneratedContent holds the produced backlog items.
type GeneratedContent struct {
	Epics       []domain.Epic      `json:"epics"`
	UserStories []domain.UserStory `json:"user_stories"`
}

// Statistics summarizes the session's output.
type Statistics struct {
	TotalQuestions       int            `json:"total_questions"`
	AnsweredQuestions    int            `json:"answered_questions"`
	SkippedQuestions     int            `json:"skipped_questions"`
	TotalEpics           int            `json:"total_epics"`
	TotalUserStories     int            `json:"total_user_stories"`
	TotalStoryPoints     int            `json:"total_story_points"`
	PriorityDistribution map[string]int `json:"priority_distribution"`
	DependenciesCount    int            `json:"dependencies_count"`
	FeedbackIterations   int            `json:"feedback_iterations"`
}

// Build assembles the export document from session state.
func Build(state *domain.SessionState, now time.Time) Document {
	qa := make([]QAEntry, 0, len(state.Questions))
	for _, q := range state.Questions {
		qa = append(qa, QAEntry{
			QuestionID: q.ID,
			Question:   q.Text,
			Answer:     q.Answer,
			Skipped:    q.Skipped,
			Status:     q.ValidationStatus,
			Score:      q.ValidationScore,
		})
	}

	priorities := map[string]int{}
	deps := 0
	for _, e := range state.Epics {
		priorities[e.Priority]++
		deps += len(e.Dependencies)
	}
	for _, s := range state.UserStories {
		priorities[s.Priority]++
		deps += len(s.Dependencies)
	}

	return Document{
		SessionMetadata: Metadata{
			SessionID:      state.SessionID,
			WorkflowType:   state.WorkflowType,
			GenerationType: state.GenerationType,
			ProjectKey:     state.ProjectKey,
			Strategy:       state.Strategy,
			Persona:        state.Persona,
			Domain:         state.Domain,
			Complexity:     state.Complexity,
			Confidence:     state.OverallConfidence,
			CreatedAt:      time.Unix(state.CreatedAtUnix, 0).UTC().Format(time.RFC3339),
			ExportedAt:     now.UTC().Format(time.RFC3339),
		},
		Requirement: state.Requirement,
		QASession:   qa,
		GeneratedContent: GeneratedContent{
			Epics:       state.Epics,
			UserStories: state.UserStories,
		},
		Statistics: Statistics{
			TotalQuestions:       len(state.Questions),
			AnsweredQuestions:    state.AnsweredCount(),
			SkippedQuestions:     state.SkippedCount(),
			TotalEpics:           len(state.Epics),
			TotalUserStories:     len(state.UserStories),
			TotalStoryPoints:     state.TotalStoryPoints(),
			PriorityDistribution: priorities,
			DependenciesCount:    deps,
			FeedbackIterations:   state.FeedbackCount,
		},
		FeedbackHistory: state.FeedbackHistory,
		Errors:          state.Errors,
	}
}

// WriteFile renders the document and writes it under dir with a
// timestamped name. It returns the written path.
func WriteFile(dir string, state *domain.SessionState, now time.Time) (string, error) {
	doc := Build(state, now)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export document: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", state.SessionID, now.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return path, nil
}
