// Package tracker defines the issue-tracker boundary and the grounding
// context derived from an existing project's issues.
package tracker

import "context"

// Project is a tracker project reference.
type Project struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Issue is an existing tracker issue used for grounding.
type Issue struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Status      string `json:"status"`
}

// NewIssue describes an issue to be created from generated content.
type NewIssue struct {
	ProjectKey  string
	Type        string
	Summary     string
	Description string
	Priority    string
	EpicLink    string
	StoryPoints int
}

// Client is the issue-tracker collaborator. It is a fixed, statically
// defined interface; implementations talk to the tracker directly.
type Client interface {
	ListProjects(ctx context.Context) ([]Project, error)
	ListIssues(ctx context.Context, projectKey string) ([]Issue, error)
	CreateIssue(ctx context.Context, issue NewIssue) (string, error)
}
