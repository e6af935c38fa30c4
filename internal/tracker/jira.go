package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/anthropics/orion/internal/domain"
)

// Default custom field ids for JIRA Cloud's next-gen projects. Both are
// overridable because field ids vary per instance.
const (
	defaultEpicLinkField    = "customfield_10014"
	defaultStoryPointsField = "customfield_10016"
)

// JiraClient implements Client against the JIRA REST v2 API with basic auth.
type JiraClient struct {
	BaseURL          string
	Email            string
	APIToken         string
	AllowedProjects  []string
	MaxIssues        int
	EpicLinkField    string
	StoryPointsField string
	HTTPClient       *http.Client
}

// NewJiraClient creates a client for the given server and credentials.
// allowedProjects restricts every operation to the listed project keys;
// empty means all projects are visible.
func NewJiraClient(baseURL, email, apiToken string, allowedProjects []string, maxIssues int) *JiraClient {
	return &JiraClient{
		BaseURL:          baseURL,
		Email:            email,
		APIToken:         apiToken,
		AllowedProjects:  allowedProjects,
		MaxIssues:        maxIssues,
		EpicLinkField:    defaultEpicLinkField,
		StoryPointsField: defaultStoryPointsField,
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *JiraClient) allowed(key string) bool {
	if len(c.AllowedProjects) == 0 {
		return true
	}
	for _, k := range c.AllowedProjects {
		if k == key {
			return true
		}
	}
	return false
}

// ListProjects returns the visible projects, filtered by the allow list.
func (c *JiraClient) ListProjects(ctx context.Context) ([]Project, error) {
	var raw []struct {
		Key         string `json:"key"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.get(ctx, "/rest/api/2/project", &raw); err != nil {
		return nil, err
	}

	var projects []Project
	for _, p := range raw {
		if !c.allowed(p.Key) {
			continue
		}
		projects = append(projects, Project{Key: p.Key, Name: p.Name, Description: p.Description})
	}
	return projects, nil
}

// ListIssues returns up to MaxIssues issues of a project.
func (c *JiraClient) ListIssues(ctx context.Context, projectKey string) ([]Issue, error) {
	if !c.allowed(projectKey) {
		return nil, domain.ErrProjectNotAllowed
	}

	q := url.Values{}
	q.Set("jql", fmt.Sprintf("project = %q ORDER BY created DESC", projectKey))
	q.Set("maxResults", fmt.Sprintf("%d", c.MaxIssues))
	q.Set("fields", "summary,description,issuetype,status")

	var raw struct {
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary     string `json:"summary"`
				Description string `json:"description"`
				IssueType   struct {
					Name string `json:"name"`
				} `json:"issuetype"`
				Status struct {
					Name string `json:"name"`
				} `json:"status"`
			} `json:"fields"`
		} `json:"issues"`
	}
	if err := c.get(ctx, "/rest/api/2/search?"+q.Encode(), &raw); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(raw.Issues))
	for _, is := range raw.Issues {
		issues = append(issues, Issue{
			Key:         is.Key,
			Summary:     is.Fields.Summary,
			Description: is.Fields.Description,
			Type:        is.Fields.IssueType.Name,
			Status:      is.Fields.Status.Name,
		})
	}
	return issues, nil
}

// CreateIssue creates an issue and returns its key.
func (c *JiraClient) CreateIssue(ctx context.Context, issue NewIssue) (string, error) {
	if !c.allowed(issue.ProjectKey) {
		return "", domain.ErrProjectNotAllowed
	}

	fields := map[string]any{
		"project":     map[string]string{"key": issue.ProjectKey},
		"issuetype":   map[string]string{"name": issue.Type},
		"summary":     issue.Summary,
		"description": issue.Description,
	}
	if issue.Priority != "" {
		fields["priority"] = map[string]string{"name": issue.Priority}
	}
	if issue.EpicLink != "" {
		fields[c.EpicLinkField] = issue.EpicLink
	}
	if issue.StoryPoints > 0 {
		fields[c.StoryPointsField] = issue.StoryPoints
	}

	var resp struct {
		Key string `json:"key"`
	}
	if err := c.post(ctx, "/rest/api/2/issue", map[string]any{"fields": fields}, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *JiraClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build tracker request: %w", err)
	}
	return c.do(req, out)
}

func (c *JiraClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal tracker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *JiraClient) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.Email, c.APIToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return domain.WrapEngineError(domain.ErrTrackerRequest.Code, domain.ErrTrackerRequest.Message, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read tracker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewEngineError(domain.ErrTrackerRequest.Code,
			fmt.Sprintf("tracker returned status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode tracker response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
