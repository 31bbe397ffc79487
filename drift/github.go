package drift

import (
	"context"

	"github.com/c360studio/fnpatch/tools/github"
)

// GitHubTracker files reports as GitHub issues.
type GitHubTracker struct {
	client *github.Client
	labels []string
}

// NewGitHubTracker creates a tracker on client's repository.
func NewGitHubTracker(client *github.Client, labels ...string) *GitHubTracker {
	return &GitHubTracker{client: client, labels: labels}
}

// ListOpenReports returns open issues.
func (t *GitHubTracker) ListOpenReports(ctx context.Context) ([]OpenReport, error) {
	issues, err := t.client.ListOpenIssues(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OpenReport, 0, len(issues))
	for _, issue := range issues {
		out = append(out, OpenReport{Title: issue.Title, URL: issue.HTMLURL})
	}
	return out, nil
}

// CreateReport opens an issue and returns its URL.
func (t *GitHubTracker) CreateReport(ctx context.Context, title, body string) (string, error) {
	res, err := t.client.CreateIssue(ctx, title, body, t.labels)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}
