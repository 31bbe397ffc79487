// Package github files and lists issues through the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// ErrNoToken is returned when a write is attempted without a token.
var ErrNoToken = errors.New("github token not configured")

// Issue is the subset of issue fields the drift monitor uses.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`

	// PullRequest is set when the "issue" is a pull request.
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// IssueCreateResult contains the result of creating an issue.
type IssueCreateResult struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

// APIError is a non-2xx API response.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github %s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github %s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
}

// Client talks to one repository.
type Client struct {
	baseURL    string
	repository string
	token      string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a client for repository ("owner/name").
func NewClient(baseURL, repository, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		repository: repository,
		token:      token,
		userAgent:  "fnpatch-drift-monitor",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Repository returns "owner/name".
func (c *Client) Repository() string {
	return c.repository
}

// HasToken reports whether writes can be authorized.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// ListOpenIssues returns open issues, excluding pull requests. Pages are
// followed until a short page is returned.
func (c *Client) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	const perPage = 100
	var out []Issue
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/issues?state=open&per_page=%d&page=%d", c.baseURL, c.repository, perPage, page)
		var batch []Issue
		if err := c.do(ctx, http.MethodGet, url, nil, &batch); err != nil {
			return nil, err
		}
		for _, issue := range batch {
			if issue.PullRequest == nil {
				out = append(out, issue)
			}
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (*IssueCreateResult, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}

	var result IssueCreateResult
	url := fmt.Sprintf("%s/repos/%s/issues", c.baseURL, c.repository)
	if err := c.do(ctx, http.MethodPost, url, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, URL: url, StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &msg) == nil {
			apiErr.Message = msg.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
