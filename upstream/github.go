// Package upstream fetches the host module from the host project's releases.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Defaults for the Home Assistant core repository.
const (
	DefaultAPIBaseURL = "https://api.github.com"
	DefaultRawBaseURL = "https://raw.githubusercontent.com"
	DefaultRepository = "home-assistant/core"
	DefaultFilePath   = "homeassistant/components/person/__init__.py"
	DefaultTimeout    = 30 * time.Second
	DefaultUserAgent  = "fnpatch-drift-monitor"

	maxContentSize = 4 << 20
)

// Source provides host module text by release tag.
type Source interface {
	LatestStableTag(ctx context.Context) (string, error)
	Fetch(ctx context.Context, tag string) ([]byte, error)
}

// FetchError is a network-level failure. It is transient: callers retry on
// their next scheduled run, never in-process.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the server answered 404.
func (e *FetchError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Config configures a GitHubSource.
type Config struct {
	APIBaseURL string
	RawBaseURL string
	Repository string
	FilePath   string
	Token      string
	UserAgent  string
	Timeout    time.Duration
}

// GitHubSource reads releases from the GitHub API and file content from the
// raw content host.
type GitHubSource struct {
	config Config
	client *http.Client
}

// NewGitHubSource creates a source. Zero config fields take the defaults.
func NewGitHubSource(config Config) *GitHubSource {
	if config.APIBaseURL == "" {
		config.APIBaseURL = DefaultAPIBaseURL
	}
	if config.RawBaseURL == "" {
		config.RawBaseURL = DefaultRawBaseURL
	}
	if config.Repository == "" {
		config.Repository = DefaultRepository
	}
	if config.FilePath == "" {
		config.FilePath = DefaultFilePath
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	config.APIBaseURL = strings.TrimRight(config.APIBaseURL, "/")
	config.RawBaseURL = strings.TrimRight(config.RawBaseURL, "/")

	return &GitHubSource{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// FileURL returns the raw URL of the monitored file at tag.
func (s *GitHubSource) FileURL(tag string) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.config.RawBaseURL, s.config.Repository, tag, s.config.FilePath)
}

// BlobURL returns the browsable URL of the monitored file at tag.
func (s *GitHubSource) BlobURL(tag string) string {
	return fmt.Sprintf("https://github.com/%s/blob/%s/%s", s.config.Repository, tag, s.config.FilePath)
}

type release struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// LatestStableTag returns the tag of the latest published, non-prerelease
// release.
func (s *GitHubSource) LatestStableTag(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", s.config.APIBaseURL, s.config.Repository)
	body, err := s.get(ctx, url, "application/vnd.github+json", true)
	if err != nil {
		return "", err
	}

	var rel release
	if err := json.Unmarshal(body, &rel); err != nil {
		return "", fmt.Errorf("decode release: %w", err)
	}
	if rel.TagName == "" {
		return "", fmt.Errorf("latest release of %s has no tag", s.config.Repository)
	}
	return rel.TagName, nil
}

// Fetch returns the monitored file at tag.
func (s *GitHubSource) Fetch(ctx context.Context, tag string) ([]byte, error) {
	return s.get(ctx, s.FileURL(tag), "text/plain", false)
}

// get fetches url. The token is sent only when auth is set, so raw content
// fetches never carry it even when they share the API host.
func (s *GitHubSource) get(ctx context.Context, url, accept string, auth bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", accept)
	if auth && s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	// Read body with size limit
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentSize+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxContentSize {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", maxContentSize)
	}
	return body, nil
}
