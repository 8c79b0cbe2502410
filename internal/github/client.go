// Package github is a minimal GitHub REST client for the two things swebox
// needs: fetching issue text for task resolution and opening pull requests
// for submissions. Token auth only; no SDK.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"swebox/internal/logging"
)

const defaultBaseURL = "https://api.github.com"

// Issue is the subset of the issues API swebox consumes.
type Issue struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	HTMLURL     string `json:"html_url"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether the issue is actually a PR.
func (i *Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

// PullRequest is the subset of the pulls API swebox consumes.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests, GitHub Enterprise).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// NewClient creates a client. An empty token falls back to GITHUB_TOKEN;
// unauthenticated clients can still read public issues.
func NewClient(token string, opts ...Option) *Client {
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasToken reports whether the client can perform authenticated calls.
func (c *Client) HasToken() bool {
	return c.token != ""
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.GitHubDebug("%s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		logging.GitHubWarn("%s %s -> %d", method, path, resp.StatusCode)
		return fmt.Errorf("github: %s %s returned %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// FetchIssue retrieves a single issue.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	logging.GitHub("Fetched issue %s/%s#%d: %s", owner, repo, number, issue.Title)
	return &issue, nil
}

// PROptions describes a pull request to open.
type PROptions struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string // branch with the changes
	Base  string // target branch
	Draft bool

	// DryRun logs the request instead of sending it.
	DryRun bool
}

// OpenPR opens a pull request. In dry-run mode the request is logged and a
// nil PR is returned without touching the API.
func (c *Client) OpenPR(ctx context.Context, opts PROptions) (*PullRequest, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if opts.Head == "" {
		return nil, fmt.Errorf("head branch is required")
	}
	if opts.Base == "" {
		opts.Base = "main"
	}

	if opts.DryRun {
		logging.GitHub("DRY RUN: would open PR %s/%s %s <- %s: %s",
			opts.Owner, opts.Repo, opts.Base, opts.Head, opts.Title)
		return nil, nil
	}

	if !c.HasToken() {
		return nil, fmt.Errorf("a GitHub token is required to open pull requests")
	}

	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", opts.Owner, opts.Repo)
	body := map[string]interface{}{
		"title": opts.Title,
		"body":  opts.Body,
		"head":  opts.Head,
		"base":  opts.Base,
		"draft": opts.Draft,
	}
	if err := c.do(ctx, http.MethodPost, path, body, &pr); err != nil {
		return nil, err
	}

	logging.GitHub("Opened PR %s/%s#%d: %s", opts.Owner, opts.Repo, pr.Number, pr.HTMLURL)
	return &pr, nil
}

var issueURLRe = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/issues/(\d+)/?$`)

// ParseIssueURL splits a GitHub issue URL into owner, repo and number.
func ParseIssueURL(url string) (owner, repo string, number int, err error) {
	m := issueURLRe.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", 0, fmt.Errorf("not a GitHub issue URL: %q", url)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid issue number in %q", url)
	}
	return m[1], m[2], n, nil
}

// IsIssueURL reports whether s looks like a GitHub issue URL.
func IsIssueURL(s string) bool {
	return issueURLRe.MatchString(strings.TrimSpace(s))
}
