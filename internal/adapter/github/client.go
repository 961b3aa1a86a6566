// Package github implements the scm port against the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/port/scm"
	"github.com/ticketpilot/ticketpilot/internal/resilience"
)

// Client talks to the GitHub REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a GitHub client.
func NewClient(cfg config.GitHub) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type prPayload struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  *time.Time `json:"merged_at"`
}

func (p prPayload) toDomain() scm.PullRequest {
	state := p.State
	if p.MergedAt != nil {
		state = "merged"
	}
	return scm.PullRequest{
		Number:     p.Number,
		Title:      p.Title,
		State:      state,
		HeadBranch: p.Head.Ref,
		BaseBranch: p.Base.Ref,
		URL:        p.HTMLURL,
		CreatedAt:  p.CreatedAt,
	}
}

// ListPullRequests lists pull requests in the given state ("open",
// "closed", "merged", or "all"). Merged is a filtered view of closed.
func (c *Client) ListPullRequests(ctx context.Context, repo, state string) ([]scm.PullRequest, error) {
	apiState := state
	if state == "merged" {
		apiState = "closed"
	}
	path := fmt.Sprintf("/repos/%s/pulls?state=%s&per_page=50", repoPath(repo), url.QueryEscape(apiState))

	var payload []prPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}

	prs := make([]scm.PullRequest, 0, len(payload))
	for _, p := range payload {
		pr := p.toDomain()
		if state == "merged" && pr.State != "merged" {
			continue
		}
		prs = append(prs, pr)
	}
	return prs, nil
}

func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*scm.PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d", repoPath(repo), number)

	var payload prPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("get pull request %d: %w", number, err)
	}
	pr := payload.toDomain()
	return &pr, nil
}

func (c *Client) ListPullRequestFiles(ctx context.Context, repo string, number int) ([]scm.File, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100", repoPath(repo), number)

	var payload []struct {
		Filename  string `json:"filename"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list pull request %d files: %w", number, err)
	}

	files := make([]scm.File, 0, len(payload))
	for _, f := range payload {
		files = append(files, scm.File{Path: f.Filename, Additions: f.Additions, Deletions: f.Deletions})
	}
	return files, nil
}

func (c *Client) CreatePullRequest(ctx context.Context, repo string, req scm.CreatePRRequest) (*scm.PullRequest, error) {
	body := map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.HeadBranch,
		"base":  req.BaseBranch,
	}

	var payload prPayload
	path := fmt.Sprintf("/repos/%s/pulls", repoPath(repo))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &payload); err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	pr := payload.toDomain()
	return &pr, nil
}

// AddPullRequestComment posts an issue comment on the pull request.
func (c *Client) AddPullRequestComment(ctx context.Context, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repoPath(repo), number)
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("comment on pull request %d: %w", number, err)
	}
	return nil
}

func (c *Client) MergePullRequest(ctx context.Context, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repoPath(repo), number)
	if err := c.doJSON(ctx, http.MethodPut, path, map[string]string{"merge_method": "squash"}, nil); err != nil {
		return fmt.Errorf("merge pull request %d: %w", number, err)
	}
	return nil
}

func (c *Client) ListRecentCommits(ctx context.Context, repo, branch string, limit int) ([]scm.Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	path := fmt.Sprintf("/repos/%s/commits?sha=%s&per_page=%d",
		repoPath(repo), url.QueryEscape(branch), limit)

	var payload []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string    `json:"name"`
				Date time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list commits on %s: %w", branch, err)
	}

	commits := make([]scm.Commit, 0, len(payload))
	for _, c := range payload {
		commits = append(commits, scm.Commit{
			SHA:     c.SHA,
			Message: c.Commit.Message,
			Author:  c.Commit.Author.Name,
			Date:    c.Commit.Author.Date,
		})
	}
	return commits, nil
}

// repoPath normalises a repository reference to "owner/name". Full URLs
// and .git suffixes are accepted.
func repoPath(repo string) string {
	repo = strings.TrimSuffix(repo, ".git")
	if u, err := url.Parse(repo); err == nil && u.Host != "" {
		repo = strings.TrimPrefix(u.Path, "/")
	}
	return strings.Trim(repo, "/")
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("github API error %d: %s", resp.StatusCode, string(data))
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	}

	if c.breaker != nil {
		return c.breaker.Execute(call)
	}
	return call()
}
