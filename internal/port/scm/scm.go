// Package scm defines the port for the source-hosting API.
package scm

import (
	"context"
	"time"
)

// PullRequest is a pull request as seen by the core.
type PullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	State      string    `json:"state"` // "open", "closed", "merged"
	HeadBranch string    `json:"head_branch"`
	BaseBranch string    `json:"base_branch"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}

// File is one changed file in a pull request.
type File struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Commit is one repository commit.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// CreatePRRequest holds the fields for opening a pull request.
type CreatePRRequest struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// Client is the port interface for the source-hosting API.
type Client interface {
	ListPullRequests(ctx context.Context, repo, state string) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	ListPullRequestFiles(ctx context.Context, repo string, number int) ([]File, error)
	CreatePullRequest(ctx context.Context, repo string, req CreatePRRequest) (*PullRequest, error)
	AddPullRequestComment(ctx context.Context, repo string, number int, body string) error
	MergePullRequest(ctx context.Context, repo string, number int) error
	ListRecentCommits(ctx context.Context, repo, branch string, limit int) ([]Commit, error)
}
