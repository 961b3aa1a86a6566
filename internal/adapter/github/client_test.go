package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/port/scm"
)

// Compile-time interface check.
var _ scm.Client = (*Client)(nil)

func newTestClient(url string) *Client {
	return NewClient(config.GitHub{APIURL: url, Token: "gh-token"})
}

func TestRepoPath(t *testing.T) {
	tests := []struct {
		repo string
		want string
	}{
		{"acme/api", "acme/api"},
		{"/acme/api/", "acme/api"},
		{"https://github.com/acme/api", "acme/api"},
		{"https://github.com/acme/api.git", "acme/api"},
		{"https://git.acme.dev/platform/core", "platform/core"},
	}

	for _, tt := range tests {
		if got := repoPath(tt.repo); got != tt.want {
			t.Errorf("repoPath(%q) = %q, expected %q", tt.repo, got, tt.want)
		}
	}
}

func TestListPullRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/pulls" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("state"); got != "open" {
			t.Errorf("unexpected state: %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github+json" {
			t.Errorf("unexpected accept header: %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gh-token" {
			t.Errorf("unexpected auth: %q", got)
		}

		_, _ = w.Write([]byte(`[
			{"number":7,"title":"Add CSV export","state":"open",
			 "html_url":"https://github.com/acme/api/pull/7",
			 "head":{"ref":"feature/task-8001"},"base":{"ref":"develop"}},
			{"number":6,"title":"Fix crash","state":"open",
			 "head":{"ref":"bug/task-7990"},"base":{"ref":"main"}}
		]`))
	}))
	defer srv.Close()

	prs, err := newTestClient(srv.URL).ListPullRequests(context.Background(), "https://github.com/acme/api", "open")
	if err != nil {
		t.Fatalf("ListPullRequests failed: %v", err)
	}
	if len(prs) != 2 {
		t.Fatalf("expected 2 pull requests, got %d", len(prs))
	}
	if prs[0].Number != 7 || prs[0].Title != "Add CSV export" {
		t.Errorf("unexpected first PR: %+v", prs[0])
	}
	if prs[0].HeadBranch != "feature/task-8001" || prs[0].BaseBranch != "develop" {
		t.Errorf("expected branches mapped, got %+v", prs[0])
	}
	if prs[0].URL != "https://github.com/acme/api/pull/7" {
		t.Errorf("expected html_url mapped, got %q", prs[0].URL)
	}
}

func TestListPullRequestsMergedFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The API has no merged state; merged is closed plus merged_at.
		if got := r.URL.Query().Get("state"); got != "closed" {
			t.Errorf("expected closed state upstream, got %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"number":5,"title":"Merged work","state":"closed","merged_at":"2026-03-01T10:00:00Z",
			 "head":{"ref":"a"},"base":{"ref":"main"}},
			{"number":4,"title":"Abandoned work","state":"closed",
			 "head":{"ref":"b"},"base":{"ref":"main"}}
		]`))
	}))
	defer srv.Close()

	prs, err := newTestClient(srv.URL).ListPullRequests(context.Background(), "acme/api", "merged")
	if err != nil {
		t.Fatalf("ListPullRequests failed: %v", err)
	}
	if len(prs) != 1 {
		t.Fatalf("expected only merged PRs, got %d", len(prs))
	}
	if prs[0].Number != 5 || prs[0].State != "merged" {
		t.Errorf("unexpected merged PR: %+v", prs[0])
	}
}

func TestGetPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/pulls/7" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"number":7,"title":"Add CSV export","state":"open","head":{"ref":"feature/task-8001"},"base":{"ref":"develop"}}`))
	}))
	defer srv.Close()

	pr, err := newTestClient(srv.URL).GetPullRequest(context.Background(), "acme/api", 7)
	if err != nil {
		t.Fatalf("GetPullRequest failed: %v", err)
	}
	if pr.Number != 7 || pr.State != "open" {
		t.Errorf("unexpected PR: %+v", pr)
	}
}

func TestCreatePullRequest(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/repos/acme/api/pulls" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"number":8,"title":"Add CSV export","state":"open","html_url":"https://github.com/acme/api/pull/8","head":{"ref":"feature/task-8001"},"base":{"ref":"develop"}}`))
	}))
	defer srv.Close()

	pr, err := newTestClient(srv.URL).CreatePullRequest(context.Background(), "acme/api", scm.CreatePRRequest{
		Title:      "Add CSV export",
		Body:       "Closes task 8001",
		HeadBranch: "feature/task-8001",
		BaseBranch: "develop",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest failed: %v", err)
	}
	if pr.Number != 8 {
		t.Errorf("expected PR number 8, got %d", pr.Number)
	}
	if body["head"] != "feature/task-8001" || body["base"] != "develop" {
		t.Errorf("unexpected request body: %v", body)
	}
	if body["title"] != "Add CSV export" || body["body"] != "Closes task 8001" {
		t.Errorf("unexpected request body: %v", body)
	}
}

func TestMergePullRequest(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/repos/acme/api/pulls/7/merge" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"merged":true}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).MergePullRequest(context.Background(), "acme/api", 7); err != nil {
		t.Fatalf("MergePullRequest failed: %v", err)
	}
	if body["merge_method"] != "squash" {
		t.Errorf("expected squash merge, got %v", body)
	}
}

func TestAddPullRequestComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/issues/7/comments" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).AddPullRequestComment(context.Background(), "acme/api", 7, "Tests passed")
	if err != nil {
		t.Fatalf("AddPullRequestComment failed: %v", err)
	}
}

func TestListRecentCommits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/commits" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("sha"); got != "develop" {
			t.Errorf("unexpected sha: %q", got)
		}
		if got := r.URL.Query().Get("per_page"); got != "10" {
			t.Errorf("expected default limit 10, got %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"sha":"abc123","commit":{"message":"feat: csv export","author":{"name":"Dana","date":"2026-03-01T10:00:00Z"}}}
		]`))
	}))
	defer srv.Close()

	commits, err := newTestClient(srv.URL).ListRecentCommits(context.Background(), "acme/api", "develop", 0)
	if err != nil {
		t.Fatalf("ListRecentCommits failed: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(commits))
	}
	if commits[0].SHA != "abc123" || commits[0].Author != "Dana" {
		t.Errorf("unexpected commit: %+v", commits[0])
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetPullRequest(context.Background(), "acme/api", 99)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "github API error 404") {
		t.Errorf("expected status in error, got %v", err)
	}
}
