package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseIssueURL(t *testing.T) {
	owner, repo, num, err := ParseIssueURL("https://github.com/octo/sample-repo/issues/1")
	if err != nil {
		t.Fatalf("ParseIssueURL failed: %v", err)
	}
	if owner != "octo" || repo != "sample-repo" || num != 1 {
		t.Errorf("unexpected parse result: %s/%s#%d", owner, repo, num)
	}

	bad := []string{
		"https://github.com/owner/repo",
		"https://github.com/owner/repo/pull/3",
		"not a url",
		"",
	}
	for _, u := range bad {
		if _, _, _, err := ParseIssueURL(u); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestIsIssueURL(t *testing.T) {
	if !IsIssueURL("https://github.com/a/b/issues/12") {
		t.Error("expected issue URL to be recognized")
	}
	if IsIssueURL("problem.md") {
		t.Error("expected path not to be recognized as issue URL")
	}
}

func TestFetchIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/owner/repo/issues/7" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header: %q", got)
		}
		_ = json.NewEncoder(w).Encode(Issue{
			Number: 7,
			Title:  "Crash on empty input",
			Body:   "Steps to reproduce...",
			State:  "open",
		})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	issue, err := c.FetchIssue(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatalf("FetchIssue failed: %v", err)
	}
	if issue.Title != "Crash on empty input" {
		t.Errorf("unexpected title: %q", issue.Title)
	}
	if issue.IsPullRequest() {
		t.Error("expected plain issue, not PR")
	}
}

func TestFetchIssue_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if _, err := c.FetchIssue(context.Background(), "owner", "repo", 999); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOpenPR_DryRun(t *testing.T) {
	// No server: dry run must never touch the network.
	c := NewClient("", WithBaseURL("http://127.0.0.1:1"))
	pr, err := c.OpenPR(context.Background(), PROptions{
		Owner:  "owner",
		Repo:   "repo",
		Title:  "Fix crash",
		Head:   "swebox/fix-7",
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("dry-run OpenPR failed: %v", err)
	}
	if pr != nil {
		t.Error("expected nil PR in dry-run mode")
	}
}

func TestOpenPR_RequiresToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	c := NewClient("", WithBaseURL("http://127.0.0.1:1"))
	if _, err := c.OpenPR(context.Background(), PROptions{
		Owner: "owner", Repo: "repo", Head: "branch",
	}); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestOpenPR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/owner/repo/pulls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["base"] != "main" {
			t.Errorf("expected base=main default, got %v", body["base"])
		}
		_ = json.NewEncoder(w).Encode(PullRequest{Number: 42, HTMLURL: "https://github.com/owner/repo/pull/42"})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	pr, err := c.OpenPR(context.Background(), PROptions{
		Owner: "owner",
		Repo:  "repo",
		Title: "Fix crash",
		Head:  "swebox/fix-7",
	})
	if err != nil {
		t.Fatalf("OpenPR failed: %v", err)
	}
	if pr.Number != 42 {
		t.Errorf("unexpected PR number: %d", pr.Number)
	}
}
