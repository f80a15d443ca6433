package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestTasksCommandQueriesDaemon(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tasks":[]}`))
	}))
	defer ts.Close()

	home := t.TempDir()
	t.Setenv("AGENTFS_HOME", home)
	cfg := `listen_addr: "` + ts.Listener.Addr().String() + `"` + "\n" +
		`auth_token: "cli-test-token"` + "\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code := runTasksCommand(context.Background(), []string{"--domain", "example.com", "--status", "pending"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotPath != "/api/v1/tasks" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "domain=example.com&status=pending" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer cli-test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestClearCommandRefusesWithoutConfirm(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runClearCommand(context.Background(), []string{"--domain", "example.com"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestSeedCommandAppliesFile(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	seedPath := filepath.Join(t.TempDir(), "crawl.yaml")
	data := `domain: example.com
created_by: seeder
tasks:
  - title: Crawl homepage
  - title: Crawl sitemap
    priority: 2
`
	if err := os.WriteFile(seedPath, []byte(data), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	code := runSeedCommand(context.Background(), []string{seedPath})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}
