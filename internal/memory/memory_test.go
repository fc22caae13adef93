package memory

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/osa-agent/osa/pkg/models"
)

func TestSessionLogAppendAndLoad(t *testing.T) {
	log := NewSessionLog(t.TempDir())

	msgs := []models.Message{
		{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "hello"},
		{ID: "m2", SessionID: "s1", Role: models.RoleAssistant, Content: "hi there"},
	}
	for _, m := range msgs {
		if err := log.Append("s1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	loaded, err := log.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(loaded))
	}
	if loaded[0].Content != "hello" || loaded[1].Content != "hi there" {
		t.Errorf("order or content lost: %+v", loaded)
	}
	if loaded[0].Timestamp.IsZero() {
		t.Error("append did not stamp the message")
	}
}

func TestSessionLogResumeUnknown(t *testing.T) {
	log := NewSessionLog(t.TempDir())
	if _, err := log.Resume("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionLogTailSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	log := NewSessionLog(dir)
	if err := log.Append("s1", models.Message{ID: "m1", Role: models.RoleUser, Content: "persisted"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A fresh instance has a cold tail and must fall back to disk.
	reopened := NewSessionLog(dir)
	tail, err := reopened.Tail("s1", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Content != "persisted" {
		t.Errorf("tail after restart = %+v", tail)
	}
}

func TestSessionLogTailBounded(t *testing.T) {
	log := NewSessionLog(t.TempDir())
	for i := 0; i < 5; i++ {
		if err := log.Append("s1", models.Message{Role: models.RoleUser, Content: strings.Repeat("x", i+1)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	tail, err := log.Tail("s1", 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail len = %d, want 2", len(tail))
	}
	if tail[1].Content != "xxxxx" {
		t.Errorf("tail not most-recent-last: %+v", tail)
	}
}

func TestRememberAndRecall(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Remember("The staging database lives on host db-staging-2", "infra", 0.8); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := store.Remember("User prefers dark mode in the dashboard", "preference", 0.4); err != nil {
		t.Fatalf("remember: %v", err)
	}

	block := store.RecallRelevant("where is the staging database", 200)
	if !strings.Contains(block, "db-staging-2") {
		t.Errorf("recall missed relevant memory:\n%s", block)
	}
	if strings.Contains(block, "dark mode") {
		t.Errorf("recall included unrelated memory:\n%s", block)
	}
}

func TestRecallRespectsBudget(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := store.Remember("deployment pipeline step number "+strings.Repeat("x", i), "", 0.5); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}
	block := store.RecallRelevant("deployment pipeline", 30)
	if block == "" {
		t.Fatal("expected at least one recalled memory")
	}
	if n := strings.Count(block, "\n- "); n > 5 {
		t.Errorf("budget ignored, %d lines recalled", n)
	}
}

func TestRecallEmptyCases(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := store.RecallRelevant("anything", 100); got != "" {
		t.Errorf("empty store recalled %q", got)
	}
	if err := store.Remember("something stored", "", 0); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if got := store.RecallRelevant("the a an", 100); got != "" {
		t.Errorf("stopword-only query recalled %q", got)
	}
	if got := store.RecallRelevant("something", 0); got != "" {
		t.Errorf("zero budget recalled %q", got)
	}
}

func TestStoreReloadRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Remember("kubernetes cluster upgrade scheduled", "ops", 0.9); err != nil {
		t.Fatalf("remember: %v", err)
	}

	reopened, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("reopened store has %d entries, want 1", reopened.Len())
	}
	if block := reopened.RecallRelevant("kubernetes upgrade", 100); !strings.Contains(block, "cluster") {
		t.Errorf("index not rebuilt on reload:\n%s", block)
	}
}

func TestRecencyBreaksTies(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Now()
	store.now = func() time.Time { return base.Add(-90 * 24 * time.Hour) }
	if err := store.Remember("release checklist includes smoke tests", "", 0.5); err != nil {
		t.Fatalf("remember: %v", err)
	}
	store.now = func() time.Time { return base }
	if err := store.Remember("release checklist now includes canary rollout", "", 0.5); err != nil {
		t.Fatalf("remember: %v", err)
	}

	block := store.RecallRelevant("release checklist", 40)
	if !strings.Contains(block, "canary") {
		t.Errorf("recent memory not preferred:\n%s", block)
	}
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("The Deployment failed, and the deployment logs show an OOM")
	want := map[string]bool{"deployment": true, "failed": true, "logs": true, "show": true, "oom": true}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v", got)
	}
	for _, kw := range got {
		if !want[kw] {
			t.Errorf("unexpected keyword %q", kw)
		}
	}
}
