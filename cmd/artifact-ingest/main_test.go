package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/draft-o-matic/drafting"
)

func TestParseFlags_Overrides(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("artifact-ingest", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{
		"-db", "work/artifacts.db",
		"-in", "work/export",
		"-dry-run",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.DBPath != filepath.FromSlash("work/artifacts.db") {
		t.Fatalf("DBPath=%q", cfg.DBPath)
	}
	if cfg.InputPath != filepath.FromSlash("work/export") {
		t.Fatalf("InputPath=%q", cfg.InputPath)
	}
	if !cfg.DryRun {
		t.Fatalf("DryRun=%v", cfg.DryRun)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
	if err := (Config{DBPath: "a.db", InputPath: "in.jsonl"}).Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestCollectInputFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.jsonl", "a.jsonl", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	files, err := collectInputFiles(dir)
	if err != nil {
		t.Fatalf("collectInputFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v", files)
	}
	if filepath.Base(files[0]) != "a.jsonl" || filepath.Base(files[1]) != "b.jsonl" {
		t.Fatalf("files not sorted: %v", files)
	}

	single := filepath.Join(dir, "a.jsonl")
	files, err = collectInputFiles(single)
	if err != nil {
		t.Fatalf("collectInputFiles single: %v", err)
	}
	if len(files) != 1 || files[0] != single {
		t.Fatalf("files=%v", files)
	}
}

func TestIngestFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := drafting.OpenArtifactStore(filepath.Join(dir, "artifacts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	body := `{"thread_id":"t1","kind":"sent_email","correspondent":"kim@example.com","created":"2026-02-01T10:00:00Z","content":"Thanks, sounds good."}
{"thread_id":"t1","kind":"summary","correspondent":"kim@example.com","content":"Scheduling a demo."}
{"thread_id":"t1","kind":"summary","correspondent":"kim@example.com","content":"Duplicate summary."}
{"thread_id":"t1","kind":"classification","correspondent":"kim@example.com","content":"{\"importance\":\"normal\"}"}
{"thread_id":"","kind":"sent_email","content":"missing thread"}
`
	path := filepath.Join(dir, "export.jsonl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	imported, skipped, failed, err := ingestFile(store, zap.NewNop(), path, false)
	if err != nil {
		t.Fatalf("ingestFile: %v", err)
	}
	if imported != 3 || skipped != 1 || failed != 1 {
		t.Fatalf("imported=%d skipped=%d failed=%d", imported, skipped, failed)
	}

	n, err := store.Count("t1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("Count=%d, want 3", n)
	}

	rows, err := store.Query(drafting.ArtifactQuery{
		ThreadID: "t1",
		Kinds:    []drafting.Kind{drafting.KindSentEmail},
	}).Collect()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	if rows[0].Content != "Thanks, sounds good." {
		t.Fatalf("Content=%q", rows[0].Content)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if !rows[0].Created.Equal(want) {
		t.Fatalf("Created=%v, want %v", rows[0].Created, want)
	}
}

func TestIngestFile_DryRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := `{"thread_id":"t1","kind":"sent_email","content":"ok"}
{"thread_id":"t1","kind":"mystery","content":"bad kind"}
`
	path := filepath.Join(dir, "export.jsonl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	imported, skipped, failed, err := ingestFile(nil, zap.NewNop(), path, true)
	if err != nil {
		t.Fatalf("ingestFile: %v", err)
	}
	if imported != 1 || skipped != 0 || failed != 1 {
		t.Fatalf("imported=%d skipped=%d failed=%d", imported, skipped, failed)
	}
}
