package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlags_Overrides(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("draft-once", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{
		"-db", "work/artifacts.db",
		"-in", "work/threads/t1.json",
		"-base-url", "http://localhost:11434/v1",
		"-model", "qwen3:8b",
		"-self", "pat@example.com",
		"-prompt-budget", "9000",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.InputPath != filepath.FromSlash("work/threads/t1.json") {
		t.Fatalf("InputPath=%q", cfg.InputPath)
	}
	if cfg.Model != "qwen3:8b" || cfg.Self != "pat@example.com" {
		t.Fatalf("Model=%q Self=%q", cfg.Model, cfg.Self)
	}
	if cfg.PromptBudget != 9000 {
		t.Fatalf("PromptBudget=%d", cfg.PromptBudget)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
	ok := defaultConfig()
	ok.InputPath = "t1.json"
	ok.BaseURL = "http://localhost:11434/v1"
	ok.Model = "qwen3:8b"
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestSplitThreadPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "thread-9.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	root, threadID, err := splitThreadPath(path)
	if err != nil {
		t.Fatalf("splitThreadPath: %v", err)
	}
	if root != dir {
		t.Fatalf("root=%q, want %q", root, dir)
	}
	if threadID != "thread-9" {
		t.Fatalf("threadID=%q", threadID)
	}

	if _, _, err := splitThreadPath(dir); err == nil {
		t.Fatalf("expected error for directory input")
	}

	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := splitThreadPath(txt); err == nil {
		t.Fatalf("expected error for non-json input")
	}
}
