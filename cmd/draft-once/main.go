// Command draft-once generates a single reply draft for one thread file and
// prints it to stdout. Handy for piping into an editor or inspecting what the
// assembled context produces for a specific conversation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/draft-o-matic/drafting"
	"github.com/theimaginaryfoundation/draft-o-matic/drafting/provider"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if cfg.ConfigPath != "" {
		fc, err := loadFileConfig(cfg.ConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		cfg = mergeFileConfig(cfg, fc)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	log := zap.NewNop()
	if cfg.Verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		defer log.Sync()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, threadID, err := splitThreadPath(cfg.InputPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	store, err := drafting.OpenArtifactStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	defer store.Close()

	providerCfg := provider.Config{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.apiKey(),
		Model:           cfg.Model,
		EmbeddingModel:  cfg.EmbeddingModel,
		MaxOutputTokens: cfg.MaxOutTokens,
		Timeout:         cfg.timeout(),
	}
	gateway, err := provider.NewGateway(providerCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	var embedder drafting.Embedder
	if cfg.EmbeddingModel != "" {
		e, err := provider.NewEmbedder(providerCfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		embedder = e
	}

	mail := drafting.DirMailStore{Root: root}
	retriever := drafting.NewContextRetriever(store, embedder, drafting.DefaultRetrieverConfig(), log)
	assembler := drafting.NewPromptAssembler(drafting.AssemblerConfig{PromptBudget: cfg.PromptBudget})
	orch := drafting.NewOrchestrator(store, retriever, assembler, gateway, mail, nil,
		drafting.OrchestratorConfig{
			ContextBudget:           cfg.ContextBudget,
			MaxConcurrentModelCalls: 1,
			SelfAddress:             cfg.Self,
		}, log)

	res, err := orch.GenerateDraft(ctx, threadID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, res.Text)
}

// splitThreadPath turns a thread file path into the mail-store root and the
// thread id the store resolves it under.
func splitThreadPath(path string) (root, threadID string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("splitThreadPath: %w", err)
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("splitThreadPath: %s is a directory, want a thread .json file", path)
	}
	base := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(base), ".json") {
		return "", "", fmt.Errorf("splitThreadPath: %s is not a .json file", path)
	}
	return filepath.Dir(path), strings.TrimSuffix(base, filepath.Ext(base)), nil
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the artifact store database file")
	fs.StringVar(&cfg.InputPath, "in", "", "Thread JSON file to draft a reply for")
	fs.StringVar(&cfg.ConfigPath, "config", "", "Optional TOML file with [model] and [account] settings")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Model runtime base URL (e.g. http://localhost:11434/v1)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "API key (defaults to OPENAI_API_KEY; local runtimes ignore it)")
	fs.StringVar(&cfg.Model, "model", "", "Completion model name")
	fs.StringVar(&cfg.EmbeddingModel, "embedding-model", "", "Embedding model name (empty disables similarity scoring)")
	fs.StringVar(&cfg.Self, "self", "", "The user's own address, for correspondent detection")
	fs.IntVar(&cfg.ContextBudget, "context-budget", cfg.ContextBudget, "Byte budget for retrieved multi-shot context")
	fs.IntVar(&cfg.PromptBudget, "prompt-budget", cfg.PromptBudget, "Byte budget for the assembled prompt")
	fs.Int64Var(&cfg.MaxOutTokens, "max-output-tokens", cfg.MaxOutTokens, "Max completion tokens")
	fs.IntVar(&cfg.TimeoutSeconds, "timeout", cfg.TimeoutSeconds, "Model call timeout in seconds")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose (development) logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.DBPath = filepath.Clean(cfg.DBPath)
	if cfg.InputPath != "" {
		cfg.InputPath = filepath.Clean(cfg.InputPath)
	}
	if cfg.ConfigPath != "" {
		cfg.ConfigPath = filepath.Clean(cfg.ConfigPath)
	}
	return cfg, nil
}
