// Command draft-attend pre-generates reply drafts for every thread the mail
// store flags as needing attention. Each thread gets a revision-0 draft
// grounded on the user's history; optionally each thread is also classified
// for importance/deadline and the label stored for future retrieval.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

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

	log, err := buildLogger(cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("mkdir -out: %w", err).Error())
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

	var classifier *provider.Classifier
	if cfg.Classify {
		classifier, err = provider.NewClassifier(providerCfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
	}

	var audit *drafting.AuditLog
	if cfg.AuditPath != "" {
		audit, err = drafting.OpenAuditLog(cfg.AuditPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
	}

	mail := drafting.DirMailStore{Root: cfg.ThreadsDir}
	retriever := drafting.NewContextRetriever(store, embedder, drafting.DefaultRetrieverConfig(), log)
	assembler := drafting.NewPromptAssembler(drafting.AssemblerConfig{PromptBudget: cfg.PromptBudget})
	orch := drafting.NewOrchestrator(store, retriever, assembler, gateway, mail, audit,
		drafting.OrchestratorConfig{
			ContextBudget:           cfg.ContextBudget,
			MaxConcurrentModelCalls: int64(cfg.Concurrency),
			SelfAddress:             cfg.Self,
		}, log)
	ingestor := drafting.NewIngestor(store)

	threadIDs, err := mail.ListThreadsNeedingAttention(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if cfg.MaxThreads > 0 && len(threadIDs) > cfg.MaxThreads {
		threadIDs = threadIDs[:cfg.MaxThreads]
	}
	if len(threadIDs) == 0 {
		fmt.Fprintln(os.Stderr, "no threads need attention")
		return
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var drafted, skipped, failed int64
	wg := sync.WaitGroup{}
	for _, threadID := range threadIDs {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				return
			default:
			}

			outPath := draftOutPath(cfg.OutDir, threadID)
			if cfg.Resume && fileExists(outPath) {
				atomic.AddInt64(&skipped, 1)
				return
			}

			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}

			res, err := orch.GenerateDraft(ctx, threadID)
			if err != nil {
				log.Error("draft failed", zap.String("thread_id", threadID), zap.Error(err))
				atomic.AddInt64(&failed, 1)
				return
			}
			if err := writeFileAtomic(outPath, []byte(res.Text), 0o644); err != nil {
				log.Error("write draft failed", zap.String("thread_id", threadID), zap.Error(err))
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&drafted, 1)

			if classifier != nil {
				if err := classifyThread(ctx, mail, classifier, ingestor, cfg.Self, threadID); err != nil {
					log.Warn("classify failed", zap.String("thread_id", threadID), zap.Error(err))
				}
			}
		}(threadID)
	}
	wg.Wait()

	fmt.Fprintf(os.Stdout, "threads=%d drafted=%d skipped=%d failed=%d out=%s\n",
		len(threadIDs), drafted, skipped, failed, cfg.OutDir)
	if failed > 0 {
		os.Exit(1)
	}
}

func classifyThread(ctx context.Context, mail drafting.DirMailStore, classifier *provider.Classifier, ingestor *drafting.Ingestor, self, threadID string) error {
	thread, err := mail.FetchThread(ctx, threadID)
	if err != nil {
		return err
	}
	var b strings.Builder
	for i, m := range thread.Messages {
		b.WriteString(drafting.FormatMessageForPrompt(m, i == len(thread.Messages)-1))
		b.WriteByte('\n')
	}
	c, err := classifier.Classify(ctx, b.String())
	if err != nil {
		return err
	}
	_, err = ingestor.RecordClassification(threadID, thread.Correspondent(self), c)
	return err
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the artifact store database file")
	fs.StringVar(&cfg.ThreadsDir, "threads", "", "Directory of thread JSON files (the mail-store export)")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "Output directory for generated draft files")
	fs.StringVar(&cfg.AuditPath, "audit", "", "Optional path for the JSONL audit trail")
	fs.StringVar(&cfg.ConfigPath, "config", "", "Optional TOML file with [model] and [account] settings")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Model runtime base URL (e.g. http://localhost:11434/v1)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "API key (defaults to OPENAI_API_KEY; local runtimes ignore it)")
	fs.StringVar(&cfg.Model, "model", "", "Completion model name")
	fs.StringVar(&cfg.EmbeddingModel, "embedding-model", "", "Embedding model name (empty disables similarity scoring)")
	fs.StringVar(&cfg.Self, "self", "", "The user's own address, for correspondent detection")
	fs.IntVar(&cfg.ContextBudget, "context-budget", cfg.ContextBudget, "Byte budget for retrieved multi-shot context")
	fs.IntVar(&cfg.PromptBudget, "prompt-budget", cfg.PromptBudget, "Byte budget for the assembled prompt")
	fs.Int64Var(&cfg.MaxOutTokens, "max-output-tokens", cfg.MaxOutTokens, "Max completion tokens per draft")
	fs.IntVar(&cfg.TimeoutSeconds, "timeout", cfg.TimeoutSeconds, "Per-call model timeout in seconds")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Max concurrent draft generations")
	fs.Float64Var(&cfg.RatePerSec, "rate", cfg.RatePerSec, "Max generation starts per second (0 = unpaced)")
	fs.IntVar(&cfg.MaxThreads, "max-threads", 0, "Process only the first N threads (0 = all)")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "Skip threads that already have a draft file")
	fs.BoolVar(&cfg.Classify, "classify", false, "Also classify each thread and store the label")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose (development) logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.DBPath = filepath.Clean(cfg.DBPath)
	cfg.OutDir = filepath.Clean(cfg.OutDir)
	if cfg.ThreadsDir != "" {
		cfg.ThreadsDir = filepath.Clean(cfg.ThreadsDir)
	}
	if cfg.ConfigPath != "" {
		cfg.ConfigPath = filepath.Clean(cfg.ConfigPath)
	}
	return cfg, nil
}

func draftOutPath(outDir, threadID string) string {
	return filepath.Join(outDir, threadID+".draft.txt")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp_draft_*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write([]byte("\n")); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
