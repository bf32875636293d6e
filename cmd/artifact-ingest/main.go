// Command artifact-ingest bulk-imports historical material into the artifact
// store: sent emails, edits, summaries, and classification labels exported as
// JSONL. Run it once over an archive so draft generation has history to
// retrieve from on day one.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/draft-o-matic/drafting"
)

// record is one JSONL row of the export format.
type record struct {
	ThreadID      string    `json:"thread_id"`
	Kind          string    `json:"kind"`
	Correspondent string    `json:"correspondent,omitempty"`
	Created       time.Time `json:"created,omitzero"`
	Content       string    `json:"content"`
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
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

	files, err := collectInputFiles(cfg.InputPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no .jsonl files found under -in")
		os.Exit(2)
	}

	var store *drafting.ArtifactStore
	if !cfg.DryRun {
		store, err = drafting.OpenArtifactStore(cfg.DBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		defer store.Close()
	}

	var imported, skipped, failed int
	for _, path := range files {
		i, s, f, err := ingestFile(store, log, path, cfg.DryRun)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		imported += i
		skipped += s
		failed += f
	}

	fmt.Fprintf(os.Stdout, "files=%d imported=%d skipped=%d failed=%d\n",
		len(files), imported, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func ingestFile(store *drafting.ArtifactStore, log *zap.Logger, path string, dryRun bool) (imported, skipped, failed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("ingestFile: %w", err)
	}
	defer f.Close()

	var ingestor *drafting.Ingestor
	if store != nil {
		ingestor = drafting.NewIngestor(store)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Warn("bad record", zap.String("file", path), zap.Int("line", lineNo), zap.Error(err))
			failed++
			continue
		}
		if dryRun {
			if err := validateRecord(rec); err != nil {
				log.Warn("invalid record", zap.String("file", path), zap.Int("line", lineNo), zap.Error(err))
				failed++
			} else {
				imported++
			}
			continue
		}
		ok, err := importRecord(store, ingestor, rec)
		if err != nil {
			log.Warn("import failed", zap.String("file", path), zap.Int("line", lineNo), zap.Error(err))
			failed++
			continue
		}
		if ok {
			imported++
		} else {
			skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return imported, skipped, failed, fmt.Errorf("ingestFile: read %s: %w", path, err)
	}
	return imported, skipped, failed, nil
}

func validateRecord(rec record) error {
	a := drafting.Artifact{
		ThreadID:      rec.ThreadID,
		Kind:          drafting.Kind(rec.Kind),
		Correspondent: rec.Correspondent,
		Created:       rec.Created,
		Content:       rec.Content,
	}
	return a.Validate()
}

// importRecord files one row. Returns false when the row was deliberately
// skipped (e.g. a summary for a thread that already has one).
func importRecord(store *drafting.ArtifactStore, ingestor *drafting.Ingestor, rec record) (bool, error) {
	switch drafting.Kind(rec.Kind) {
	case drafting.KindSentEmail:
		_, err := ingestor.RecordSentEmail(rec.ThreadID, rec.Correspondent, rec.Content, rec.Created)
		return err == nil, err
	case drafting.KindSummary:
		existing, err := store.Query(drafting.ArtifactQuery{
			ThreadID: rec.ThreadID,
			Kinds:    []drafting.Kind{drafting.KindSummary},
			Limit:    1,
		}).Collect()
		if err != nil {
			return false, err
		}
		if len(existing) > 0 {
			return false, nil
		}
		_, err = ingestor.RecordSummary(rec.ThreadID, rec.Correspondent, rec.Content)
		return err == nil, err
	case drafting.KindClassification:
		var c drafting.Classification
		if err := json.Unmarshal([]byte(rec.Content), &c); err != nil {
			return false, fmt.Errorf("importRecord: classification content: %w", err)
		}
		_, err := ingestor.RecordClassification(rec.ThreadID, rec.Correspondent, c)
		return err == nil, err
	default:
		_, err := store.Put(drafting.Artifact{
			ThreadID:      rec.ThreadID,
			Kind:          drafting.Kind(rec.Kind),
			Correspondent: rec.Correspondent,
			Created:       rec.Created,
			Content:       rec.Content,
		})
		return err == nil, err
	}
}

func collectInputFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("collectInputFiles: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(p), ".jsonl") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collectInputFiles: %w", err)
	}
	sort.Strings(files)
	return files, nil
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
	fs.StringVar(&cfg.InputPath, "in", "", "JSONL file or directory of .jsonl files to import")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate records without writing to the store")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose (development) logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.DBPath = filepath.Clean(cfg.DBPath)
	if cfg.InputPath != "" {
		cfg.InputPath = filepath.Clean(cfg.InputPath)
	}
	return cfg, nil
}
