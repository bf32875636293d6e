package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath     string
	InputPath  string
	ConfigPath string

	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Self           string

	ContextBudget  int
	PromptBudget   int
	MaxOutTokens   int64
	TimeoutSeconds int

	Verbose bool
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.InputPath == "" {
		return errors.New("missing -in")
	}
	if c.BaseURL == "" {
		return errors.New("missing model base URL (flag -base-url or [model] base_url in -config)")
	}
	if c.Model == "" {
		return errors.New("missing model name (flag -model or [model] model in -config)")
	}
	if c.ContextBudget < 0 || c.PromptBudget < 0 {
		return errors.New("budgets must be >= 0")
	}
	if c.TimeoutSeconds < 0 {
		return errors.New("timeout must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.FromSlash("data/artifacts.db"),
		ContextBudget:  24_000,
		PromptBudget:   48_000,
		MaxOutTokens:   2048,
		TimeoutSeconds: 120,
	}
}

type fileConfig struct {
	Model struct {
		BaseURL        string `toml:"base_url"`
		APIKey         string `toml:"api_key"`
		Model          string `toml:"model"`
		EmbeddingModel string `toml:"embedding_model"`
		MaxOutTokens   int64  `toml:"max_output_tokens"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"model"`
	Account struct {
		Self string `toml:"self"`
	} `toml:"account"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fileConfig{}, err
	}
	return fc, nil
}

func mergeFileConfig(cfg Config, fc fileConfig) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = fc.Model.BaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = fc.Model.APIKey
	}
	if cfg.Model == "" {
		cfg.Model = fc.Model.Model
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = fc.Model.EmbeddingModel
	}
	if fc.Model.MaxOutTokens > 0 && cfg.MaxOutTokens == defaultConfig().MaxOutTokens {
		cfg.MaxOutTokens = fc.Model.MaxOutTokens
	}
	if fc.Model.TimeoutSeconds > 0 && cfg.TimeoutSeconds == defaultConfig().TimeoutSeconds {
		cfg.TimeoutSeconds = fc.Model.TimeoutSeconds
	}
	if cfg.Self == "" {
		cfg.Self = fc.Account.Self
	}
	return cfg
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}
