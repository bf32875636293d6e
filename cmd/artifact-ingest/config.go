package main

import (
	"errors"
	"path/filepath"
)

type Config struct {
	DBPath    string
	InputPath string
	DryRun    bool
	Verbose   bool
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("missing -db")
	}
	if c.InputPath == "" {
		return errors.New("missing -in")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath: filepath.FromSlash("data/artifacts.db"),
	}
}
