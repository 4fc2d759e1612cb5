package main

import (
	"errors"
	"path/filepath"
)

type Config struct {
	OutDir       string
	SettingsPath string
	Model        string
	RepairModel  string

	Chapters     int
	StartChapter int

	Temperature     float64
	TopP            float64
	MaxOutputTokens int

	WaitSeconds     int
	MaxRepairRounds int
	ContextWindow   int

	NoCensor bool
	DryRun   bool
	Quiet    bool

	APIKey           string
	ModerationAPIKey string
	ModerationSecret string
}

func (c Config) Validate() error {
	if c.OutDir == "" {
		return errors.New("missing -out")
	}
	if c.Model == "" {
		return errors.New("missing -model")
	}
	if c.Chapters < 1 {
		return errors.New("chapters must be >= 1")
	}
	if c.StartChapter < 1 {
		return errors.New("start-chapter must be >= 1")
	}
	if c.StartChapter > c.Chapters {
		return errors.New("start-chapter must be <= chapters")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("temperature must be in [0, 2]")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return errors.New("top-p must be in [0, 1]")
	}
	if c.MaxOutputTokens < 1 {
		return errors.New("max-output-tokens must be >= 1")
	}
	if c.WaitSeconds < 0 {
		return errors.New("wait-seconds must be >= 0")
	}
	if c.MaxRepairRounds < 1 {
		return errors.New("max-repair-rounds must be >= 1")
	}
	if c.ContextWindow < 1 {
		return errors.New("context-window must be >= 1")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		OutDir:          filepath.FromSlash("outputs"),
		Model:           "gpt-5-mini",
		Chapters:        15,
		StartChapter:    1,
		Temperature:     0.75,
		TopP:            0.85,
		MaxOutputTokens: 4600,
		WaitSeconds:     60,
		MaxRepairRounds: 3,
		ContextWindow:   3,
	}
}
