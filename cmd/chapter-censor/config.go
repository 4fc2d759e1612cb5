package main

import "errors"

type Config struct {
	Dir  string
	File string

	MaxRounds   int
	Fix         bool
	Model       string
	Rename      bool
	AuditPath   string
	WaitSeconds int

	APIKey           string
	ModerationAPIKey string
	ModerationSecret string
}

func (c Config) Validate() error {
	if c.Dir == "" && c.File == "" {
		return errors.New("missing -dir or -file")
	}
	if c.Dir != "" && c.File != "" {
		return errors.New("pass only one of -dir and -file")
	}
	if c.MaxRounds < 1 {
		return errors.New("max-rounds must be >= 1")
	}
	if c.Fix && c.Model == "" {
		return errors.New("-fix requires -model")
	}
	if c.WaitSeconds < 0 {
		return errors.New("wait-seconds must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		MaxRounds:   3,
		Rename:      true,
		Model:       "gpt-5-mini",
		WaitSeconds: 1,
	}
}
