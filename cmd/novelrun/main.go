// Command novelrun drives the full novel generation pipeline: it generates
// chapters sequentially, repairs continuity conflicts against the accumulated
// fact ledger, rewrites drafts until they pass content moderation, and
// checkpoints after every chapter so an interrupted run can resume.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sablewood/novelforge/pipeline"
	"github.com/sablewood/novelforge/pipeline/provider"
)

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

	settings := pipeline.DefaultSettings()
	if cfg.SettingsPath != "" {
		s, err := pipeline.LoadSettings(cfg.SettingsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		settings = s
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gen pipeline.Generator
	if !cfg.DryRun {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		g, err := provider.NewChatGenerator(apiKey, cfg.Model)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		gen = g
	}

	var mod pipeline.Moderator
	if !cfg.NoCensor && !cfg.DryRun {
		modKey := cfg.ModerationAPIKey
		if modKey == "" {
			modKey = os.Getenv("MODERATION_API_KEY")
		}
		modSecret := cfg.ModerationSecret
		if modSecret == "" {
			modSecret = os.Getenv("MODERATION_SECRET_KEY")
		}
		if modKey == "" || modSecret == "" {
			fmt.Fprintln(os.Stderr, "moderation credentials missing, compliance stage disabled (pass -no-censor to silence)")
		} else {
			m, err := provider.NewTextCensor(modKey, modSecret)
			if err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				os.Exit(2)
			}
			mod = m
		}
	}

	runner := &pipeline.Runner{
		Gen:      gen,
		Mod:      mod,
		Settings: settings,
		Config: pipeline.RunConfig{
			OutDir:          cfg.OutDir,
			Chapters:        cfg.Chapters,
			StartChapter:    cfg.StartChapter,
			ContextWindow:   cfg.ContextWindow,
			MaxRepairRounds: cfg.MaxRepairRounds,
			ChapterCooldown: time.Duration(cfg.WaitSeconds) * time.Second,
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			MaxOutputTokens: int64(cfg.MaxOutputTokens),
			RepairModel:     cfg.RepairModel,
			DryRun:          cfg.DryRun,
			Quiet:           cfg.Quiet,
		},
		Stderr: os.Stderr,
	}

	stats, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	fmt.Printf("chapters_written=%d moderation_failures=%d residual_conflicts=%d input_tokens=%d output_tokens=%d total_tokens=%d out=%s\n",
		stats.ChaptersWritten,
		stats.ModerationFailures,
		stats.ResidualConflicts,
		stats.Usage.InputTokens,
		stats.Usage.OutputTokens,
		stats.Usage.TotalTokens,
		cfg.OutDir,
	)
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "Output directory for chapters/summaries/logs/checkpoints")
	fs.StringVar(&cfg.SettingsPath, "settings", "", "Optional YAML settings file (default: built-in story settings)")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model for chapter generation")
	fs.StringVar(&cfg.RepairModel, "repair-model", "", "Model override for rewrite/title/summary calls (default: -model)")
	fs.IntVar(&cfg.Chapters, "chapters", cfg.Chapters, "Total number of chapters to generate")
	fs.IntVar(&cfg.StartChapter, "start-chapter", cfg.StartChapter, "First chapter to generate (resumes from checkpoint of chapter N-1)")
	fs.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "Sampling temperature for chapter generation")
	fs.Float64Var(&cfg.TopP, "top-p", cfg.TopP, "Nucleus sampling parameter for chapter generation")
	fs.IntVar(&cfg.MaxOutputTokens, "max-output-tokens", cfg.MaxOutputTokens, "Max output tokens per chapter generation call")
	fs.IntVar(&cfg.WaitSeconds, "wait-seconds", cfg.WaitSeconds, "Seconds to wait between chapters (skipped after the last)")
	fs.IntVar(&cfg.MaxRepairRounds, "max-repair-rounds", cfg.MaxRepairRounds, "Max compliance rewrite rounds per chapter")
	fs.IntVar(&cfg.ContextWindow, "context-window", cfg.ContextWindow, "Number of trailing chapter summaries fed into each prompt")
	fs.BoolVar(&cfg.NoCensor, "no-censor", false, "Disable the content moderation stage")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Write placeholder chapters without calling any API")
	fs.BoolVar(&cfg.Quiet, "quiet", false, "Suppress progress output on stderr")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")
	fs.StringVar(&cfg.ModerationAPIKey, "moderation-api-key", "", "Moderation API key (overrides MODERATION_API_KEY env var)")
	fs.StringVar(&cfg.ModerationSecret, "moderation-secret-key", "", "Moderation secret key (overrides MODERATION_SECRET_KEY env var)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
