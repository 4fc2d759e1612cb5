// Command chapter-censor runs content moderation over already generated
// chapter files. With -fix it also attempts bounded rewrite rounds on the
// failing ones; chapters that still fail are renamed with an 审核失败 marker
// and recorded in the audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/sablewood/novelforge/pipeline"
	"github.com/sablewood/novelforge/pipeline/fileutils"
	"github.com/sablewood/novelforge/pipeline/provider"
)

var chapterIndexPattern = regexp.MustCompile(`第(\d+)章`)

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

	modKey := cfg.ModerationAPIKey
	if modKey == "" {
		modKey = os.Getenv("MODERATION_API_KEY")
	}
	modSecret := cfg.ModerationSecret
	if modSecret == "" {
		modSecret = os.Getenv("MODERATION_SECRET_KEY")
	}
	mod, err := provider.NewTextCensor(modKey, modSecret)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	var gen pipeline.Generator
	if cfg.Fix {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := collectChapterFiles(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no chapter .md files found")
		os.Exit(2)
	}

	auditPath := cfg.AuditPath
	if auditPath == "" {
		base := cfg.Dir
		if base == "" {
			base = filepath.Dir(cfg.File)
		}
		auditPath = filepath.Join(base, "audit", "censor_failures.jsonl")
	}
	audit := &pipeline.AuditLog{Path: auditPath}

	var passed, fixed, failed int
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("read %s: %w", path, err).Error())
			os.Exit(1)
		}
		chapter := chapterIndex(path)
		fmt.Fprintf(os.Stderr, "[审核] %s\n", filepath.Base(path))

		res := pipeline.RepairUntilCompliant(ctx, gen, mod, string(raw), chapter, pipeline.ComplianceConfig{
			MaxRounds: cfg.MaxRounds,
			Audit:     audit,
			Stderr:    os.Stderr,
		})
		switch {
		case res.Compliant && res.Rounds == 0:
			passed++
		case res.Compliant:
			fixed++
			if err := fileutils.WriteFileAtomic(path, []byte(res.Text), 0o644); err != nil {
				fmt.Fprintln(os.Stderr, fmt.Errorf("write %s: %w", path, err).Error())
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "[审核] %s: 修订后通过 (%d轮)\n", filepath.Base(path), res.Rounds)
		default:
			failed++
			fmt.Fprintf(os.Stderr, "[审核] %s: 未通过\n", filepath.Base(path))
			if cfg.Rename {
				if renamed, err := markFailed(path, chapter); err != nil {
					fmt.Fprintln(os.Stderr, fmt.Errorf("rename %s: %w", path, err).Error())
				} else if renamed != path {
					fmt.Fprintf(os.Stderr, "[审核] 已改名 → %s\n", filepath.Base(renamed))
				}
			}
		}

		if i < len(files)-1 && cfg.WaitSeconds > 0 {
			time.Sleep(time.Duration(cfg.WaitSeconds) * time.Second)
		}
	}

	fmt.Printf("files=%d passed=%d fixed=%d failed=%d audit=%s\n", len(files), passed, fixed, failed, auditPath)
	if failed > 0 {
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.Dir, "dir", "", "Directory of chapter .md/.txt files to audit")
	fs.StringVar(&cfg.File, "file", "", "Single chapter file to audit")
	fs.IntVar(&cfg.MaxRounds, "max-rounds", cfg.MaxRounds, "Max rewrite rounds per failing chapter (with -fix)")
	fs.BoolVar(&cfg.Fix, "fix", false, "Rewrite failing chapters instead of only reporting them")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model used for rewrites (with -fix)")
	fs.BoolVar(&cfg.Rename, "rename", cfg.Rename, "Rename chapters that stay non-compliant with an 审核失败 marker")
	fs.StringVar(&cfg.AuditPath, "audit", "", "Path for the failure audit JSONL (default: <dir>/audit/censor_failures.jsonl)")
	fs.IntVar(&cfg.WaitSeconds, "wait-seconds", cfg.WaitSeconds, "Seconds to wait between files")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")
	fs.StringVar(&cfg.ModerationAPIKey, "moderation-api-key", "", "Moderation API key (overrides MODERATION_API_KEY env var)")
	fs.StringVar(&cfg.ModerationSecret, "moderation-secret-key", "", "Moderation secret key (overrides MODERATION_SECRET_KEY env var)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func collectChapterFiles(cfg Config) ([]string, error) {
	if cfg.File != "" {
		return []string{cfg.File}, nil
	}
	var matches []string
	for _, pattern := range []string{"*.md", "*.txt"} {
		found, err := filepath.Glob(filepath.Join(cfg.Dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("collectChapterFiles: %w", err)
		}
		matches = append(matches, found...)
	}
	// Keep the scan order stable by chapter index, then name.
	sort.Slice(matches, func(i, j int) bool {
		ci, cj := chapterIndex(matches[i]), chapterIndex(matches[j])
		if ci != cj {
			return ci < cj
		}
		return matches[i] < matches[j]
	})
	return matches, nil
}

// chapterIndex extracts N from a 第N章 filename, 0 when absent.
func chapterIndex(path string) int {
	m := chapterIndexPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// markFailed renames a non-compliant chapter file to 第N章_审核失败 plus the
// file's own extension. Files already carrying the marker are left alone.
func markFailed(path string, chapter int) (string, error) {
	base := filepath.Base(path)
	if chapter == 0 {
		return path, nil
	}
	target := filepath.Join(filepath.Dir(path), fmt.Sprintf("第%d章_审核失败%s", chapter, filepath.Ext(path)))
	if base == filepath.Base(target) {
		return path, nil
	}
	if err := os.Rename(path, target); err != nil {
		return path, err
	}
	return target, nil
}
