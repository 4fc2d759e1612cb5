package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sablewood/novelforge/pipeline/fileutils"
)

// RunConfig controls one full generation run.
type RunConfig struct {
	OutDir       string
	Chapters     int
	StartChapter int

	ContextWindow   int
	MaxRepairRounds int
	ChapterCooldown time.Duration // between chapters, skipped after the last
	RepairCooldown  time.Duration // between compliance repair rounds

	Temperature     float64
	TopP            float64
	MaxOutputTokens int64

	// RepairModel optionally overrides the default model for rewrite, title,
	// and summary calls.
	RepairModel string

	DryRun bool
	Quiet  bool
}

// applyDefaults fills fields a run cannot proceed without. ChapterCooldown,
// Temperature, and TopP pass through untouched: zero is a valid request for
// them, and the CLI supplies its own defaults.
func (c *RunConfig) applyDefaults() {
	if c.Chapters <= 0 {
		c.Chapters = 15
	}
	if c.StartChapter <= 0 {
		c.StartChapter = 1
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.MaxRepairRounds <= 0 {
		c.MaxRepairRounds = 3
	}
	if c.RepairCooldown <= 0 {
		c.RepairCooldown = 2 * time.Second
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 4600
	}
}

// RunStats summarizes a completed run for the caller's exit report.
type RunStats struct {
	ChaptersWritten    int
	ModerationFailures int
	ResidualConflicts  int
	Usage              UsageStats
}

// Runner drives the per-chapter convergence pipeline: generate, repair for
// continuity, repair for compliance, summarize, checkpoint. Execution is
// strictly sequential; every chapter's prompt depends on the previous
// chapter's merged facts and summary.
type Runner struct {
	Gen      Generator
	Mod      Moderator // nil disables the compliance stage
	Settings Settings
	Config   RunConfig
	Stderr   io.Writer
}

type summaryResponse struct {
	Bullets []string `json:"bullets"`
}

var summarySchema = GenerateSchema[summaryResponse]()

func (r *Runner) logf(format string, args ...any) {
	if r.Config.Quiet || r.Stderr == nil {
		return
	}
	fmt.Fprintf(r.Stderr, format, args...)
}

// Run executes chapters StartChapter..Chapters and writes all artifacts under
// OutDir. Fatal oracle errors abort the run; moderation failures and residual
// continuity conflicts are recorded and the run continues.
func (r *Runner) Run(ctx context.Context) (RunStats, error) {
	cfg := &r.Config
	cfg.applyDefaults()
	var stats RunStats

	chaptersDir := filepath.Join(cfg.OutDir, "chapters")
	summariesDir := filepath.Join(cfg.OutDir, "summaries")
	logsDir := filepath.Join(cfg.OutDir, "logs")
	checkpointsDir := filepath.Join(cfg.OutDir, "checkpoints")
	for _, d := range []string{chaptersDir, summariesDir, logsDir, checkpointsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return stats, fmt.Errorf("run: mkdir %s: %w", d, err)
		}
	}
	audit := &AuditLog{Path: filepath.Join(cfg.OutDir, "audit", "censor_failures.jsonl")}

	facts, err := OpenFactStore(filepath.Join(cfg.OutDir, "fact_state.json"), r.Gen)
	if err != nil {
		return stats, fmt.Errorf("run: %w", err)
	}
	cast := NewCast()
	rolling := NewRollingContext(cfg.ContextWindow)

	if cfg.StartChapter > 1 {
		snap, ok, err := LoadCheckpoint(checkpointsDir, cfg.StartChapter-1)
		if err != nil {
			return stats, fmt.Errorf("run: %w", err)
		}
		if ok {
			facts.Ledger = snap.Ledger
			cast.States = snap.Characters
			cast.Interactions = snap.Interactions
			rolling = snap.Context
			rolling.Window = cfg.ContextWindow
			r.logf("[生成器] 已加载第%d章的检查点状态\n", snap.Chapter)
		} else {
			r.logf("[生成器] 未找到第%d章检查点, 以空状态冷启动续写\n", cfg.StartChapter-1)
		}
	}

	r.logf("[生成器] 开始生成: 《%s》, 章节 %d..%d\n", r.Settings.Title, cfg.StartChapter, cfg.Chapters)

	for idx := cfg.StartChapter; idx <= cfg.Chapters; idx++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		r.logf("[生成器] ——— 第%d章 开始 ———\n", idx)
		if arc := r.Settings.ArcFor(idx); arc.Name != "" {
			r.logf("[生成器] 当前阶段: 【%s】\n", arc.Name)
		}

		text, err := r.generateChapter(ctx, idx, rolling, facts.Ledger, cast, logsDir)
		if err != nil {
			r.writeErrorArtifact(logsDir, idx, err)
			return stats, fmt.Errorf("chapter %d: generate: %w", idx, err)
		}

		// Continuity: one extraction, at most one repair, merge or log residual.
		if !cfg.DryRun {
			fixed, residual, err := facts.ProcessChapter(ctx, idx, text, logsDir, r.Stderr)
			if err != nil {
				r.logf("[生成器] 第%d章: 事实一致性管线异常, 已跳过: %v\n", idx, err)
			} else {
				text = fixed
				if len(residual) > 0 {
					stats.ResidualConflicts += len(residual)
					r.logf("[生成器] 第%d章: 一致性修订后仍有潜在冲突 %d 条, 已记录\n", idx, len(residual))
				}
			}
		}

		// Compliance: bounded moderate→rewrite loop, optional stage.
		compliant := true
		if r.Mod != nil && !cfg.DryRun {
			res := RepairUntilCompliant(ctx, r.Gen, r.Mod, text, idx, ComplianceConfig{
				MaxRounds:   cfg.MaxRepairRounds,
				Cooldown:    cfg.RepairCooldown,
				RepairModel: cfg.RepairModel,
				Audit:       audit,
				Stderr:      r.Stderr,
			})
			text = res.Text
			compliant = res.Compliant
			if !compliant {
				stats.ModerationFailures++
				r.logf("[生成器] 第%d章: 审核未通过, 保留末轮草稿待人工处理\n", idx)
			}
		}

		filename := r.chapterFilename(ctx, idx, text, compliant)
		chapterPath := filepath.Join(chaptersDir, filename)
		if err := fileutils.WriteFileAtomic(chapterPath, []byte(text), 0o644); err != nil {
			return stats, fmt.Errorf("chapter %d: write: %w", idx, err)
		}
		r.logf("[生成器] 第%d章: 已保存 → %s\n", idx, chapterPath)

		bullets, err := r.summarizeChapter(ctx, idx, text)
		if err != nil {
			r.writeErrorArtifact(logsDir, idx, err)
			return stats, fmt.Errorf("chapter %d: summarize: %w", idx, err)
		}
		summaryPath := filepath.Join(summariesDir, fmt.Sprintf("summary_%02d.txt", idx))
		if err := fileutils.WriteFileAtomic(summaryPath, []byte(strings.Join(bullets, "\n")), 0o644); err != nil {
			return stats, fmt.Errorf("chapter %d: write summary: %w", idx, err)
		}

		rolling.Add(idx, bullets)
		for _, t := range r.Settings.TransitionsFor(idx) {
			cast.ApplyTransition(t)
		}

		if err := SaveCheckpoint(checkpointsDir, CheckpointSnapshot{
			Chapter:      idx,
			Ledger:       facts.Ledger,
			Characters:   cast.States,
			Interactions: cast.Interactions,
			Context:      rolling,
		}); err != nil {
			return stats, fmt.Errorf("chapter %d: %w", idx, err)
		}
		stats.ChaptersWritten++

		if idx < cfg.Chapters && !cfg.DryRun && cfg.ChapterCooldown > 0 {
			r.logf("[生成器] 第%d章完成, 等待%s...\n", idx, cfg.ChapterCooldown)
			sleepCtx(ctx, cfg.ChapterCooldown)
		}
		r.logf("[生成器] ——— 第%d章 结束 ———\n", idx)
	}

	if err := r.mergeBook(chaptersDir); err != nil {
		return stats, fmt.Errorf("run: merge book: %w", err)
	}
	if latest := rolling.Latest(); len(latest) > 0 {
		r.logf("[生成器] 最终章概要: %s\n", strings.Join(latest, " / "))
	}
	stats.Usage = Usage.Snapshot()
	return stats, nil
}

func (r *Runner) generateChapter(ctx context.Context, idx int, rolling *RollingContext, ledger FactLedger, cast *Cast, logsDir string) (string, error) {
	if r.Config.DryRun {
		return fmt.Sprintf("【干跑模式】第%d章占位文本。", idx), nil
	}
	system, user := BuildChapterPrompt(idx, r.Settings, rolling.Recent(idx), ledger, cast)
	r.logf("[生成器] 第%d章: 请求大模型生成...\n", idx)
	res, err := r.Gen.Generate(ctx, GenerationRequest{
		System:          system,
		User:            user,
		Temperature:     r.Config.Temperature,
		TopP:            r.Config.TopP,
		MaxOutputTokens: r.Config.MaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	if res.ContentFlagged() {
		r.logf("[生成器] 第%d章: 生成被内容策略截断, 继续使用已有文本\n", idx)
	}
	_ = fileutils.WriteFileAtomic(filepath.Join(logsDir, fmt.Sprintf("chapter_%02d.raw.txt", idx)), []byte(res.Text), 0o644)
	return CleanChapterText(res.Text), nil
}

func (r *Runner) summarizeChapter(ctx context.Context, idx int, text string) ([]string, error) {
	if r.Config.DryRun {
		return []string{"干跑模式概要"}, nil
	}
	r.logf("[生成器] 第%d章: 生成概要...\n", idx)
	system, user := BuildSummaryPrompt(text)
	res, err := r.Gen.Generate(ctx, GenerationRequest{
		Model:           r.Config.RepairModel,
		System:          system,
		User:            user,
		Temperature:     0.6,
		TopP:            0.85,
		MaxOutputTokens: 800,
		SchemaName:      "ChapterSummary",
		Schema:          summarySchema,
	})
	if err != nil {
		return nil, err
	}
	var out summaryResponse
	if err := fileutils.DecodeModelJSON(res.Text, &out); err == nil && len(out.Bullets) > 0 {
		return ExtractSummaryBullets(strings.Join(out.Bullets, "\n")), nil
	}
	// Some responses come back as loose text despite the schema; salvage them.
	bullets := ExtractSummaryBullets(res.Text)
	if len(bullets) == 0 {
		return nil, fmt.Errorf("empty summary for chapter %d", idx)
	}
	return bullets, nil
}

// chapterFilename derives the output filename: compliant chapters get a
// derived (or pre-set) title, failed ones an explicit 审核失败 marker.
func (r *Runner) chapterFilename(ctx context.Context, idx int, text string, compliant bool) string {
	if !compliant {
		return fmt.Sprintf("第%d章_审核失败.md", idx)
	}
	title := ""
	if r.Mod != nil && !r.Config.DryRun {
		title = r.chapterTitle(ctx, idx, text)
	}
	if title == "" {
		title = r.Settings.TitleFor(idx)
	}
	if title == "" {
		title = fmt.Sprintf("章节%d", idx)
	}
	return fmt.Sprintf("第%d章-%s.md", idx, sanitizeFilename(title))
}

// chapterTitle asks the oracle for a short title. Failure is soft: the caller
// falls back to a positional placeholder.
func (r *Runner) chapterTitle(ctx context.Context, idx int, text string) string {
	system, user := BuildTitlePrompt(text)
	res, err := r.Gen.Generate(ctx, GenerationRequest{
		Model:           r.Config.RepairModel,
		System:          system,
		User:            user,
		Temperature:     0.5,
		TopP:            0.85,
		MaxOutputTokens: 20,
	})
	if err != nil {
		r.logf("[命名] 第%d章: 标题生成失败 - %v\n", idx, err)
		return ""
	}
	title := strings.TrimFunc(strings.TrimSpace(res.Text), func(rn rune) bool {
		return strings.ContainsRune("。，、；：\"《》【】“”‘’", rn)
	})
	if runes := []rune(title); len(runes) > 8 {
		title = string(runes[:8])
	}
	return title
}

func (r *Runner) writeErrorArtifact(logsDir string, idx int, err error) {
	_ = fileutils.WriteFileAtomic(filepath.Join(logsDir, fmt.Sprintf("chapter_%02d.error.txt", idx)), []byte(err.Error()), 0o644)
}

// mergeBook concatenates every chapter file, in index order, into one artifact.
func (r *Runner) mergeBook(chaptersDir string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Settings.Title)
	if r.Settings.Synopsis != "" {
		fmt.Fprintf(&b, "## 简介\n%s\n\n", r.Settings.Synopsis)
	}
	for idx := 1; idx <= r.Config.Chapters; idx++ {
		matches, err := filepath.Glob(filepath.Join(chaptersDir, fmt.Sprintf("第%d章*.md", idx)))
		if err != nil || len(matches) == 0 {
			continue
		}
		part, err := os.ReadFile(matches[0])
		if err != nil {
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(matches[0]), ".md")
		fmt.Fprintf(&b, "## %s\n\n%s\n\n---\n\n", stem, string(part))
	}
	mergedPath := filepath.Join(r.Config.OutDir, sanitizeFilename(r.Settings.Title)+"_全文.md")
	if err := fileutils.WriteFileAtomic(mergedPath, []byte(b.String()), 0o644); err != nil {
		return err
	}
	r.logf("[生成器] 全书合并完成 → %s\n", mergedPath)
	return nil
}

var illegalFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

func sanitizeFilename(name string) string {
	name = illegalFilenameChars.ReplaceAllString(name, "")
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "")
}
