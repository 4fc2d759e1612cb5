package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sablewood/novelforge/pipeline/fileutils"
)

// ConclusionCode is the moderation service's verdict code.
// Only ConclusionCompliant passes; suspected and service-failed results are
// treated as non-compliant for conservatism.
type ConclusionCode int

const (
	ConclusionCompliant     ConclusionCode = 1
	ConclusionNonCompliant  ConclusionCode = 2
	ConclusionSuspected     ConclusionCode = 3
	ConclusionServiceFailed ConclusionCode = 4
)

// Violation is one moderation finding with the lexical terms it hit on.
type Violation struct {
	Category string   `json:"category"`
	Message  string   `json:"message"`
	HitTerms []string `json:"hit_terms,omitempty"`
}

// ModerationVerdict is the classified result of one moderation call.
type ModerationVerdict struct {
	Code       ConclusionCode `json:"code"`
	Label      string         `json:"label,omitempty"`
	Violations []Violation    `json:"violations,omitempty"`

	// Err carries the transport/service failure message when Code is
	// ConclusionServiceFailed for a reason other than the API saying so.
	Err string `json:"error,omitempty"`
}

func (v ModerationVerdict) Compliant() bool {
	return v.Err == "" && v.Code == ConclusionCompliant
}

// ServiceErrorVerdict wraps a transport failure as a verdict so callers never
// mistake "couldn't ask" for "compliant".
func ServiceErrorVerdict(err error) ModerationVerdict {
	return ModerationVerdict{Code: ConclusionServiceFailed, Err: err.Error()}
}

// HitTerms returns every hit term across violations, deduplicated and in
// first-seen order.
func (v ModerationVerdict) HitTerms() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, viol := range v.Violations {
		for _, t := range viol.HitTerms {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Detail renders the verdict in the human-readable audit log format:
// a conclusion line followed by one line per violation and indented
// "命中词汇: ..." lines.
func (v ModerationVerdict) Detail() string {
	var b strings.Builder
	if v.Err != "" {
		fmt.Fprintf(&b, "结论: 审核失败 (%s)", v.Err)
		return b.String()
	}
	label := v.Label
	if label == "" {
		label = conclusionLabel(v.Code)
	}
	fmt.Fprintf(&b, "结论: %s", label)
	for _, viol := range v.Violations {
		fmt.Fprintf(&b, "\n类型:%s - %s", viol.Category, viol.Message)
		if len(viol.HitTerms) > 0 {
			fmt.Fprintf(&b, "\n  命中词汇: %s", strings.Join(viol.HitTerms, "、"))
		}
	}
	return b.String()
}

func conclusionLabel(code ConclusionCode) string {
	switch code {
	case ConclusionCompliant:
		return "合规"
	case ConclusionNonCompliant:
		return "不合规"
	case ConclusionSuspected:
		return "疑似"
	case ConclusionServiceFailed:
		return "审核失败"
	}
	return "未知"
}

// censorPayload is the wire shape of the text-censor API response.
type censorPayload struct {
	ErrorCode      int    `json:"error_code,omitempty"`
	ErrorMsg       string `json:"error_msg,omitempty"`
	Conclusion     string `json:"conclusion"`
	ConclusionType int    `json:"conclusionType"`
	Data           []struct {
		Type int    `json:"type"`
		Msg  string `json:"msg"`
		Hits []struct {
			Words []string `json:"words"`
		} `json:"hits"`
	} `json:"data"`
}

// AnalyzeCensorPayload classifies a raw censor API response body into a verdict.
// A malformed body or an API-level error both come back as service-failed.
func AnalyzeCensorPayload(body []byte) ModerationVerdict {
	var p censorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ModerationVerdict{Code: ConclusionServiceFailed, Err: fmt.Sprintf("parse censor response: %v", err)}
	}
	if p.ErrorCode != 0 || p.ErrorMsg != "" {
		return ModerationVerdict{
			Code: ConclusionServiceFailed,
			Err:  fmt.Sprintf("API error %d: %s", p.ErrorCode, p.ErrorMsg),
		}
	}

	code := ConclusionCode(p.ConclusionType)
	if code < ConclusionCompliant || code > ConclusionServiceFailed {
		code = ConclusionServiceFailed
	}
	verdict := ModerationVerdict{Code: code, Label: p.Conclusion}
	if verdict.Compliant() {
		return verdict
	}
	for _, item := range p.Data {
		if item.Msg == "" {
			continue
		}
		viol := Violation{Category: strconv.Itoa(item.Type), Message: item.Msg}
		for _, hit := range item.Hits {
			viol.HitTerms = append(viol.HitTerms, hit.Words...)
		}
		verdict.Violations = append(verdict.Violations, viol)
	}
	return verdict
}

// ExtractHitWords pulls hit terms out of a rendered verdict detail string.
// Lines look like "  命中词汇: A、B"; terms are deduplicated across lines while
// keeping first-seen order.
func ExtractHitWords(detail string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(detail, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "命中词汇:")
		if !ok {
			rest, ok = strings.CutPrefix(line, "命中词汇：")
		}
		if !ok {
			continue
		}
		for _, term := range strings.FieldsFunc(rest, func(r rune) bool {
			return r == '、' || r == '，' || r == ',' || r == ' '
		}) {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			out = append(out, term)
		}
	}
	return out
}

// AuditLog appends per-round moderation records to a JSONL file. A nil AuditLog
// discards records.
type AuditLog struct {
	Path string
}

// AuditRecord is one line in the moderation audit log.
type AuditRecord struct {
	Timestamp string   `json:"timestamp"`
	Status    string   `json:"status"`
	Chapter   int      `json:"chapter"`
	Round     int      `json:"round,omitempty"`
	HitWords  []string `json:"hit_words,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

func (l *AuditLog) Append(rec AuditRecord) {
	if l == nil || l.Path == "" {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format("2006-01-02 15:04:05")
	}
	// Best effort: a failed audit write never blocks the pipeline.
	_ = fileutils.AppendJSONLine(l.Path, rec)
}

// ComplianceConfig bounds the moderation repair loop.
type ComplianceConfig struct {
	// MaxRounds bounds repair attempts: at most MaxRounds repair calls and
	// MaxRounds+1 moderation calls per chapter.
	MaxRounds int

	// Cooldown is slept after each repair call to respect rate limits.
	Cooldown time.Duration

	// RepairModel optionally overrides the generator's default model for rewrites.
	RepairModel string

	Audit  *AuditLog
	Stderr io.Writer
}

// ComplianceResult is the terminal state of the repair loop.
type ComplianceResult struct {
	Compliant bool
	Text      string // final draft, compliant or not
	Rounds    int    // repair calls issued
	Verdict   ModerationVerdict
}

// RepairUntilCompliant runs the bounded moderate→rewrite loop over text.
// On exhaustion the last draft (not the original) is returned with
// Compliant=false so a human can audit what the final rewrite produced.
func RepairUntilCompliant(ctx context.Context, gen Generator, mod Moderator, text string, chapter int, cfg ComplianceConfig) ComplianceResult {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}

	current := text
	for round := 0; ; round++ {
		verdict := mod.Moderate(ctx, current)
		if verdict.Compliant() {
			cfg.Audit.Append(AuditRecord{Status: "compliant", Chapter: chapter, Round: round})
			return ComplianceResult{Compliant: true, Text: current, Rounds: round, Verdict: verdict}
		}
		if round >= cfg.MaxRounds || gen == nil {
			cfg.Audit.Append(AuditRecord{
				Status:   "non_compliant",
				Chapter:  chapter,
				Round:    round,
				HitWords: verdict.HitTerms(),
				Detail:   verdict.Detail(),
			})
			return ComplianceResult{Compliant: false, Text: current, Rounds: round, Verdict: verdict}
		}

		hits := verdict.HitTerms()
		cfg.Audit.Append(AuditRecord{
			Status:   "fix_round",
			Chapter:  chapter,
			Round:    round + 1,
			HitWords: hits,
			Detail:   verdict.Detail(),
		})
		if cfg.Stderr != nil {
			fmt.Fprintf(cfg.Stderr, "[审核] 第%d章: 第%d次修正, 命中词: %s\n", chapter, round+1, strings.Join(hits, ", "))
		}

		system, user := BuildComplianceRepairPrompt(verdict, hits, current)
		res, err := gen.Generate(ctx, GenerationRequest{
			Model:           cfg.RepairModel,
			System:          system,
			User:            user,
			Temperature:     0.3,
			TopP:            0.8,
			MaxOutputTokens: 5000,
		})
		if err != nil || strings.TrimSpace(res.Text) == "" {
			// A failed rewrite is not fatal; resubmit the current draft so the
			// loop still terminates within its bound.
			if cfg.Stderr != nil {
				fmt.Fprintf(cfg.Stderr, "[审核] 第%d章: 修正调用失败: %v\n", chapter, err)
			}
		} else {
			current = res.Text
		}
		sleepCtx(ctx, cfg.Cooldown)
	}
}

// sleepCtx blocks for d or until ctx is cancelled. Delays in this pipeline are
// deliberate blocking sleeps: chapters are strictly sequential.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
