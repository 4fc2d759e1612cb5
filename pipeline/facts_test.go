package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sablewood/novelforge/pipeline/fileutils"
)

func TestDetectConflicts(t *testing.T) {
	t.Parallel()

	ledger := NewFactLedger()
	ledger.Characters["陆景深"] = map[string]string{"身高": "188cm", "职业": "集团总裁"}

	delta := FactDelta{Characters: map[string]map[string]string{
		"陆景深": {"身高": "190cm", "职业": "集团总裁", "发色": "黑色"},
		"苏晚":  {"职业": "设计师"},
	}}
	conflicts := DetectConflicts(ledger, delta)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts=%v, want exactly 1", conflicts)
	}
	c := conflicts[0]
	if c.Character != "陆景深" || c.Attribute != "身高" || c.OldValue != "188cm" || c.NewValue != "190cm" {
		t.Fatalf("conflict=%+v", c)
	}
	if !strings.Contains(c.String(), "人物[陆景深]") {
		t.Fatalf("String()=%q", c.String())
	}
}

func TestDetectConflicts_EmptyValuesNeverConflict(t *testing.T) {
	t.Parallel()

	ledger := NewFactLedger()
	ledger.Characters["苏晚"] = map[string]string{"发色": ""}
	delta := FactDelta{Characters: map[string]map[string]string{
		"苏晚": {"发色": "棕色", "瞳色": ""},
	}}
	if got := DetectConflicts(ledger, delta); len(got) != 0 {
		t.Fatalf("conflicts=%v, want none", got)
	}
}

func TestFactLedgerMerge_FirstWriteWins(t *testing.T) {
	t.Parallel()

	ledger := NewFactLedger()
	ledger.Merge(FactDelta{
		Characters: map[string]map[string]string{"陆景深": {"身高": "188cm"}},
		Events:     []string{"两人初遇"},
	})
	ledger.Merge(FactDelta{
		Characters: map[string]map[string]string{"陆景深": {"身高": "190cm", "职业": "集团总裁"}},
		Events:     []string{"两人初遇", "雨夜重逢"},
	})

	if got := ledger.Characters["陆景深"]["身高"]; got != "188cm" {
		t.Fatalf("身高=%q, want first write retained", got)
	}
	if got := ledger.Characters["陆景深"]["职业"]; got != "集团总裁" {
		t.Fatalf("职业=%q, want new attribute merged", got)
	}
	if len(ledger.Events) != 2 {
		t.Fatalf("Events=%v, want deduplicated to 2", ledger.Events)
	}
}

func TestFactLedgerBrief_BoundsEvents(t *testing.T) {
	t.Parallel()

	ledger := NewFactLedger()
	ledger.Characters["苏晚"] = map[string]string{"职业": "设计师"}
	ledger.Events = []string{"事1", "事2", "事3", "事4"}

	brief := ledger.Brief(2)
	if strings.Contains(brief, "事1") || strings.Contains(brief, "事2") {
		t.Fatalf("Brief kept old events: %q", brief)
	}
	if !strings.Contains(brief, "事3") || !strings.Contains(brief, "事4") {
		t.Fatalf("Brief dropped recent events: %q", brief)
	}
	if !strings.Contains(brief, "苏晚") {
		t.Fatalf("Brief missing character line: %q", brief)
	}
}

// factScriptGen distinguishes extraction and repair requests by the absence or
// presence of a rewrite-sized output budget, replaying canned payloads.
type factScriptGen struct {
	extractions []string
	repairText  string

	extractCalls int
	repairCalls  int
}

func (g *factScriptGen) Generate(_ context.Context, req GenerationRequest) (GenerationResult, error) {
	if req.MaxOutputTokens >= 4000 {
		g.repairCalls++
		return GenerationResult{Text: g.repairText}, nil
	}
	i := g.extractCalls
	if i >= len(g.extractions) {
		i = len(g.extractions) - 1
	}
	g.extractCalls++
	return GenerationResult{Text: g.extractions[i]}, nil
}

func TestProcessChapter_NoConflictMergesWithoutRepair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gen := &factScriptGen{extractions: []string{
		`{"characters":{"苏晚":{"职业":"设计师"}},"events":["两人初遇"]}`,
	}}
	store, err := OpenFactStore(filepath.Join(dir, "fact_state.json"), gen)
	if err != nil {
		t.Fatalf("OpenFactStore: %v", err)
	}

	text, residual, err := store.ProcessChapter(context.Background(), 1, "第一章正文", dir, nil)
	if err != nil {
		t.Fatalf("ProcessChapter: %v", err)
	}
	if text != "第一章正文" {
		t.Fatalf("text=%q, want unchanged", text)
	}
	if len(residual) != 0 {
		t.Fatalf("residual=%v, want none", residual)
	}
	if gen.repairCalls != 0 {
		t.Fatalf("repair calls=%d, want 0 when no conflicts", gen.repairCalls)
	}
	if store.Ledger.Characters["苏晚"]["职业"] != "设计师" {
		t.Fatalf("ledger not merged: %+v", store.Ledger)
	}
	if !fileutils.FileExists(filepath.Join(dir, "fact_state.json")) {
		t.Fatalf("fact_state.json not persisted")
	}
	if !fileutils.FileExists(filepath.Join(dir, "facts_01.json")) {
		t.Fatalf("facts_01.json diagnostic not written")
	}
}

func TestProcessChapter_ConflictRunsExactlyOneRepair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gen := &factScriptGen{
		extractions: []string{
			`{"characters":{"陆景深":{"身高":"190cm"}},"events":[]}`,
			`{"characters":{"陆景深":{"身高":"188cm"}},"events":["雨夜重逢"]}`,
		},
		repairText: "修订后的第二章正文",
	}
	store, err := OpenFactStore(filepath.Join(dir, "fact_state.json"), gen)
	if err != nil {
		t.Fatalf("OpenFactStore: %v", err)
	}
	store.Ledger.Characters["陆景深"] = map[string]string{"身高": "188cm"}

	text, residual, err := store.ProcessChapter(context.Background(), 2, "第二章正文", dir, nil)
	if err != nil {
		t.Fatalf("ProcessChapter: %v", err)
	}
	if gen.repairCalls != 1 {
		t.Fatalf("repair calls=%d, want exactly 1", gen.repairCalls)
	}
	if gen.extractCalls != 2 {
		t.Fatalf("extract calls=%d, want 2", gen.extractCalls)
	}
	if text != "修订后的第二章正文" {
		t.Fatalf("text=%q, want repaired draft", text)
	}
	if len(residual) != 0 {
		t.Fatalf("residual=%v, want clean after repair", residual)
	}
	if got := store.Ledger.Events; len(got) != 1 || got[0] != "雨夜重逢" {
		t.Fatalf("Events=%v, want merged from repaired extraction", got)
	}
	if !fileutils.FileExists(filepath.Join(dir, "facts_02_fixed.json")) {
		t.Fatalf("facts_02_fixed.json diagnostic not written")
	}
}

func TestProcessChapter_ResidualConflictSkipsMerge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gen := &factScriptGen{
		extractions: []string{`{"characters":{"陆景深":{"身高":"190cm"}},"events":[]}`},
		repairText:  "仍然矛盾的正文",
	}
	store, err := OpenFactStore(filepath.Join(dir, "fact_state.json"), gen)
	if err != nil {
		t.Fatalf("OpenFactStore: %v", err)
	}
	store.Ledger.Characters["陆景深"] = map[string]string{"身高": "188cm"}

	_, residual, err := store.ProcessChapter(context.Background(), 3, "第三章正文", dir, nil)
	if err != nil {
		t.Fatalf("ProcessChapter: %v", err)
	}
	if len(residual) != 1 {
		t.Fatalf("residual=%v, want 1 surviving conflict", residual)
	}
	if got := store.Ledger.Characters["陆景深"]["身高"]; got != "188cm" {
		t.Fatalf("身高=%q, conflicting delta must not be merged", got)
	}
}

func TestOpenFactStore_CorruptFileStartsOver(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "fact_state.json")
	if err := fileutils.WriteFileAtomic(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	store, err := OpenFactStore(path, nil)
	if err != nil {
		t.Fatalf("OpenFactStore: %v", err)
	}
	if len(store.Ledger.Characters) != 0 || len(store.Ledger.Events) != 0 {
		t.Fatalf("ledger not reset: %+v", store.Ledger)
	}
}

func TestFactStoreSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "fact_state.json")
	store, err := OpenFactStore(path, nil)
	if err != nil {
		t.Fatalf("OpenFactStore: %v", err)
	}
	store.Ledger.Merge(FactDelta{
		Characters: map[string]map[string]string{"苏晚": {"职业": "设计师"}},
		Events:     []string{"两人初遇"},
	})
	if err := store.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := OpenFactStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var want, got []byte
	if want, err = json.Marshal(store.Ledger); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, err = json.Marshal(reopened.Ledger); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(want) != string(got) {
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", got, want)
	}
}
