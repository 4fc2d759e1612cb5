package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sablewood/novelforge/pipeline/fileutils"
)

// FactDelta is the fixed-shape payload the extraction prompt constrains the
// model to: a character→attributes map plus a list of short event strings.
type FactDelta struct {
	Characters map[string]map[string]string `json:"characters"`
	Events     []string                     `json:"events"`
}

// FactLedger is the accumulating fact store used for continuity checks.
// Attribute writes are first-write-wins; a non-empty attribute is never
// silently overwritten without passing through conflict detection.
type FactLedger struct {
	Characters map[string]map[string]string `json:"characters"`
	Events     []string                     `json:"events"`
}

func NewFactLedger() FactLedger {
	return FactLedger{Characters: map[string]map[string]string{}, Events: []string{}}
}

// ConflictRecord is one contradiction between the ledger and a new delta.
// Records are transient: they drive the repair decision and the per-chapter
// diagnostic log, nothing else.
type ConflictRecord struct {
	Character string `json:"character"`
	Attribute string `json:"attribute"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
}

func (c ConflictRecord) String() string {
	return fmt.Sprintf("人物[%s] 字段[%s] 不一致: 旧=%s 新=%s", c.Character, c.Attribute, c.OldValue, c.NewValue)
}

// DetectConflicts reports every character/attribute pair present in both the
// ledger and the delta with non-empty, unequal values. Events are additive and
// never conflict.
func DetectConflicts(ledger FactLedger, delta FactDelta) []ConflictRecord {
	var conflicts []ConflictRecord
	for name, attrs := range delta.Characters {
		old, ok := ledger.Characters[name]
		if !ok {
			continue
		}
		for attr, nv := range attrs {
			ov := old[attr]
			if ov != "" && nv != "" && ov != nv {
				conflicts = append(conflicts, ConflictRecord{
					Character: name,
					Attribute: attr,
					OldValue:  ov,
					NewValue:  nv,
				})
			}
		}
	}
	return conflicts
}

// Merge folds a delta into the ledger. Attributes are written only where the
// ledger has no value yet; conflicting fields must be resolved by the repair
// loop before Merge sees them. New events are set-inserted in order.
func (l *FactLedger) Merge(delta FactDelta) {
	if l.Characters == nil {
		l.Characters = map[string]map[string]string{}
	}
	for name, attrs := range delta.Characters {
		dst, ok := l.Characters[name]
		if !ok {
			dst = map[string]string{}
			l.Characters[name] = dst
		}
		for attr, v := range attrs {
			if v != "" && dst[attr] == "" {
				dst[attr] = v
			}
		}
	}
	known := make(map[string]struct{}, len(l.Events))
	for _, ev := range l.Events {
		known[ev] = struct{}{}
	}
	for _, ev := range delta.Events {
		if ev == "" {
			continue
		}
		if _, ok := known[ev]; ok {
			continue
		}
		known[ev] = struct{}{}
		l.Events = append(l.Events, ev)
	}
}

// Brief renders a compact ledger excerpt for prompt construction.
func (l FactLedger) Brief(maxEvents int) string {
	var b strings.Builder
	names := sortedKeys(l.Characters)
	for _, name := range names {
		attrs := l.Characters[name]
		var parts []string
		for _, attr := range sortedKeys(attrs) {
			parts = append(parts, attr+"="+attrs[attr])
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(parts, ", "))
	}
	events := l.Events
	if maxEvents > 0 && len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	for _, ev := range events {
		fmt.Fprintf(&b, "- 事件: %s\n", ev)
	}
	return b.String()
}

// FactStore owns the ledger and its on-disk copy, and runs the per-chapter
// consistency state machine.
type FactStore struct {
	path   string
	gen    Generator
	Ledger FactLedger
}

// OpenFactStore loads the ledger from path, or starts empty when the file does
// not exist yet.
func OpenFactStore(path string, gen Generator) (*FactStore, error) {
	s := &FactStore{path: path, gen: gen, Ledger: NewFactLedger()}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("OpenFactStore: read file: %w", err)
	}
	if err := fileutils.DecodeModelJSON(string(b), &s.Ledger); err != nil {
		// A corrupt ledger file is recoverable: start over rather than abort.
		s.Ledger = NewFactLedger()
	}
	if s.Ledger.Characters == nil {
		s.Ledger.Characters = map[string]map[string]string{}
	}
	return s, nil
}

func (s *FactStore) Save() error {
	if s.path == "" {
		return nil
	}
	if err := fileutils.WriteJSONFile(s.path, s.Ledger); err != nil {
		return fmt.Errorf("FactStore.Save: %w", err)
	}
	return nil
}

// ExtractFacts asks the generation oracle for a fixed-shape fact payload.
// A malformed payload returns an empty delta, never an error.
func (s *FactStore) ExtractFacts(ctx context.Context, chapterText string) (FactDelta, error) {
	system, user := BuildFactExtractionPrompt(chapterText)
	res, err := s.gen.Generate(ctx, GenerationRequest{
		System:          system,
		User:            user,
		Temperature:     0.3,
		TopP:            0.85,
		MaxOutputTokens: 1200,
	})
	if err != nil {
		return FactDelta{}, err
	}
	var delta FactDelta
	if err := fileutils.DecodeModelJSON(res.Text, &delta); err != nil {
		return FactDelta{Characters: map[string]map[string]string{}}, nil
	}
	if delta.Characters == nil {
		delta.Characters = map[string]map[string]string{}
	}
	return delta, nil
}

// factLogRecord is the per-chapter diagnostic artifact written alongside each
// extraction pass.
type factLogRecord struct {
	Extracted FactDelta        `json:"extracted"`
	Conflicts []ConflictRecord `json:"conflicts"`
}

// ProcessChapter runs the consistency state machine over one chapter:
// extract → no conflict ⇒ merge and persist; conflict ⇒ exactly one bounded
// rewrite, re-extract, then merge on success or log the residual conflicts.
// Residual conflicts are advisory and never block the pipeline.
func (s *FactStore) ProcessChapter(ctx context.Context, chapter int, chapterText string, logsDir string, stderr io.Writer) (string, []ConflictRecord, error) {
	delta, err := s.ExtractFacts(ctx, chapterText)
	if err != nil {
		return chapterText, nil, fmt.Errorf("extract facts: %w", err)
	}
	conflicts := DetectConflicts(s.Ledger, delta)
	s.writeFactLog(logsDir, fmt.Sprintf("facts_%02d.json", chapter), delta, conflicts)

	if len(conflicts) == 0 {
		s.Ledger.Merge(delta)
		if err := s.Save(); err != nil {
			return chapterText, nil, err
		}
		return chapterText, nil, nil
	}

	// One repair attempt for the whole chapter, however many conflicts exist.
	system, user := BuildConsistencyRepairPrompt(s.Ledger, conflicts, chapterText)
	res, err := s.gen.Generate(ctx, GenerationRequest{
		System:          system,
		User:            user,
		Temperature:     0.4,
		TopP:            0.85,
		MaxOutputTokens: 4600,
	})
	fixed := chapterText
	if err == nil && strings.TrimSpace(res.Text) != "" {
		fixed = res.Text
	} else if stderr != nil {
		fmt.Fprintf(stderr, "[事实] 第%d章: 一致性修订调用失败: %v\n", chapter, err)
	}

	delta2, err := s.ExtractFacts(ctx, fixed)
	if err != nil {
		return fixed, conflicts, fmt.Errorf("re-extract facts: %w", err)
	}
	conflicts2 := DetectConflicts(s.Ledger, delta2)
	s.writeFactLog(logsDir, fmt.Sprintf("facts_%02d_fixed.json", chapter), delta2, conflicts2)

	if len(conflicts2) == 0 {
		s.Ledger.Merge(delta2)
		if err := s.Save(); err != nil {
			return fixed, nil, err
		}
	}
	return fixed, conflicts2, nil
}

func (s *FactStore) writeFactLog(logsDir, name string, delta FactDelta, conflicts []ConflictRecord) {
	if logsDir == "" {
		return
	}
	_ = fileutils.WriteJSONFile(filepath.Join(logsDir, name), factLogRecord{Extracted: delta, Conflicts: conflicts})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
