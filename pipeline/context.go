package pipeline

import (
	"fmt"
	"sort"
)

// defaultContextWindow is how many trailing chapters feed the next prompt.
const defaultContextWindow = 3

// RollingContext keeps every chapter's condensed summary bullets but exposes
// only a bounded trailing window for prompt construction. Entries beyond the
// window survive in checkpoints; they are just excluded from prompts.
type RollingContext struct {
	Window    int              `json:"window"`
	Summaries map[int][]string `json:"chapter_summaries"`
}

func NewRollingContext(window int) *RollingContext {
	if window <= 0 {
		window = defaultContextWindow
	}
	return &RollingContext{Window: window, Summaries: map[int][]string{}}
}

// Add stores a chapter's summary bullets, replacing any previous entry.
func (r *RollingContext) Add(chapter int, lines []string) {
	if r.Summaries == nil {
		r.Summaries = map[int][]string{}
	}
	r.Summaries[chapter] = lines
}

// Latest returns the most recent chapter's bullets, or nil.
func (r *RollingContext) Latest() []string {
	best := 0
	for ch := range r.Summaries {
		if ch > best {
			best = ch
		}
	}
	if best == 0 {
		return nil
	}
	return r.Summaries[best]
}

// Recent renders the window of summaries preceding the given chapter as
// prompt-ready "第N章：..." lines, capped at five bullets per chapter.
func (r *RollingContext) Recent(chapter int) []string {
	start := chapter - r.Window
	if start < 1 {
		start = 1
	}
	chapters := make([]int, 0, r.Window)
	for ch := range r.Summaries {
		if ch >= start && ch < chapter {
			chapters = append(chapters, ch)
		}
	}
	sort.Ints(chapters)

	var out []string
	for _, ch := range chapters {
		lines := r.Summaries[ch]
		if len(lines) > 5 {
			lines = lines[len(lines)-5:]
		}
		for _, line := range lines {
			out = append(out, fmt.Sprintf("第%d章：%s", ch, line))
		}
	}
	return out
}
