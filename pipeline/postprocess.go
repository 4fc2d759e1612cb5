package pipeline

import (
	"regexp"
	"strings"
)

// Patterns for lines that are scaffolding rather than prose: chapter headings,
// separators, bracketed section titles, next-chapter teasers.
var removeLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^下一章[:：]`),
	regexp.MustCompile(`^第[一二三四五六七八九十\d]+章`),
	regexp.MustCompile(`^-{3,}$`),
	regexp.MustCompile(`^={3,}$`),
	regexp.MustCompile(`^\*{3,}$`),
	regexp.MustCompile(`^【.*】$`),
	regexp.MustCompile(`^写作意图[:：]`),
}

var metaKeywords = []string{
	"下一章", "写作意图", "章节目标", "提示词", "大纲",
	"总结", "概要", "Chapter", "CHAPTER", "分隔符",
}

// CleanChapterText strips non-prose scaffolding from raw model output and
// normalizes paragraph spacing, returning only the story text.
func CleanChapterText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	var kept []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		skip := false
		for _, pat := range removeLinePatterns {
			if pat.MatchString(trimmed) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		// Short lines mentioning meta keywords are almost always trailer notes.
		if len([]rune(trimmed)) < 50 {
			for _, kw := range metaKeywords {
				if strings.Contains(line, kw) {
					skip = true
					break
				}
			}
		}
		if skip {
			continue
		}
		kept = append(kept, line)
	}

	// Collapse blank runs to single paragraph breaks.
	var out []string
	prevEmpty := false
	for _, line := range kept {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
			prevEmpty = false
		} else if !prevEmpty {
			out = append(out, "")
			prevEmpty = true
		}
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

var bulletPrefix = regexp.MustCompile(`^[\d\-\*•\.、]+\s*`)

// ExtractSummaryBullets turns raw summary output into clean bullet strings:
// numbering stripped, short meta lines dropped.
func ExtractSummaryBullets(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var items []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		cleaned := bulletPrefix.ReplaceAllString(strings.TrimSpace(line), "")
		if len([]rune(cleaned)) < 5 {
			continue
		}
		if len([]rune(cleaned)) < 20 {
			meta := false
			for _, kw := range []string{"概要", "提要", "总结", "如下"} {
				if strings.Contains(cleaned, kw) {
					meta = true
					break
				}
			}
			if meta {
				continue
			}
		}
		items = append(items, cleaned)
	}
	return items
}
