package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sablewood/novelforge/pipeline/fileutils"
)

const chapterSystemPrompt = "你是一位擅长现代都市情感小说创作的作家，尤其精通虐恋、追妻流等题材。" +
	"你的作品情感真挚，虐点精准，能够深深打动读者的心。" +
	"你懂得如何营造情感张力，制造冲突和转折。\n" +
	"=== 我们坚持的价值 ===\n" +
	"1. 情感真实、细腻、打动人心\n" +
	"2. 剧情合理、冲突强烈、转折自然\n" +
	"3. 人物立体、性格鲜明、成长清晰\n" +
	"=== 我们坚决避免的内容 ===\n" +
	"1. 违反法律法规的内容\n" +
	"2. 过度暴力或不当描写\n" +
	"3. 违背公序良俗的内容\n" +
	"4. 缺乏逻辑的狗血剧情\n"

const chapterStructureBlock = "结构为起承转合四段，每段约八百至九百字；" +
	"开头要有钩子吸引读者，结尾要有悬念或情感爆点；" +
	"只输出纯小说正文，不写任何标题、编号、分隔符或元信息。\n" +
	"字数为三千四百至三千六百字。"

// BuildChapterPrompt assembles the generation prompt for one chapter from the
// rolling context window, the fact ledger, the cast states, and the
// settings-file goal table.
func BuildChapterPrompt(chapter int, settings Settings, recent []string, ledger FactLedger, cast *Cast) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "请写第%d章正文。\n", chapter)

	latest := recent
	if len(latest) == 0 {
		b.WriteString("前情提要：故事开始。\n")
	} else {
		b.WriteString("【近期剧情脉络】\n")
		for _, line := range latest {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	var profiles []string
	for _, p := range settings.Characters {
		profiles = append(profiles, p.PromptText())
	}
	if len(profiles) > 0 {
		b.WriteString("\n【人物档案】\n")
		b.WriteString(strings.Join(profiles, "\n"))
		b.WriteString("\n")
	}
	if brief := cast.Brief(); brief != "" {
		b.WriteString("\n【人物当前状态】\n")
		b.WriteString(brief)
	}
	if brief := ledger.Brief(12); brief != "" {
		b.WriteString("\n【既有事实（不得违背）】\n")
		b.WriteString(brief)
	}

	fmt.Fprintf(&b, "\n背景设定：%s\n", settings.WorldSetting)
	if arc := settings.ArcFor(chapter); arc.Name != "" {
		fmt.Fprintf(&b, "当前阶段：%s（%s）\n", arc.Theme, arc.Emotion)
		if arc.Guidance != "" {
			b.WriteString(arc.Guidance)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "本章目标：%s\n", settings.GoalFor(chapter))

	if settings.StyleUser != "" {
		b.WriteString(settings.StyleUser)
		b.WriteString("\n")
	} else {
		b.WriteString("文风要求：情感细腻真实，对话贴近生活，心理描写深入，" +
			"场景描写生动，节奏张弛有度。多用细节展现情感，少用直白说教。\n")
	}
	b.WriteString(chapterStructureBlock)

	system = chapterSystemPrompt
	if settings.StyleSystem != "" {
		system = settings.StyleSystem
	}
	return system, b.String()
}

// BuildSummaryPrompt asks for 8-12 short bullet facts covering the chapter,
// as a JSON object matching the summary schema.
func BuildSummaryPrompt(chapterText string) (system, user string) {
	user = "请将以下正文提炼为前情提要，要求：\n" +
		"1. 重点提取情感变化和关系进展\n" +
		"2. 记录关键事件和转折点\n" +
		"3. 每条二十至三十字\n" +
		"4. 共八至十二条\n" +
		"5. 不写编号与多余符号\n" +
		"6. 输出JSON对象，键为 bullets（字符串数组）\n\n" +
		"【正文】\n" + chapterText
	return "你是专业的情感小说编辑，擅长提炼剧情要点和情感脉络。", user
}

// BuildFactExtractionPrompt constrains output to the FactDelta JSON shape.
func BuildFactExtractionPrompt(chapterText string) (system, user string) {
	user = "请从以下正文抽取稳定事实, 输出JSON, 键包括: characters(人物词典), events(关键事件数组)。\n" +
		"characters 的结构: {姓名: {年龄?:str, 职业?:str, 关系?:str, 其他?:str}};\n" +
		"events: 每项二十字以内的关键事件或设定。\n" +
		"正文:\n" + chapterText
	return "你是严谨的小说事实抽取器, 只输出JSON。", user
}

// BuildConsistencyRepairPrompt requests the one-shot minimal-edit rewrite:
// ledger as ground truth, edits restricted to the conflicting spans, order and
// emotional trajectory unchanged, no plot added or removed.
func BuildConsistencyRepairPrompt(ledger FactLedger, conflicts []ConflictRecord, chapterText string) (system, user string) {
	ledgerJSON, err := json.Marshal(ledger)
	if err != nil {
		ledgerJSON = []byte("{}")
	}
	lines := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		lines = append(lines, c.String())
	}
	user = "【既有事实库】\n" + string(ledgerJSON) +
		"\n\n【检测到的冲突】\n" + strings.Join(lines, "\n") +
		"\n\n请在严格不改变故事关键事件顺序与情感走向的前提下, 对正文进行最小幅度修订, 确保与事实库一致。\n" +
		"不要扩写或删减段落, 仅在冲突处做替换。只输出修订后的正文。\n\n" +
		"【待修订正文】\n" + chapterText
	return "你是小说一致性编辑, 只输出修订后正文。", user
}

// BuildComplianceRepairPrompt requests a rewrite scoped to the sentences
// containing the hit terms, leaving everything else untouched.
func BuildComplianceRepairPrompt(verdict ModerationVerdict, hits []string, chapterText string) (system, user string) {
	var desc []string
	for _, v := range verdict.Violations {
		line := fmt.Sprintf("- %s: %s", v.Category, v.Message)
		if len(v.HitTerms) > 0 {
			line += fmt.Sprintf(" (涉及词汇: %s)", strings.Join(v.HitTerms, ", "))
		}
		desc = append(desc, line)
	}
	var b strings.Builder
	b.WriteString("请根据以下审核反馈，对小说文本进行最小化修改，使其符合内容规范。\n\n")
	b.WriteString("审核发现的问题：\n")
	b.WriteString(strings.Join(desc, "\n"))
	if len(hits) > 0 {
		fmt.Fprintf(&b, "\n\n命中词汇：%s", strings.Join(hits, "、"))
	}
	b.WriteString("\n\n修改要求：\n" +
		"1. 只改写包含命中词汇的句子，其余内容保持原样\n" +
		"2. 保持原文的叙事风格和情节发展\n" +
		"3. 尽量使用委婉、隐喻的表达替代直接描述\n" +
		"4. 不要改变故事的核心剧情和人物关系\n" +
		"5. 不要添加新的情节或删除重要内容\n" +
		"6. 只输出修改后的小说正文，不要输出任何说明\n\n" +
		"原文：\n")
	b.WriteString(chapterText)
	return "你是一位专业的文本编辑，擅长在保持原意的前提下，将内容修改得更加符合平台规范。", b.String()
}

// BuildTitlePrompt asks for a 2-4 character chapter title, no punctuation.
func BuildTitlePrompt(chapterText string) (system, user string) {
	user = "请为以下小说章节生成一个精炼的标题。\n\n" +
		"要求：\n" +
		"1. 标题要体现本章的核心事件或转折\n" +
		"2. 使用2-4个字的词语\n" +
		"3. 有文学性和吸引力\n" +
		"4. 只输出标题本身，不要加\"第X章\"，不要加任何标点符号\n" +
		"5. 不要输出任何解释或说明\n\n" +
		"章节内容：\n" + fileutils.Truncate(chapterText, 4500)
	return "你是一位资深的小说编辑，擅长为章节起标题。", user
}
