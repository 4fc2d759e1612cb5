package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CharacterProfile is a fixed character sheet from the settings file. Profiles
// describe who a character is; CharacterState tracks where they are now.
type CharacterProfile struct {
	Name          string            `yaml:"name"`
	Role          string            `yaml:"role"`
	Age           int               `yaml:"age,omitempty"`
	Occupation    string            `yaml:"occupation,omitempty"`
	Personality   []string          `yaml:"personality,omitempty"`
	Background    string            `yaml:"background,omitempty"`
	Relationships map[string]string `yaml:"relationships,omitempty"`
	EmotionalArc  string            `yaml:"emotional_arc,omitempty"`
	Secrets       []string          `yaml:"secrets,omitempty"`
	SpeechStyle   string            `yaml:"speech_style,omitempty"`
	Appearance    map[string]string `yaml:"appearance,omitempty"`
}

// PromptText renders the profile as a character brief for the chapter prompt.
func (p CharacterProfile) PromptText() string {
	head := p.Name
	var meta []string
	if p.Role != "" {
		meta = append(meta, p.Role)
	}
	if p.Age > 0 {
		meta = append(meta, fmt.Sprintf("%d岁", p.Age))
	}
	if p.Occupation != "" {
		meta = append(meta, p.Occupation)
	}
	if len(meta) > 0 {
		head += "（" + strings.Join(meta, "，") + "）"
	}
	lines := []string{head + "："}
	if len(p.Personality) > 0 {
		lines = append(lines, "  性格："+strings.Join(p.Personality, "、"))
	}
	if p.Background != "" {
		lines = append(lines, "  背景："+p.Background)
	}
	if len(p.Relationships) > 0 {
		var rels []string
		for _, other := range sortedKeys(p.Relationships) {
			rels = append(rels, "与"+other+p.Relationships[other])
		}
		lines = append(lines, "  关系："+strings.Join(rels, "；"))
	}
	if p.EmotionalArc != "" {
		lines = append(lines, "  情感走向："+p.EmotionalArc)
	}
	if len(p.Secrets) > 0 {
		lines = append(lines, "  秘密："+strings.Join(p.Secrets, "、"))
	}
	if p.SpeechStyle != "" {
		lines = append(lines, "  语言风格："+p.SpeechStyle)
	}
	return strings.Join(lines, "\n")
}

// Arc is one narrative stage spanning a contiguous chapter range.
type Arc struct {
	Name        string `yaml:"name"`
	FromChapter int    `yaml:"from"`
	ToChapter   int    `yaml:"to"`
	Theme       string `yaml:"theme"`
	Emotion     string `yaml:"emotion,omitempty"`
	Guidance    string `yaml:"guidance,omitempty"`
}

// StateTransition is a scheduled character-state mutation applied when its
// chapter closes.
type StateTransition struct {
	Chapter   int      `yaml:"chapter"`
	Character string   `yaml:"character"`
	Emotion   string   `yaml:"emotion,omitempty"`
	Location  string   `yaml:"location,omitempty"`
	Goal      string   `yaml:"goal,omitempty"`
	Learns    []string `yaml:"learns,omitempty"`
}

// Settings is the story definition: premise, cast, per-chapter narrative goals,
// and the staged state schedule. Loaded from YAML; DefaultSettings supplies a
// usable built-in when no file is given.
type Settings struct {
	Title        string `yaml:"title"`
	Synopsis     string `yaml:"synopsis,omitempty"`
	WorldSetting string `yaml:"world"`
	StyleSystem  string `yaml:"style_system,omitempty"`
	StyleUser    string `yaml:"style_user,omitempty"`

	Characters []CharacterProfile `yaml:"characters"`
	Arcs       []Arc              `yaml:"arcs,omitempty"`

	ChapterGoals  map[int]string `yaml:"chapter_goals"`
	FallbackGoal  string         `yaml:"fallback_goal"`
	ChapterTitles map[int]string `yaml:"chapter_titles,omitempty"`

	Transitions []StateTransition `yaml:"transitions,omitempty"`
}

// LoadSettings reads and validates a YAML settings file.
func LoadSettings(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("LoadSettings: read file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("LoadSettings: unmarshal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("LoadSettings: %w", err)
	}
	return s, nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("settings: missing title")
	}
	if strings.TrimSpace(s.WorldSetting) == "" {
		return fmt.Errorf("settings: missing world")
	}
	for i, a := range s.Arcs {
		if a.FromChapter < 1 || a.ToChapter < a.FromChapter {
			return fmt.Errorf("settings: arc %d (%s): bad chapter range %d..%d", i, a.Name, a.FromChapter, a.ToChapter)
		}
	}
	for i, t := range s.Transitions {
		if t.Chapter < 1 || t.Character == "" {
			return fmt.Errorf("settings: transition %d: missing chapter or character", i)
		}
	}
	return nil
}

// GoalFor returns the narrative goal for a chapter, falling back to the
// generic descriptor for indices beyond the table.
func (s Settings) GoalFor(chapter int) string {
	if goal, ok := s.ChapterGoals[chapter]; ok {
		return goal
	}
	if s.FallbackGoal != "" {
		return s.FallbackGoal
	}
	return "推进剧情，深化冲突，为下一章做铺垫。"
}

// ArcFor returns the narrative arc covering a chapter, or a zero Arc.
func (s Settings) ArcFor(chapter int) Arc {
	for _, a := range s.Arcs {
		if chapter >= a.FromChapter && chapter <= a.ToChapter {
			return a
		}
	}
	if n := len(s.Arcs); n > 0 && chapter > s.Arcs[n-1].ToChapter {
		return s.Arcs[n-1]
	}
	return Arc{}
}

// TransitionsFor returns the state mutations scheduled for a chapter.
func (s Settings) TransitionsFor(chapter int) []StateTransition {
	var out []StateTransition
	for _, t := range s.Transitions {
		if t.Chapter == chapter {
			out = append(out, t)
		}
	}
	return out
}

// TitleFor returns the pre-set title for a chapter, or "" when none exists.
func (s Settings) TitleFor(chapter int) string {
	return s.ChapterTitles[chapter]
}

// DefaultSettings is the built-in story definition used when no settings file
// is supplied: a fifteen-chapter modern reconciliation romance.
func DefaultSettings() Settings {
	return Settings{
		Title:    "追妻火葬场",
		Synopsis: "一段从误会到分离，从悔恨到追回的虐恋情深。",
		WorldSetting: "现代都市背景，商业精英与豪门世家的生活圈。" +
			"男女主角曾是夫妻，因误会、背叛或家族利益而分离。" +
			"涉及商战、家族恩怨、亲子关系等多重矛盾。" +
			"情感基调：虐恋情深，先虐后甜，追妻火葬场。",
		Characters: []CharacterProfile{
			{
				Name: "陆景深", Role: "男主", Age: 32, Occupation: "跨国集团总裁",
				Personality:  []string{"理性", "控制欲强", "骄傲", "内心深情", "不善表达"},
				Background:   "豪门继承人，年少成名，商界传奇",
				EmotionalArc: "初期：自负傲慢；后期：悔恨追妻",
				Secrets:      []string{"其实一直深爱女主", "被人设计陷害"},
				SpeechStyle:  "低沉简洁，情绪激动时会颤抖",
				Appearance:   map[string]string{"身高": "188cm", "头发": "黑色短发"},
			},
			{
				Name: "苏念", Role: "女主", Age: 28, Occupation: "独立设计师",
				Personality:  []string{"坚强", "善良", "倔强", "缺乏安全感"},
				Background:   "普通家庭，靠自己打拼，曾为爱付出一切",
				EmotionalArc: "初期：心死绝望；后期：慢慢心软",
				Secrets:      []string{"怀有身孕"},
				SpeechStyle:  "清冷中带着疲惫，动情时会哽咽",
				Appearance:   map[string]string{"身高": "165cm"},
			},
			{
				Name: "顾北辰", Role: "男配", Age: 30, Occupation: "医生",
				Personality:   []string{"温柔", "隐忍", "知进退"},
				Background:    "女主的朋友，一直默默守护",
				Relationships: map[string]string{"苏念": "暗恋守护"},
			},
			{
				Name: "沈雨薇", Role: "女配", Age: 29, Occupation: "明星",
				Personality:   []string{"心机", "表面柔弱", "善于伪装"},
				Background:    "男主的初恋，想要夺回男主",
				Relationships: map[string]string{"陆景深": "前女友"},
			},
		},
		Arcs: []Arc{
			{Name: "虐心离别", FromChapter: 1, ToChapter: 3, Theme: "误会重重，关系破裂，痛苦分离", Emotion: "压抑、心碎、绝望",
				Guidance: "重点描写：误会的产生、信任的崩塌、离别的痛苦。"},
			{Name: "各自煎熬", FromChapter: 4, ToChapter: 6, Theme: "分离后的生活，表面坚强内心痛苦", Emotion: "隐忍、思念、悔恨初现",
				Guidance: "重点描写：分离后的空虚、对往事的回忆、内心的挣扎。"},
			{Name: "真相渐明", FromChapter: 7, ToChapter: 9, Theme: "误会解开，男主醒悟，开始追妻", Emotion: "懊悔、自责、急切",
				Guidance: "重点描写：真相的冲击、男主的悔恨、想要挽回的急切。"},
			{Name: "追妻之路", FromChapter: 10, ToChapter: 12, Theme: "男主各种追求，女主心防难破", Emotion: "执着、心软、纠结",
				Guidance: "重点描写：男主的真诚悔改、各种追求手段、女主的内心动摇。"},
			{Name: "破镜重圆", FromChapter: 13, ToChapter: 15, Theme: "历经考验，重新在一起", Emotion: "释然、感动、甜蜜",
				Guidance: "重点描写：最后的考验、真心的证明、重新在一起的感动。"},
		},
		ChapterGoals: map[int]string{
			1:  "开篇即虐：展现曾经恩爱的片段，然后急转直下，女主心死决定离婚。",
			2:  "决绝离去：女主坚决离开，女主隐瞒重要秘密，制造强烈冲突。",
			3:  "各奔东西：正式分离，女主开始新生活，男主开始感到不对劲。",
			4:  "表面平静：女主努力重新开始；男主开始频繁想起女主。",
			5:  "意外相遇：两人因工作意外重逢，表面冷漠，内心波澜。",
			6:  "暗流涌动：男主开始调查当年的事，初见端倪。",
			7:  "真相一角：部分真相曝光，男主震惊，急于见女主。",
			8:  "悔恨交加：男主知道全部真相，开始疯狂寻找女主。",
			9:  "初次追求：男主真诚道歉，女主冷漠拒绝，但内心已有波动。",
			10: "持续努力：男主用各种方式追求，女主表面不为所动。",
			11: "心防松动：女主遇险，男主奋不顾身，女主心防开始松动。",
			12: "进退两难：女主想原谅但怕再次受伤，男主表现出成长。",
			13: "最后考验：出现新的危机，男主证明自己。",
			14: "冰释前嫌：女主终于原谅，两人解开所有心结。",
			15: "甜蜜结局：重新在一起，展望美好未来，温馨收尾。",
		},
		FallbackGoal: "推进剧情，深化情感冲突，为下一章做铺垫。",
		ChapterTitles: map[int]string{
			1: "决绝离婚", 2: "心如死灰", 3: "各奔东西",
			4: "深夜思念", 5: "意外重逢", 6: "暗流涌动",
			7: "真相初现", 8: "悔不当初", 9: "疯狂寻找",
			10: "苦苦哀求", 11: "为她受伤", 12: "心防动摇",
			13: "生死考验", 14: "真心相对", 15: "余生有你",
		},
		Transitions: []StateTransition{
			{Chapter: 1, Character: "陆景深", Emotion: "自负，认为女主在闹脾气", Location: "陆氏集团", Goal: "维持表面的骄傲"},
			{Chapter: 1, Character: "苏念", Emotion: "心死，决心离开", Goal: "彻底离开这段关系", Learns: []string{"怀孕"}},
			{Chapter: 3, Character: "陆景深", Emotion: "空虚，开始怀疑自己"},
			{Chapter: 3, Character: "苏念", Emotion: "表面坚强，内心痛苦"},
			{Chapter: 6, Character: "陆景深", Learns: []string{"沈雨薇在说谎"}},
			{Chapter: 9, Character: "陆景深", Emotion: "崩溃，不顾一切", Goal: "不惜一切代价挽回苏念"},
			{Chapter: 12, Character: "苏念", Emotion: "动摇，想原谅但害怕"},
			{Chapter: 15, Character: "陆景深", Emotion: "珍惜，深情"},
			{Chapter: 15, Character: "苏念", Emotion: "幸福，安心"},
		},
	}
}
