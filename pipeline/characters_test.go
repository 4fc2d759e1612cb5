package pipeline

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestCastState_CreatesOnFirstReference(t *testing.T) {
	t.Parallel()

	cast := NewCast()
	st := cast.State("苏晚")
	if st == nil {
		t.Fatalf("State returned nil")
	}
	if cast.State("苏晚") != st {
		t.Fatalf("second State call returned a different instance")
	}
	if len(cast.States) != 1 {
		t.Fatalf("States=%d, want 1", len(cast.States))
	}
}

func TestCharacterStateLearn_DedupesInOrder(t *testing.T) {
	t.Parallel()

	var st CharacterState
	st.Learn("真相A", "真相B", "真相A", "", "  ", "真相C")
	want := []string{"真相A", "真相B", "真相C"}
	if !reflect.DeepEqual(st.Knowledge, want) {
		t.Fatalf("Knowledge=%v, want %v", st.Knowledge, want)
	}
}

func TestRecordInteraction_TrimsHistory(t *testing.T) {
	t.Parallel()

	cast := NewCast()
	for i := 1; i <= maxInteractionHistory+5; i++ {
		cast.RecordInteraction(i, "苏晚", "陆景深", "对话", fmt.Sprintf("第%d次", i))
	}
	if len(cast.Interactions) != maxInteractionHistory {
		t.Fatalf("Interactions=%d, want bound %d", len(cast.Interactions), maxInteractionHistory)
	}
	if got := cast.Interactions[0].Chapter; got != 6 {
		t.Fatalf("oldest retained chapter=%d, want 6", got)
	}
	if got := cast.Interactions[len(cast.Interactions)-1].Chapter; got != maxInteractionHistory+5 {
		t.Fatalf("newest chapter=%d, want %d", got, maxInteractionHistory+5)
	}
}

func TestApplyTransition(t *testing.T) {
	t.Parallel()

	cast := NewCast()
	cast.State("陆景深").EmotionalState = "冷漠"
	cast.State("陆景深").Location = "公司"

	cast.ApplyTransition(StateTransition{
		Chapter:   4,
		Character: "陆景深",
		Emotion:   "动摇",
		Learns:    []string{"苏晚当年没有背叛他"},
	})

	st := cast.State("陆景深")
	if st.EmotionalState != "动摇" {
		t.Fatalf("EmotionalState=%q, want 动摇", st.EmotionalState)
	}
	if st.Location != "公司" {
		t.Fatalf("Location=%q, empty transition field must not clear it", st.Location)
	}
	if len(st.Knowledge) != 1 || st.Knowledge[0] != "苏晚当年没有背叛他" {
		t.Fatalf("Knowledge=%v", st.Knowledge)
	}
}

func TestCastBrief_StableOrder(t *testing.T) {
	t.Parallel()

	cast := NewCast()
	cast.State("陆景深").EmotionalState = "悔恨"
	cast.State("苏晚").EmotionalState = "决绝"
	cast.State("苏晚").CurrentGoal = "拿到离婚协议的签字"
	cast.State("无状态角色")

	brief := cast.Brief()
	if !strings.Contains(brief, "苏晚") || !strings.Contains(brief, "陆景深") {
		t.Fatalf("Brief missing characters:\n%s", brief)
	}
	if strings.Contains(brief, "无状态角色") {
		t.Fatalf("Brief should skip characters with no populated fields:\n%s", brief)
	}
	if cast.Brief() != brief {
		t.Fatalf("Brief is not deterministic")
	}

	var nilCast *Cast
	if nilCast.Brief() != "" {
		t.Fatalf("nil cast Brief should be empty")
	}
}
