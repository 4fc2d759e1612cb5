package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// CharacterState is the mutable per-character snapshot owned by the
// consistency subsystem. States are created on first reference, mutated once
// per chapter, persisted at chapter close, and never deleted.
type CharacterState struct {
	EmotionalState string            `json:"emotional_state"`
	PhysicalState  string            `json:"physical_state,omitempty"`
	Location       string            `json:"location"`
	CurrentGoal    string            `json:"current_goal"`
	RecentEvents   []string          `json:"recent_events,omitempty"`
	Knowledge      []string          `json:"knowledge,omitempty"`
	Relationships  map[string]string `json:"relationships_status,omitempty"`
}

// Learn inserts facts into the known-facts set, preserving insertion order.
func (s *CharacterState) Learn(facts ...string) {
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		known := false
		for _, k := range s.Knowledge {
			if k == f {
				known = true
				break
			}
		}
		if !known {
			s.Knowledge = append(s.Knowledge, f)
		}
	}
}

// Interaction records one on-page exchange between two characters.
type Interaction struct {
	Chapter    int      `json:"chapter"`
	Characters []string `json:"characters"`
	Type       string   `json:"type"`
	Details    string   `json:"details,omitempty"`
}

// maxInteractionHistory bounds the persisted interaction window.
const maxInteractionHistory = 20

// Cast tracks every character's current state plus a bounded interaction
// history. It is mutated only by the orchestrator's single execution thread.
type Cast struct {
	States       map[string]*CharacterState `json:"character_states"`
	Interactions []Interaction              `json:"interaction_history,omitempty"`
}

func NewCast() *Cast {
	return &Cast{States: map[string]*CharacterState{}}
}

// State returns the named character's state, creating it on first reference.
func (c *Cast) State(name string) *CharacterState {
	if c.States == nil {
		c.States = map[string]*CharacterState{}
	}
	st, ok := c.States[name]
	if !ok {
		st = &CharacterState{Relationships: map[string]string{}}
		c.States[name] = st
	}
	return st
}

// RecordInteraction appends to the history, trimming to the persisted bound.
func (c *Cast) RecordInteraction(chapter int, a, b, kind, details string) {
	c.Interactions = append(c.Interactions, Interaction{
		Chapter:    chapter,
		Characters: []string{a, b},
		Type:       kind,
		Details:    details,
	})
	if len(c.Interactions) > maxInteractionHistory {
		c.Interactions = c.Interactions[len(c.Interactions)-maxInteractionHistory:]
	}
}

// ApplyTransition mutates character states per the settings-file schedule for
// one chapter. Unknown characters are created on first reference.
func (c *Cast) ApplyTransition(t StateTransition) {
	st := c.State(t.Character)
	if t.Emotion != "" {
		st.EmotionalState = t.Emotion
	}
	if t.Location != "" {
		st.Location = t.Location
	}
	if t.Goal != "" {
		st.CurrentGoal = t.Goal
	}
	st.Learn(t.Learns...)
}

// Brief renders the cast states for prompt construction, in stable name order.
func (c *Cast) Brief() string {
	if c == nil || len(c.States) == 0 {
		return ""
	}
	names := make([]string, 0, len(c.States))
	for name := range c.States {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		st := c.States[name]
		var parts []string
		if st.EmotionalState != "" {
			parts = append(parts, "情感:"+st.EmotionalState)
		}
		if st.Location != "" {
			parts = append(parts, "位置:"+st.Location)
		}
		if st.CurrentGoal != "" {
			parts = append(parts, "目标:"+st.CurrentGoal)
		}
		if len(st.Knowledge) > 0 {
			parts = append(parts, "已知:"+strings.Join(st.Knowledge, "、"))
		}
		if len(parts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s（%s）\n", name, strings.Join(parts, "；"))
	}
	return b.String()
}
