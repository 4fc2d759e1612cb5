package pipeline

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ledger := NewFactLedger()
	ledger.Merge(FactDelta{
		Characters: map[string]map[string]string{"陆景深": {"身高": "188cm"}},
		Events:     []string{"两人初遇", "雨夜重逢"},
	})
	cast := NewCast()
	cast.State("苏晚").EmotionalState = "强装镇定"
	cast.State("苏晚").Learn("陆景深隐瞒了当年的真相")
	cast.RecordInteraction(2, "苏晚", "陆景深", "对峙", "天台争执")
	rolling := NewRollingContext(3)
	rolling.Add(1, []string{"苏晚递交了离婚协议"})
	rolling.Add(2, []string{"陆景深深夜到访", "两人在天台对峙"})

	snap := CheckpointSnapshot{
		Chapter:      2,
		Ledger:       ledger,
		Characters:   cast.States,
		Interactions: cast.Interactions,
		Context:      rolling,
	}
	if err := SaveCheckpoint(dir, snap); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, ok, err := LoadCheckpoint(dir, 2)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !ok {
		t.Fatalf("ok=false, want snapshot found")
	}
	if got.Chapter != 2 {
		t.Fatalf("Chapter=%d, want 2", got.Chapter)
	}
	if !reflect.DeepEqual(got.Ledger, ledger) {
		t.Fatalf("Ledger mismatch:\n got %+v\nwant %+v", got.Ledger, ledger)
	}
	if !reflect.DeepEqual(got.Characters, cast.States) {
		t.Fatalf("Characters mismatch:\n got %+v\nwant %+v", got.Characters, cast.States)
	}
	if !reflect.DeepEqual(got.Interactions, cast.Interactions) {
		t.Fatalf("Interactions mismatch:\n got %+v\nwant %+v", got.Interactions, cast.Interactions)
	}
	if !reflect.DeepEqual(got.Context, rolling) {
		t.Fatalf("Context mismatch:\n got %+v\nwant %+v", got.Context, rolling)
	}
}

func TestLoadCheckpoint_MissingIsColdResume(t *testing.T) {
	t.Parallel()

	_, ok, err := LoadCheckpoint(t.TempDir(), 7)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v, want nil error for missing snapshot", err)
	}
	if ok {
		t.Fatalf("ok=true, want false")
	}
}

func TestLoadCheckpoint_CorruptFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(CheckpointPath(dir, 3), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, ok, err := LoadCheckpoint(dir, 3)
	if err == nil {
		t.Fatalf("err=nil, want unmarshal error")
	}
	if ok {
		t.Fatalf("ok=true, want false")
	}
}

func TestSaveCheckpoint_RejectsBadChapter(t *testing.T) {
	t.Parallel()

	if err := SaveCheckpoint(t.TempDir(), CheckpointSnapshot{Chapter: 0}); err == nil {
		t.Fatalf("err=nil, want rejection of chapter 0")
	}
}

func TestCheckpointPath(t *testing.T) {
	t.Parallel()

	got := CheckpointPath("ckpt", 4)
	want := filepath.Join("ckpt", "checkpoint_ch04.json")
	if got != want {
		t.Fatalf("CheckpointPath=%q, want %q", got, want)
	}
}
