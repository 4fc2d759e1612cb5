package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sablewood/novelforge/pipeline/fileutils"
)

// CheckpointSnapshot is the complete resumable pipeline state at one chapter
// boundary. Loading a snapshot is total: anything not in the file is discarded.
type CheckpointSnapshot struct {
	Chapter      int                        `json:"chapter"`
	Ledger       FactLedger                 `json:"fact_ledger"`
	Characters   map[string]*CharacterState `json:"character_states"`
	Interactions []Interaction              `json:"interaction_history,omitempty"`
	Context      *RollingContext            `json:"rolling_context"`
}

// CheckpointPath is the deterministic snapshot filename for a chapter, so
// external tools can locate a resume point without reading anything.
func CheckpointPath(dir string, chapter int) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint_ch%02d.json", chapter))
}

// SaveCheckpoint writes the snapshot as a whole-file atomic replace. A process
// interrupt mid-write leaves the previous snapshot intact.
func SaveCheckpoint(dir string, snap CheckpointSnapshot) error {
	if snap.Chapter < 1 {
		return fmt.Errorf("SaveCheckpoint: bad chapter %d", snap.Chapter)
	}
	if err := fileutils.WriteJSONFile(CheckpointPath(dir, snap.Chapter), snap); err != nil {
		return fmt.Errorf("SaveCheckpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the snapshot for a chapter. A missing file returns
// ok=false with no error: cold resume is a permitted degraded mode.
func LoadCheckpoint(dir string, chapter int) (CheckpointSnapshot, bool, error) {
	b, err := os.ReadFile(CheckpointPath(dir, chapter))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckpointSnapshot{}, false, nil
		}
		return CheckpointSnapshot{}, false, fmt.Errorf("LoadCheckpoint: read file: %w", err)
	}
	var snap CheckpointSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return CheckpointSnapshot{}, false, fmt.Errorf("LoadCheckpoint: unmarshal: %w", err)
	}
	if snap.Ledger.Characters == nil {
		snap.Ledger.Characters = map[string]map[string]string{}
	}
	if snap.Characters == nil {
		snap.Characters = map[string]*CharacterState{}
	}
	if snap.Context == nil {
		snap.Context = NewRollingContext(0)
	}
	if snap.Context.Summaries == nil {
		snap.Context.Summaries = map[int][]string{}
	}
	return snap, true, nil
}
