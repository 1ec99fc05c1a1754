// Package mergestate implements the on-disk merge-state file: an
// exclusive-create lock that doubles as the phase orchestrator's
// persisted state, fsync'd after every transition so a crash between
// phases can always be recovered from on next startup.
package mergestate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
)

// Phase is the merge state machine's current tag, modeled explicitly
// as an enumeration rather than a set of ambient booleans.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseCommit  Phase = "commit"
	PhaseCleanup Phase = "cleanup"
)

const fileName = "merge-state.json"

// State is the merge-state file's full persisted body.
type State struct {
	// RunID identifies one PREPARE→COMMIT→CLEANUP attempt. Create
	// stamps a fresh id on every call, so each pass of the merge retry
	// loop gets its own id; capture refs and op-log entries do not
	// carry it.
	RunID        string          `json:"run_id"`
	Phase        Phase           `json:"phase"`
	Inputs       []string        `json:"inputs"`
	CaptureRefs  []string        `json:"capture_refs"`
	CandidateOid string          `json:"candidate_oid,omitempty"`
	OldEpoch     string          `json:"old_epoch"`
	NewEpoch     string          `json:"new_epoch,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	Destroy      bool            `json:"destroy"`
}

// File manages the merge-state file at a fixed path under the
// repository metadata directory.
type File struct {
	path string
}

// New returns a File rooted at gitDir/manifold/merge-state.json.
func New(gitDir string) *File {
	return &File{path: filepath.Join(gitDir, "manifold", fileName)}
}

// Path returns the merge-state file's location, surfaced in the
// MergeInProgress hint.
func (f *File) Path() string {
	return f.path
}

// Create acquires the merge lock by exclusively creating the file with
// the initial PREPARE state. Fails MergeInProgress if one already
// exists.
func (f *File) Create(inputs []ids.WorkspaceId, oldEpoch ids.EpochId) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return nil, errs.WrapError(errs.ErrIO, "failed to create merge-state directory", err).
			WithDetail("path", filepath.Dir(f.path))
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.NewError(errs.ErrMergeInProgress, "a merge is already in progress").
				WithDetail("path", f.path).
				WithHint("inspect or clear the merge-state file before retrying", "")
		}
		return nil, errs.WrapError(errs.ErrIO, "failed to create merge-state file", err).
			WithDetail("path", f.path)
	}
	defer file.Close()

	inputNames := make([]string, len(inputs))
	for i, ws := range inputs {
		inputNames[i] = ws.String()
	}

	state := &State{
		RunID:     uuid.NewString(),
		Phase:     PhasePrepare,
		Inputs:    inputNames,
		OldEpoch:  oldEpoch.String(),
		StartedAt: time.Now().UTC(),
	}

	if err := writeAndSync(file, state); err != nil {
		os.Remove(f.path)
		return nil, err
	}

	return state, nil
}

// Load reads the current merge-state file, if one exists.
func (f *File) Load() (*State, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errs.WrapError(errs.ErrIO, "failed to read merge-state file", err).
			WithDetail("path", f.path)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, errs.WrapError(errs.ErrFatal, "merge-state file is corrupt", err).
			WithDetail("path", f.path)
	}
	return &state, true, nil
}

// Save persists a transition, fsyncing before returning so the on-disk
// state is durable before the next phase begins.
func (f *File) Save(state *State) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errs.WrapError(errs.ErrIO, "failed to open merge-state file for update", err).
			WithDetail("path", f.path)
	}
	defer file.Close()

	return writeAndSync(file, state)
}

func writeAndSync(file *os.File, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errs.WrapError(errs.ErrFatal, "failed to marshal merge-state", err)
	}

	if _, err := file.Write(data); err != nil {
		return errs.WrapError(errs.ErrIO, "failed to write merge-state file", err)
	}

	if err := file.Sync(); err != nil {
		return errs.WrapError(errs.ErrIO, "failed to fsync merge-state file", err)
	}

	dir, err := os.Open(filepath.Dir(file.Name()))
	if err != nil {
		return errs.WrapError(errs.ErrIO, "failed to open merge-state directory for fsync", err)
	}
	defer dir.Close()
	return dir.Sync()
}

// Delete removes the merge-state file, clearing the merge lock.
func (f *File) Delete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errs.WrapError(errs.ErrIO, "failed to delete merge-state file", err).
			WithDetail("path", f.path)
	}
	return nil
}

// Exists reports whether a merge-state file is currently present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}
