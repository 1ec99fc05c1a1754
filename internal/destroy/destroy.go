// Package destroy implements the destructive gate, the destroy-record
// & recovery ledger, and the recovery-surface report every destructive
// operation prints. Both standalone `ws destroy` and the merge
// engine's `--destroy` cleanup step funnel through Perform, so there
// is exactly one codepath that ever removes a workspace directory.
package destroy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/manifold-vcs/manifold/internal/capture"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/workspace"
	"gopkg.in/yaml.v3"
)

// Reason classifies why a workspace directory was removed.
type Reason string

const (
	ReasonUser         Reason = "user"
	ReasonMergeDestroy Reason = "merge_destroy"
	ReasonGC           Reason = "gc"
)

// Record is the append-only artefact written before a workspace
// directory is removed.
type Record struct {
	Workspace   string    `json:"workspace"`
	Reason      Reason    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	RecoveryRef string    `json:"recovery_ref,omitempty"`
	CapturedOid string    `json:"captured_oid,omitempty"`
}

// Outcome is what Perform actually did, surfaced to the recovery
// report and to callers that need to know whether a capture exists.
type Outcome struct {
	Captured    bool
	SnapshotRef string
	SnapshotOid string
	ArtifactPath string
}

// Gate decides whether a workspace directory may be removed (spec
// §4.9). It always attempts a capture unless the workspace is
// provably clean and force was not requested; a capture failure on a
// dirty workspace is refused as DirtyNeedsCapture, never silently
// downgraded.
func Gate(backend *workspace.Backend, capEngine *capture.Engine, ws ids.WorkspaceId, force bool) (*capture.Result, error) {
	clean, err := backend.IsClean(ws)
	if err != nil {
		return nil, err
	}
	if clean && !force {
		return nil, nil
	}

	result, err := capEngine.Capture(ws, "destroy")
	if err != nil {
		return nil, errs.WrapError(errs.ErrDirtyNeedsCap, "workspace has uncommitted changes and capture failed", err).
			WithDetail("workspace", ws.String()).
			WithHint("investigate the capture failure before retrying", "")
	}
	return &result, nil
}

// Perform runs the full destructive sequence for one workspace: mark
// destroying, run the gate, write the destroy record (fsynced, with
// its parent directory fsynced), remove the checkout only after that
// record is durable, and append a destroy op-log entry.
// On gate refusal the destroying marker is cleared and nothing is
// removed.
func Perform(gitDir string, backend *workspace.Backend, capEngine *capture.Engine, ws ids.WorkspaceId, reason Reason, force bool) (Outcome, error) {
	if err := backend.MarkDestroying(ws); err != nil {
		return Outcome{}, err
	}

	result, err := Gate(backend, capEngine, ws, force)
	if err != nil {
		_ = backend.ClearDestroying(ws)
		return Outcome{}, err
	}

	outcome := Outcome{}
	rec := Record{Workspace: ws.String(), Reason: reason, Timestamp: time.Now().UTC()}
	if result != nil {
		outcome.Captured = true
		outcome.SnapshotRef = result.Ref.String()
		outcome.SnapshotOid = result.Oid.String()
		rec.RecoveryRef = result.Ref.String()
		rec.CapturedOid = result.Oid.String()
	}

	path, err := WriteRecord(gitDir, rec)
	if err != nil {
		_ = backend.ClearDestroying(ws)
		return Outcome{}, err
	}
	outcome.ArtifactPath = path

	if err := backend.Destroy(ws, force); err != nil {
		return outcome, err
	}

	if err := workspace.AppendOpLog(capEngine.Store(), ws, workspace.OpLogDestroy, string(reason)); err != nil {
		return outcome, err
	}

	return outcome, nil
}

// WriteRecord durably persists a destroy record under
// gitDir/manifold/destroy-records. The file and its parent directory
// are both fsynced before returning so the record survives power loss.
func WriteRecord(gitDir string, rec Record) (string, error) {
	dir := filepath.Join(gitDir, "manifold", "destroy-records")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.WrapError(errs.ErrIO, "failed to create destroy-records directory", err).
			WithDetail("path", dir)
	}

	ts := rec.Timestamp.Format("20060102T150405.000Z")
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", rec.Workspace, ts))

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", errs.WrapError(errs.ErrFatal, "failed to marshal destroy record", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", errs.WrapError(errs.ErrIO, "failed to create destroy record", err).
			WithDetail("path", path)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return "", errs.WrapError(errs.ErrIO, "failed to write destroy record", err).
			WithDetail("path", path)
	}
	if err := file.Sync(); err != nil {
		return "", errs.WrapError(errs.ErrIO, "failed to fsync destroy record", err).
			WithDetail("path", path)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return "", errs.WrapError(errs.ErrIO, "failed to open destroy-records directory for fsync", err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return "", errs.WrapError(errs.ErrIO, "failed to fsync destroy-records directory", err)
	}

	return path, nil
}

// PrintRecoverySurface writes the six-field recovery report (result,
// commit, snapshot_ref, snapshot_oid, artifact, recover_cmd) every
// destructive operation emits. Omitted by the caller entirely when
// the workspace was provably clean and no capture was taken.
func PrintRecoverySurface(w io.Writer, ws string, success bool, outcome Outcome, recoverCmd string) {
	result := "success"
	if !success {
		result = "failure"
	}
	commit := "no"
	if outcome.Captured {
		commit = "yes"
	}
	fmt.Fprintf(w, "RECOVERY_SURFACE for '%s':\n", ws)
	fmt.Fprintf(w, "  result:        %s\n", result)
	fmt.Fprintf(w, "  commit:        %s\n", commit)
	fmt.Fprintf(w, "  snapshot_ref:  %s\n", outcome.SnapshotRef)
	fmt.Fprintf(w, "  snapshot_oid:  %s\n", outcome.SnapshotOid)
	fmt.Fprintf(w, "  artifact:      %s\n", outcome.ArtifactPath)
	fmt.Fprintf(w, "  recover_cmd:   %s\n", recoverCmd)
}

// Ledger reads every destroy record written for a given workspace,
// oldest first, by scanning gitDir/manifold/destroy-records. Filenames
// embed a sortable UTC timestamp, so a lexicographic sort on the
// filename is enough.
func Ledger(gitDir string, ws string) ([]Record, error) {
	dir := filepath.Join(gitDir, "manifold", "destroy-records")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.WrapError(errs.ErrIO, "failed to list destroy-records directory", err).WithDetail("path", dir)
	}

	var names []string
	prefix := ws + "-"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		// The remainder after "<ws>-" must be exactly "<ts>.json", so a
		// longer workspace name that merely starts with "<ws>-" is skipped.
		if strings.HasPrefix(e.Name(), prefix) && len(e.Name()) == len(prefix)+len("20060102T150405.000Z.json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	records := make([]Record, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errs.WrapError(errs.ErrIO, "failed to read destroy record", err).WithDetail("path", name)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errs.WrapError(errs.ErrFatal, "failed to parse destroy record", err).WithDetail("path", name)
		}
		records = append(records, rec)
	}
	return records, nil
}

// LedgerEntry is the YAML-facing shape of a recovery ledger entry;
// Record's JSON tags stay snake_case for the on-disk artefact, this
// type just gives the export its own field order and yaml tags.
type LedgerEntry struct {
	Workspace   string    `yaml:"workspace"`
	Reason      Reason    `yaml:"reason"`
	Timestamp   time.Time `yaml:"timestamp"`
	RecoveryRef string    `yaml:"recovery_ref,omitempty"`
	CapturedOid string    `yaml:"captured_oid,omitempty"`
}

// WriteLedgerYAML renders a workspace's recovery ledger as human-
// readable YAML (`ws recover --format yaml`), the only consumer that
// needs the full history rather than a single snapshot lookup.
func WriteLedgerYAML(w io.Writer, ws string, records []Record) error {
	entries := make([]LedgerEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, LedgerEntry{
			Workspace:   r.Workspace,
			Reason:      r.Reason,
			Timestamp:   r.Timestamp,
			RecoveryRef: r.RecoveryRef,
			CapturedOid: r.CapturedOid,
		})
	}
	doc := struct {
		Workspace string        `yaml:"workspace"`
		Entries   []LedgerEntry `yaml:"entries"`
	}{Workspace: ws, Entries: entries}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(doc)
}
