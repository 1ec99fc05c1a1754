// Package workspace implements the per-workspace checkout backend
// (spec §4.2): create, destroy, list, status, snapshot, exists, and
// path, built the same way the teacher's internal/core.engine drives
// internal/git.repo — except here the abstract objstore.Store stands
// in for the teacher's git-CLI wrapper.
package workspace

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/refs"
)

// State classifies a workspace's relationship to the current epoch.
type State string

const (
	StateActive     State = "active"
	StateStale      State = "stale"
	StateDestroying State = "destroying"
)

// Workspace is the record described in spec §3: { id,
// created_from_epoch, state }.
type Workspace struct {
	ID               ids.WorkspaceId
	CreatedFromEpoch ids.EpochId
	State            State
	Path             string
}

// Status is the result of a status(ws) call.
type Status struct {
	IsStale   bool
	Dirty     []string
	Untracked []string
}

const workspacesDir = ".manifold/workspaces"

type stateBlob struct {
	State string `json:"state"`
}

// Backend implements the workspace lifecycle operations of spec §4.2.
type Backend struct {
	store objstore.Store
}

// NewBackend returns a Backend backed by the given object store.
func NewBackend(store objstore.Store) *Backend {
	return &Backend{store: store}
}

// Path returns the filesystem path a workspace is (or would be)
// checked out at. Workspaces are siblings under a fixed directory
// (.manifold/workspaces) inside the repository's working directory
// rather than user-configurable,
// since the merge engine only ever needs a stable, predictable path.
func (b *Backend) Path(ws ids.WorkspaceId) string {
	if ws.IsDefault() {
		// The mainline workspace is the repository's own checkout, not
		// a side worktree the backend creates.
		return b.store.Root()
	}
	return filepath.Join(b.store.Root(), workspacesDir, ws.String())
}

// Exists reports whether a workspace has a recorded creation epoch.
func (b *Backend) Exists(ws ids.WorkspaceId) (bool, error) {
	_, exists, err := b.store.ReadRef(refs.WorkspaceEpoch(ws))
	return exists, err
}

// Create checks out a new workspace at the given epoch and records its
// creation epoch and operation-log root.
func (b *Backend) Create(ws ids.WorkspaceId, epoch ids.EpochId) (Workspace, error) {
	exists, err := b.Exists(ws)
	if err != nil {
		return Workspace{}, err
	}
	if exists {
		return Workspace{}, errs.NewError(errs.ErrAlreadyExists, "workspace already exists").
			WithDetail("workspace", ws.String())
	}

	if _, err := b.store.ReadCommit(epoch); err != nil {
		return Workspace{}, errs.WrapError(errs.ErrInvalidInput, "invalid epoch", err).
			WithDetail("epoch", epoch.String())
	}

	path := b.Path(ws)
	if err := b.store.WorktreeAdd(path, epoch); err != nil {
		return Workspace{}, err
	}

	if _, err := b.store.WriteRefCAS(refs.WorkspaceEpoch(ws), ids.ZeroOID, epoch); err != nil {
		return Workspace{}, err
	}

	entry := opLogEntry{Type: "create", PayloadEpoch: epoch.String()}
	if err := appendOpLog(b.store, ws, entry); err != nil {
		return Workspace{}, err
	}

	return Workspace{ID: ws, CreatedFromEpoch: epoch, State: StateActive, Path: path}, nil
}

// Destroy removes a workspace's checkout and clears its creation-epoch
// ref. Callers MUST run the destructive gate (internal/destroy) before
// calling this — Destroy itself performs no safety check.
func (b *Backend) Destroy(ws ids.WorkspaceId, force bool) error {
	epoch, exists, err := b.store.ReadRef(refs.WorkspaceEpoch(ws))
	if err != nil {
		return err
	}
	if !exists {
		return errs.NewError(errs.ErrNotFound, "workspace not found").
			WithDetail("workspace", ws.String())
	}

	if err := b.store.WorktreeRemove(b.Path(ws), force); err != nil {
		return err
	}

	return b.store.DeleteRef(refs.WorkspaceEpoch(ws), epoch)
}

// List returns every workspace with a recorded creation epoch.
func (b *Backend) List() ([]Workspace, error) {
	entries, err := b.store.ListRefs("refs/manifold/epoch/")
	if err != nil {
		return nil, err
	}

	current, _, err := b.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return nil, err
	}

	var out []Workspace
	for _, e := range entries {
		name := e.Name.String()
		if name == refs.EpochCurrentName || name == refs.EpochReservationName {
			// Bookkeeping refs living in the same namespace, not
			// workspace creation-epoch refs.
			continue
		}
		wsName := strings.TrimPrefix(name, "refs/manifold/epoch/")
		ws, err := ids.NewWorkspaceId(wsName)
		if err != nil {
			continue
		}
		state, err := b.resolveState(ws, e.Oid, current)
		if err != nil {
			return nil, err
		}
		out = append(out, Workspace{
			ID:               ws,
			CreatedFromEpoch: e.Oid,
			State:            state,
			Path:             b.Path(ws),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) resolveState(ws ids.WorkspaceId, createdFrom, current ids.ObjectId) (State, error) {
	destroying, err := b.isDestroying(ws)
	if err != nil {
		return "", err
	}
	if destroying {
		return StateDestroying, nil
	}
	if createdFrom != current {
		return StateStale, nil
	}
	return StateActive, nil
}

func (b *Backend) isDestroying(ws ids.WorkspaceId) (bool, error) {
	oid, exists, err := b.store.ReadRef(refs.State(ws))
	if err != nil || !exists {
		return false, err
	}
	data, err := b.store.ReadBlob(oid)
	if err != nil {
		return false, err
	}
	var blob stateBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return false, nil
	}
	return blob.State == string(StateDestroying), nil
}

// MarkDestroying records that a workspace has entered the destroying
// phase, so concurrent List/status calls surface it honestly while
// the destructive gate runs.
func (b *Backend) MarkDestroying(ws ids.WorkspaceId) error {
	data, err := json.Marshal(stateBlob{State: string(StateDestroying)})
	if err != nil {
		return err
	}
	oid, err := b.store.WriteBlob(data)
	if err != nil {
		return err
	}
	existing, exists, err := b.store.ReadRef(refs.State(ws))
	if err != nil {
		return err
	}
	expected := ids.ZeroOID
	if exists {
		expected = existing
	}
	_, err = b.store.WriteRefCAS(refs.State(ws), expected, oid)
	return err
}

// ClearDestroying removes the destroying-phase marker, used when a
// destroy attempt is aborted (e.g. the gate refused it).
func (b *Backend) ClearDestroying(ws ids.WorkspaceId) error {
	existing, exists, err := b.store.ReadRef(refs.State(ws))
	if err != nil || !exists {
		return err
	}
	return b.store.DeleteRef(refs.State(ws), existing)
}

// Status reports a workspace's staleness and its dirty/untracked
// files.
func (b *Backend) Status(ws ids.WorkspaceId) (Status, error) {
	epoch, exists, err := b.store.ReadRef(refs.WorkspaceEpoch(ws))
	if err != nil {
		return Status{}, err
	}
	if !exists {
		return Status{}, errs.NewError(errs.ErrNotFound, "workspace not found").
			WithDetail("workspace", ws.String())
	}

	current, _, err := b.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return Status{}, err
	}

	entries, err := b.store.Status(b.Path(ws))
	if err != nil {
		return Status{}, err
	}

	status := Status{IsStale: epoch != current}
	for _, e := range entries {
		switch e.Status {
		case objstore.StatusUntracked:
			status.Untracked = append(status.Untracked, e.Path)
		default:
			status.Dirty = append(status.Dirty, e.Path)
		}
	}
	sort.Strings(status.Dirty)
	sort.Strings(status.Untracked)
	return status, nil
}

// Snapshot produces a commit capturing the workspace's exact current
// content — staged, unstaged, and untracked — without writing any
// ref. It is the raw primitive the capture engine (internal/capture)
// builds its recovery-ref bookkeeping on top of.
//
// A clean workspace (no pending changes) has nothing to snapshot
// beyond its creation epoch, so Snapshot returns that epoch directly;
// its tree already equals the workspace's tree bit-for-bit.
func (b *Backend) Snapshot(ws ids.WorkspaceId) (ids.ObjectId, error) {
	epoch, exists, err := b.store.ReadRef(refs.WorkspaceEpoch(ws))
	if err != nil {
		return ids.ObjectId{}, err
	}
	if !exists {
		return ids.ObjectId{}, errs.NewError(errs.ErrNotFound, "workspace not found").
			WithDetail("workspace", ws.String())
	}

	oid, captured, err := b.store.StashCapture(b.Path(ws))
	if err != nil {
		return ids.ObjectId{}, errs.WrapError(errs.ErrCaptureFailed, "failed to snapshot workspace", err).
			WithDetail("workspace", ws.String())
	}
	if !captured {
		return epoch, nil
	}
	return oid, nil
}

// IsClean reports whether a workspace's checkout still sits on its
// creation epoch commit (so its tree equals that epoch's tree) with
// zero untracked and zero modified files — the clean-proof half of the
// destructive gate (spec §4.9(b)).
func (b *Backend) IsClean(ws ids.WorkspaceId) (bool, error) {
	status, err := b.Status(ws)
	if err != nil {
		return false, err
	}
	if len(status.Dirty) != 0 || len(status.Untracked) != 0 {
		return false, nil
	}
	epoch, _, err := b.store.ReadRef(refs.WorkspaceEpoch(ws))
	if err != nil {
		return false, err
	}
	worktrees, err := b.store.WorktreeList()
	if err != nil {
		return false, err
	}
	for _, wt := range worktrees {
		if wt.Path == b.Path(ws) {
			return wt.Head == epoch, nil
		}
	}
	return false, nil
}
