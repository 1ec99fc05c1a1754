// Package replay implements the three-way reapply logic shared by the
// merge engine's post-COMMIT replay step and workspace sync. Both
// reduce to the same three steps: capture
// whatever is dirty, move the checkout onto a new epoch, and reapply
// the capture on top — so there is exactly one implementation of that
// sequence.
package replay

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/refs"
	"github.com/manifold-vcs/manifold/internal/workspace"
)

// Result describes what replay actually did.
type Result struct {
	Captured   bool
	CaptureRef ids.RefName
	CaptureOid ids.ObjectId
	Outcome    objstore.StashOutcome
	Conflicts  []string
}

var seq uint64

// nextTimestamp mirrors the capture engine's collision-avoidance
// scheme: a millisecond timestamp plus a monotonically increasing
// in-process counter.
func nextTimestamp() string {
	n := atomic.AddUint64(&seq, 1)
	return fmt.Sprintf("%s-%04d", time.Now().UTC().Format("20060102T150405.000Z"), n%10000)
}

// Apply snapshots the workspace's current dirty state (if any), moves
// its checkout onto newEpoch, and reapplies the snapshot three-way
// style via the object store's native stash-apply. It never returns
// an error for a textual conflict — conflicts are reported in the
// Result instead, since the caller (replay after COMMIT, or sync) must
// treat the epoch/ref advance as already final regardless of how the
// working tree reconciliation turns out.
func Apply(store objstore.Store, backend *workspace.Backend, ws ids.WorkspaceId, newEpoch ids.EpochId, reason string) (Result, error) {
	path := backend.Path(ws)

	// StashCapture must fully snapshot the dirty tree — staged,
	// unstaged, AND untracked — before the line below ever force-removes
	// the worktree. The capture ref is pinned first too, so even a crash
	// or failure between here and WorktreeAdd below leaves the dirty
	// state recoverable from the ref rather than only from the
	// now-gone worktree. Neither guarantee holds if the capture itself
	// silently drops untracked files.
	stashOid, hadChanges, err := store.StashCapture(path)
	if err != nil {
		return Result{}, err
	}

	result := Result{}
	if hadChanges {
		ts := nextTimestamp()
		captureRef := refs.Recovery(ws, ts, reason)
		if _, err := store.WriteRefCAS(captureRef, ids.ZeroOID, stashOid); err != nil {
			return Result{}, err
		}
		result.Captured = true
		result.CaptureRef = captureRef
		result.CaptureOid = stashOid
	}

	// Safe to force-remove now: anything that was dirty is either
	// durably pinned under result.CaptureRef above, or the worktree was
	// already clean.
	if err := store.WorktreeRemove(path, true); err != nil {
		return result, err
	}
	if err := store.WorktreeAdd(path, newEpoch); err != nil {
		return result, err
	}

	if _, err := store.WriteRefCAS(refs.WorkspaceEpoch(ws), mustCurrent(store, ws), newEpoch); err != nil {
		return result, err
	}

	if !hadChanges {
		return result, nil
	}

	applyResult, err := store.StashApply(path, stashOid)
	if err != nil {
		return result, err
	}
	result.Outcome = applyResult.Outcome
	result.Conflicts = applyResult.Conflicts
	return result, nil
}

func mustCurrent(store objstore.Store, ws ids.WorkspaceId) ids.ObjectId {
	oid, exists, err := store.ReadRef(refs.WorkspaceEpoch(ws))
	if err != nil || !exists {
		return ids.ZeroOID
	}
	return oid
}
