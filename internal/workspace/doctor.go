package workspace

import (
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/refs"
)

// DoctorReport is the result of cross-checking workspace metadata
// (creation-epoch refs) against the object store's own worktree
// registry (spec §4.14).
type DoctorReport struct {
	// MissingWorktrees have a creation-epoch ref but no registered
	// checkout on disk — the directory was removed outside manifold.
	MissingWorktrees []ids.WorkspaceId
	// OrphanedWorktrees are registered checkouts with no matching
	// creation-epoch ref — left behind by an interrupted create/destroy.
	OrphanedWorktrees []string
}

// Clean reports whether the doctor found nothing to repair.
func (r DoctorReport) Clean() bool {
	return len(r.MissingWorktrees) == 0 && len(r.OrphanedWorktrees) == 0
}

// Doctor cross-checks every workspace's creation-epoch ref against the
// store's worktree registry, the same consistency check the teacher's
// internal/core ran between its metadata file and `git worktree list`.
func (b *Backend) Doctor() (DoctorReport, error) {
	workspaces, err := b.List()
	if err != nil {
		return DoctorReport{}, err
	}
	worktrees, err := b.store.WorktreeList()
	if err != nil {
		return DoctorReport{}, err
	}

	registered := make(map[string]bool, len(worktrees))
	for _, wt := range worktrees {
		registered[wt.Path] = true
	}

	knownPaths := make(map[string]bool, len(workspaces))
	var report DoctorReport
	for _, ws := range workspaces {
		if ws.ID.IsDefault() {
			continue
		}
		knownPaths[ws.Path] = true
		if !registered[ws.Path] {
			report.MissingWorktrees = append(report.MissingWorktrees, ws.ID)
		}
	}
	for _, wt := range worktrees {
		if wt.Path == b.store.Root() {
			continue
		}
		if !knownPaths[wt.Path] {
			report.OrphanedWorktrees = append(report.OrphanedWorktrees, wt.Path)
		}
	}
	return report, nil
}

// ForgetMissing deletes the creation-epoch ref (and any destroying-phase
// marker) for every workspace DoctorReport flagged as missing its
// checkout, so List/Status stop reporting a workspace that no longer
// has a directory to check. It never touches the filesystem — there is
// nothing there to remove.
func (b *Backend) ForgetMissing(report DoctorReport) error {
	for _, ws := range report.MissingWorktrees {
		epoch, exists, err := b.store.ReadRef(refs.WorkspaceEpoch(ws))
		if err != nil {
			return err
		}
		if exists {
			if err := b.store.DeleteRef(refs.WorkspaceEpoch(ws), epoch); err != nil {
				return err
			}
		}
		if err := b.ClearDestroying(ws); err != nil {
			return err
		}
	}
	return nil
}
