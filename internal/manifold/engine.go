// Package manifold implements the merge/epoch engine: the phase
// orchestrator that drives PREPARE, COMMIT, and CLEANUP, and the
// other epoch-advancing operations (create, sync, remove) that share
// its ref-CAS discipline. This is the core of the whole system.
package manifold

import (
	"fmt"
	"sort"
	"time"

	"github.com/manifold-vcs/manifold/internal/build"
	"github.com/manifold-vcs/manifold/internal/capture"
	"github.com/manifold-vcs/manifold/internal/config"
	"github.com/manifold-vcs/manifold/internal/destroy"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/lock"
	"github.com/manifold-vcs/manifold/internal/mergestate"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/partition"
	"github.com/manifold-vcs/manifold/internal/patchset"
	"github.com/manifold-vcs/manifold/internal/plan"
	"github.com/manifold-vcs/manifold/internal/refs"
	"github.com/manifold-vcs/manifold/internal/replay"
	"github.com/manifold-vcs/manifold/internal/workspace"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine drives workspace lifecycle and merge operations, generalized
// from the teacher's core.WorkspaceManager interface to epoch/merge
// semantics.
type Engine struct {
	store     objstore.Store
	backend   *workspace.Backend
	capEngine *capture.Engine
	state     *mergestate.File
	lockMgr   lock.Manager
	config    *config.Config
	log       zerolog.Logger
}

// New returns an Engine over the given store and configuration. The
// logger is used as given; callers that want no log output pass
// zerolog.Nop(), as openEngine does under --quiet.
func New(store objstore.Store, cfg *config.Config, logger zerolog.Logger) *Engine {
	backend := workspace.NewBackend(store)
	return &Engine{
		store:     store,
		backend:   backend,
		capEngine: capture.NewEngine(store, backend),
		state:     mergestate.New(store.GitDir()),
		lockMgr:   lock.NewManager(),
		config:    cfg,
		log:       logger,
	}
}

// Backend exposes the underlying workspace backend for CLI commands
// that only need read-only lifecycle queries (list/status/diff).
func (e *Engine) Backend() *workspace.Backend { return e.backend }

// Capture exposes the capture engine for CLI commands that trigger a
// standalone snapshot outside of merge/destroy.
func (e *Engine) Capture() *capture.Engine { return e.capEngine }

// Store exposes the underlying object store for CLI commands that need
// to read recovery refs or snapshot content directly (ws recover).
func (e *Engine) Store() objstore.Store { return e.store }

// Config exposes the loaded configuration for CLI commands that need
// repository-level settings (mainline branch name, GC retention).
func (e *Engine) Config() *config.Config { return e.config }

func (e *Engine) lockPath() string {
	return e.state.Path() + ".lock"
}

// lockTimeout bounds how long Merge waits to acquire the merge lock
// before giving up. It is a fixed constant, unrelated to
// merge.capture_timeout, which the engine does not read.
const lockTimeout = 30 * time.Second

// MergeOptions controls one merge run.
type MergeOptions struct {
	Destroy bool
	Check   bool
	Policy  config.MergePolicy
}

// MergeResult is what a completed (or previewed) merge produced.
type MergeResult struct {
	NewEpoch     ids.EpochId
	CandidateOid ids.ObjectId
	Plan         plan.MergePlan
	NoOp         bool
	Replay       replay.Result
	Destroyed    []ids.WorkspaceId
}

// Create forks a new workspace from the current epoch (or an explicit
// ref, when fromRef is non-empty).
func (e *Engine) Create(ws ids.WorkspaceId, fromRef string) (workspace.Workspace, error) {
	epoch, err := e.resolveEpoch(fromRef)
	if err != nil {
		return workspace.Workspace{}, err
	}
	return e.backend.Create(ws, epoch)
}

func (e *Engine) resolveEpoch(ref string) (ids.EpochId, error) {
	if ref == "" {
		oid, exists, err := e.store.ReadRef(refs.EpochCurrent())
		if err != nil {
			return ids.ObjectId{}, err
		}
		if !exists {
			return ids.ObjectId{}, errs.NewError(errs.ErrNotFound, "no current epoch recorded")
		}
		return oid, nil
	}
	name, err := ids.NewRefName(ref)
	if err != nil {
		// Accept a bare oid too, the same leniency the teacher's
		// selector allows for partial refs.
		return ids.ParseObjectId(ref)
	}
	oid, exists, err := e.store.ReadRef(name)
	if err != nil {
		return ids.ObjectId{}, err
	}
	if !exists {
		return ids.ObjectId{}, errs.NewError(errs.ErrNotFound, "ref not found").WithDetail("ref", ref)
	}
	return oid, nil
}

// Remove destroys a workspace through the destructive gate.
func (e *Engine) Remove(ws ids.WorkspaceId, force bool) (destroy.Outcome, error) {
	return destroy.Perform(e.store.GitDir(), e.backend, e.capEngine, ws, destroy.ReasonUser, force)
}

// Sync reconciles a single stale workspace onto the current epoch
// without a full merge, reusing the replay machinery.
func (e *Engine) Sync(ws ids.WorkspaceId) (replay.Result, error) {
	current, exists, err := e.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return replay.Result{}, err
	}
	if !exists {
		return replay.Result{}, errs.NewError(errs.ErrNotFound, "no current epoch recorded")
	}
	if err := workspace.AppendOpLog(e.store, ws, workspace.OpLogSync, ""); err != nil {
		return replay.Result{}, err
	}
	return replay.Apply(e.store, e.backend, ws, current, "sync")
}

// Recover starts up the engine, inspecting any leftover merge-state
// file and resuming crash recovery. It must be called before Merge is
// ever invoked in a fresh process.
func (e *Engine) Recover() error {
	state, exists, err := e.state.Load()
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	e.log.Warn().Str("phase", string(state.Phase)).Str("run_id", state.RunID).Msg("resuming interrupted merge")

	switch state.Phase {
	case mergestate.PhasePrepare:
		// Captures are the safety net; only the lock file is transient.
		return e.state.Delete()

	case mergestate.PhaseCommit:
		return e.recoverCommit(state)

	case mergestate.PhaseCleanup:
		if _, err := e.cleanup(state); err != nil {
			return err
		}
		return e.state.Delete()
	}

	return errs.NewError(errs.ErrFatal, "unknown merge-state phase").WithDetail("phase", string(state.Phase))
}

func (e *Engine) recoverCommit(state *mergestate.State) error {
	oldEpoch, err := ids.ParseObjectId(state.OldEpoch)
	if err != nil {
		return errs.WrapError(errs.ErrFatal, "corrupt merge-state old_epoch", err)
	}
	candidate, err := ids.ParseObjectId(state.CandidateOid)
	if err != nil {
		return errs.WrapError(errs.ErrFatal, "corrupt merge-state candidate_oid", err)
	}

	branchRef := refs.Branch(e.config.Repo.Branch)
	epochOid, _, err := e.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return err
	}
	branchOid, _, err := e.store.ReadRef(branchRef)
	if err != nil {
		return err
	}

	switch {
	case epochOid == candidate && branchOid == candidate:
		// Commit succeeded; fall through to CLEANUP.
	case epochOid == oldEpoch && branchOid == oldEpoch:
		return e.state.Delete()
	default:
		if epochOid == oldEpoch {
			if _, err := e.store.WriteRefCAS(refs.EpochCurrent(), oldEpoch, candidate); err != nil {
				return err
			}
		}
		if branchOid == oldEpoch {
			if _, err := e.store.WriteRefCAS(branchRef, oldEpoch, candidate); err != nil {
				return err
			}
		}
	}

	state.Phase = mergestate.PhaseCleanup
	state.NewEpoch = candidate.String()
	if err := e.state.Save(state); err != nil {
		return err
	}

	if _, err := e.cleanup(state); err != nil {
		return err
	}
	return e.state.Delete()
}

// Merge runs the full PREPARE → COMMIT → CLEANUP sequence for the
// given input workspaces.
func (e *Engine) Merge(inputs []ids.WorkspaceId, opts MergeOptions) (*MergeResult, error) {
	if len(inputs) == 0 {
		return nil, errs.NewError(errs.ErrInvalidInput, "merge requires at least one workspace")
	}

	l, err := e.lockMgr.NewLock(e.lockPath())
	if err != nil {
		return nil, err
	}

	for {
		result, retry, err := e.attemptMerge(l, inputs, opts)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return result, nil
	}
}

// attemptMerge runs one PREPARE→COMMIT cycle. retry is true on a
// CAS mismatch, meaning PREPARE must be re-run from scratch against
// the new epoch.
func (e *Engine) attemptMerge(l lock.Lock, inputs []ids.WorkspaceId, opts MergeOptions) (*MergeResult, bool, error) {
	if err := l.Acquire(lockTimeout); err != nil {
		return nil, false, err
	}
	defer l.Release()

	oldEpoch, exists, err := e.store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, errs.NewError(errs.ErrNotFound, "no current epoch recorded")
	}

	state, err := e.state.Create(inputs, oldEpoch)
	if err != nil {
		return nil, false, err
	}

	mergePlan, candidate, captureRefs, noOp, err := e.prepare(inputs, oldEpoch, opts)
	if err != nil {
		_ = e.state.Delete()
		return nil, false, err
	}

	if opts.Check {
		_ = e.state.Delete()
		return &MergeResult{NewEpoch: oldEpoch, CandidateOid: candidate, Plan: mergePlan, NoOp: noOp}, false, nil
	}

	if mergePlan.HasConflicts() {
		_ = e.state.Delete()
		return nil, false, errs.NewError(errs.ErrMergeConflict, "merge plan contains unresolved conflicts").
			WithDetail("conflicts", len(mergePlan.Conflicts))
	}

	if noOp {
		if err := e.state.Delete(); err != nil {
			return nil, false, err
		}
		return &MergeResult{NewEpoch: oldEpoch, CandidateOid: oldEpoch, Plan: mergePlan, NoOp: true}, false, nil
	}

	state.Phase = mergestate.PhaseCommit
	state.CandidateOid = candidate.String()
	state.CaptureRefs = captureRefs
	state.Destroy = opts.Destroy
	if err := e.state.Save(state); err != nil {
		return nil, false, err
	}

	retry, err := e.commit(oldEpoch, candidate)
	if err != nil {
		return nil, false, err
	}
	if retry {
		if err := e.state.Delete(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	state.Phase = mergestate.PhaseCleanup
	state.NewEpoch = candidate.String()
	if err := e.state.Save(state); err != nil {
		return nil, false, err
	}

	result, err := e.cleanup(state)
	if err != nil {
		return nil, false, err
	}
	if err := e.state.Delete(); err != nil {
		return nil, false, err
	}

	result.CandidateOid = candidate
	result.NewEpoch = candidate
	result.Plan = mergePlan
	return result, false, nil
}

// prepare runs the capture → collect → partition → plan → build
// sequence of PREPARE, fanning out capture and collection within this
// phase and joining before returning.
func (e *Engine) prepare(inputs []ids.WorkspaceId, oldEpoch ids.EpochId, opts MergeOptions) (plan.MergePlan, ids.ObjectId, []string, bool, error) {
	// Boundary case: a single workspace whose tree already
	// equals its creation epoch is a pure no-op — no ref writes, and
	// critically no captures, so this short-circuits before CaptureAll
	// runs.
	if len(inputs) == 1 {
		clean, err := e.backend.IsClean(inputs[0])
		if err != nil {
			return plan.MergePlan{}, ids.ObjectId{}, nil, false, err
		}
		if clean {
			return plan.MergePlan{}, oldEpoch, nil, true, nil
		}
	}

	captures, err := e.capEngine.CaptureAll(inputs, "merge")
	if err != nil {
		return plan.MergePlan{}, ids.ObjectId{}, nil, false, err
	}

	captureRefs := make([]string, len(captures))
	for i, c := range captures {
		captureRefs[i] = c.Ref.String()
	}

	patchSets, err := e.collectAll(inputs, captures)
	if err != nil {
		return plan.MergePlan{}, ids.ObjectId{}, captureRefs, false, err
	}

	if len(inputs) == 1 && len(patchSets[0].Changes) == 0 {
		return plan.MergePlan{}, oldEpoch, captureRefs, true, nil
	}

	buckets := partition.Partition(patchSets)
	if opts.Policy == config.MergePolicyOursWins {
		buckets = resolveOursWins(buckets)
	}
	mergePlan := plan.Build(buckets)

	if len(mergePlan.ApplyOrder) == 0 && len(mergePlan.Conflicts) == 0 {
		return mergePlan, oldEpoch, captureRefs, true, nil
	}

	e.log.Info().Str("phase", "prepare").Int("entries", len(mergePlan.ApplyOrder)).Msg("built merge plan")

	candidate, err := build.Build(e.store, oldEpoch, mergePlan.ApplyOrder, mergeMessage(inputs))
	if err != nil {
		return mergePlan, ids.ObjectId{}, captureRefs, false, err
	}

	return mergePlan, candidate, captureRefs, false, nil
}

// resolveOursWins collapses every Conflict bucket down to its
// lexicographically-first contributing workspace, so the planner sees
// an ordinary single-contributor change instead of a conflict. This is
// the merge.default_policy == "ours-wins" fallback: deterministic,
// since bucket contributors are already sorted by workspace id.
func resolveOursWins(buckets []partition.Bucket) []partition.Bucket {
	resolved := make([]partition.Bucket, len(buckets))
	for i, b := range buckets {
		if b.Classification != partition.Conflict {
			resolved[i] = b
			continue
		}
		resolved[i] = partition.Bucket{
			Path:           b.Path,
			Contributors:   b.Contributors[:1],
			Classification: partition.Clean,
		}
	}
	return resolved
}

func mergeMessage(inputs []ids.WorkspaceId) string {
	names := make([]string, len(inputs))
	for i, ws := range inputs {
		names[i] = ws.String()
	}
	sort.Strings(names)
	return fmt.Sprintf("merge: %v", names)
}

func (e *Engine) collectAll(inputs []ids.WorkspaceId, captures []capture.Result) ([]patchset.PatchSet, error) {
	byWorkspace := make(map[ids.WorkspaceId]capture.Result, len(captures))
	for _, c := range captures {
		byWorkspace[c.Workspace] = c
	}

	patchSets := make([]patchset.PatchSet, len(inputs))
	var g errgroup.Group
	for i, ws := range inputs {
		i, ws := i, ws
		g.Go(func() error {
			epoch, exists, err := e.store.ReadRef(refs.WorkspaceEpoch(ws))
			if err != nil {
				return err
			}
			if !exists {
				return errs.NewError(errs.ErrNotFound, "workspace not found").WithDetail("workspace", ws.String())
			}
			ps, err := patchset.Collect(e.store, ws, epoch, byWorkspace[ws].Oid)
			if err != nil {
				return err
			}
			patchSets[i] = ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return patchSets, nil
}

// commit performs the single atomic COMMIT step: advance epoch/current
// and branch with CAS, gated by a reservation ref so the
// two-ref advance is equivalent to a single atomic transaction even
// though the object store only offers single-ref CAS natively.
func (e *Engine) commit(oldEpoch, candidate ids.ObjectId) (retry bool, err error) {
	reservation := refs.EpochReservation()
	if _, err := e.store.WriteRefCAS(reservation, ids.ZeroOID, candidate); err != nil {
		return false, err
	}

	epochResult, err := e.store.WriteRefCAS(refs.EpochCurrent(), oldEpoch, candidate)
	if err != nil {
		_ = e.store.DeleteRef(reservation, candidate)
		return false, err
	}
	if epochResult != objstore.CASUpdated {
		_ = e.store.DeleteRef(reservation, candidate)
		return true, nil
	}

	branchRef := refs.Branch(e.config.Repo.Branch)
	branchResult, err := e.store.WriteRefCAS(branchRef, oldEpoch, candidate)
	if err != nil {
		return false, err
	}
	if branchResult != objstore.CASUpdated {
		// epoch/current already landed; this is the mixed state §4.7
		// recovery handles. Advance the lagging branch from whatever its
		// observed value actually is rather than reporting a retry, since
		// the commit as a whole has already taken effect.
		current, _, err := e.store.ReadRef(branchRef)
		if err != nil {
			return false, err
		}
		if current != candidate {
			if _, err := e.store.WriteRefCAS(branchRef, current, candidate); err != nil {
				return false, err
			}
		}
	}

	_ = e.store.DeleteRef(reservation, candidate)
	return false, nil
}

// cleanup runs the CLEANUP steps: replay mainline edits, run the
// destructive gate for inputs if requested, append op-log
// entries. Every step is independently idempotent so a crash mid-
// cleanup can simply be re-run.
func (e *Engine) cleanup(state *mergestate.State) (*MergeResult, error) {
	result := &MergeResult{}

	newEpoch, err := ids.ParseObjectId(state.NewEpoch)
	if err != nil {
		return nil, errs.WrapError(errs.ErrFatal, "corrupt merge-state new_epoch", err)
	}

	defaultWs, err := ids.NewWorkspaceId("default")
	if err != nil {
		return nil, err
	}
	exists, err := e.backend.Exists(defaultWs)
	if err != nil {
		return nil, err
	}
	if exists {
		replayResult, err := replay.Apply(e.store, e.backend, defaultWs, newEpoch, "replay")
		if err != nil {
			e.log.Error().Err(err).Msg("replay failed; merge remains committed")
		} else {
			result.Replay = replayResult
			if len(replayResult.Conflicts) > 0 {
				e.log.Warn().Strs("conflicts", replayResult.Conflicts).Msg("replay left conflict markers")
			}
		}
	}

	var inputs []ids.WorkspaceId
	for _, name := range state.Inputs {
		ws, err := ids.NewWorkspaceId(name)
		if err != nil {
			continue
		}
		inputs = append(inputs, ws)
	}

	if state.Destroy {
		for _, ws := range inputs {
			outcome, err := destroy.Perform(e.store.GitDir(), e.backend, e.capEngine, ws, destroy.ReasonMergeDestroy, false)
			if err != nil {
				e.log.Error().Err(err).Str("workspace", ws.String()).Msg("post-merge destroy failed")
				continue
			}
			_ = outcome
			result.Destroyed = append(result.Destroyed, ws)
		}
	}

	if exists {
		if err := workspace.AppendOpLog(e.store, defaultWs, workspace.OpLogMergeTarget, newEpoch.String()); err != nil {
			e.log.Error().Err(err).Msg("failed to append merge_target op-log entry")
		}
	}
	for _, ws := range inputs {
		if err := workspace.AppendOpLog(e.store, ws, workspace.OpLogMergeSource, newEpoch.String()); err != nil {
			e.log.Error().Err(err).Str("workspace", ws.String()).Msg("failed to append merge_source op-log entry")
		}
	}

	return result, nil
}
