// Package capture implements the capture engine: turning a workspace's
// current tree into a commit pinned under a recovery ref,
// the safety net every destructive operation depends on.
package capture

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/refs"
	"github.com/manifold-vcs/manifold/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of capturing one workspace.
type Result struct {
	Workspace ids.WorkspaceId
	Oid       ids.ObjectId
	Ref       ids.RefName
}

// Engine captures workspace state into recovery refs.
type Engine struct {
	store   objstore.Store
	backend *workspace.Backend
	seq     uint64
}

// Store returns the underlying object store, so callers that already
// hold a capture Engine don't need to thread a second reference to it
// through for unrelated bookkeeping (e.g. op-log appends).
func (e *Engine) Store() objstore.Store {
	return e.store
}

// NewEngine returns a capture Engine over the given store, sharing the
// workspace backend's path/epoch bookkeeping.
func NewEngine(store objstore.Store, backend *workspace.Backend) *Engine {
	return &Engine{store: store, backend: backend}
}

// Capture snapshots a single workspace and writes a recovery ref under
// recovery/<ws>/<ts>-<reason>. The timestamp carries a millisecond
// component plus a monotonically increasing in-process counter, so
// that rapid successive captures for the same workspace — or a system
// clock that jumps backward — never collide.
func (e *Engine) Capture(ws ids.WorkspaceId, reason string) (Result, error) {
	oid, err := e.backend.Snapshot(ws)
	if err != nil {
		return Result{}, errs.WrapError(errs.ErrCaptureFailed, "capture failed", err).
			WithDetail("workspace", ws.String()).
			WithDetail("reason", reason)
	}

	ts := e.timestamp()
	refName := refs.Recovery(ws, ts, reason)

	if _, err := e.store.WriteRefCAS(refName, ids.ZeroOID, oid); err != nil {
		return Result{}, errs.WrapError(errs.ErrCaptureFailed, "failed to pin recovery ref", err).
			WithDetail("workspace", ws.String()).
			WithDetail("ref", refName.String())
	}

	return Result{Workspace: ws, Oid: oid, Ref: refName}, nil
}

func (e *Engine) timestamp() string {
	n := atomic.AddUint64(&e.seq, 1)
	return fmt.Sprintf("%s-%04d", time.Now().UTC().Format("20060102T150405.000Z"), n%10000)
}

// CaptureAll captures every listed workspace concurrently, joining
// before returning — the fan-out-within-a-phase pattern the merge
// engine relies on. If any capture fails, the other captures still run
// to completion and the first error is returned; callers that depend on
// capture as a safety gate (PREPARE, the destructive gate) must treat
// that as fatal and proceed no further.
func (e *Engine) CaptureAll(workspaces []ids.WorkspaceId, reason string) ([]Result, error) {
	results := make([]Result, len(workspaces))
	var mu sync.Mutex
	var g errgroup.Group

	for i, ws := range workspaces {
		i, ws := i, ws
		g.Go(func() error {
			r, err := e.Capture(ws, reason)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Workspace < results[j].Workspace })
	return results, nil
}
