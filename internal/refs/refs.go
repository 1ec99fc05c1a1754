// Package refs computes the fixed reference namespace layout manifold
// uses on top of the object store: the mainline branch, the current
// epoch, per-workspace operation-log heads and state blobs, and pinned
// recovery snapshots.
package refs

import (
	"fmt"

	"github.com/manifold-vcs/manifold/internal/ids"
)

// Branch is the mainline branch ref, e.g. refs/heads/main.
func Branch(name string) ids.RefName {
	return ids.MustRefName("refs/heads/" + name)
}

// EpochCurrent is the ref naming the latest merge-completed commit.
const EpochCurrentName = "refs/manifold/epoch/current"

// EpochCurrent returns the epoch/current ref.
func EpochCurrent() ids.RefName {
	return ids.MustRefName(EpochCurrentName)
}

// EpochReservation is the reservation ref used to gate the two-ref CAS
// in COMMIT when the backend has no native multi-ref transaction.
// Readers MUST ignore this ref.
const EpochReservationName = "refs/manifold/epoch/next"

// EpochReservation returns the epoch/next reservation ref.
func EpochReservation() ids.RefName {
	return ids.MustRefName(EpochReservationName)
}

// Head returns head/<ws>, the operation-log head for a workspace.
func Head(ws ids.WorkspaceId) ids.RefName {
	return ids.MustRefName(fmt.Sprintf("refs/manifold/head/%s", ws))
}

// WorkspaceEpoch returns epoch/<ws>, the epoch a workspace was forked
// from.
func WorkspaceEpoch(ws ids.WorkspaceId) ids.RefName {
	return ids.MustRefName(fmt.Sprintf("refs/manifold/epoch/%s", ws))
}

// State returns state/<ws>, the workspace state blob ref.
func State(ws ids.WorkspaceId) ids.RefName {
	return ids.MustRefName(fmt.Sprintf("refs/manifold/state/%s", ws))
}

// Recovery returns recovery/<ws>/<ts>-<kind>, a pinned capture snapshot.
func Recovery(ws ids.WorkspaceId, timestamp, kind string) ids.RefName {
	return ids.MustRefName(fmt.Sprintf("refs/manifold/recovery/%s/%s-%s", ws, timestamp, kind))
}

// RecoveryPrefix returns the ref prefix under which all recovery refs
// for a workspace live, suitable for list_refs(prefix).
func RecoveryPrefix(ws ids.WorkspaceId) string {
	return fmt.Sprintf("refs/manifold/recovery/%s/", ws)
}
