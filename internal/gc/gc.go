// Package gc implements the recovery-ref sweep: prune recovery/* refs
// once they age past the configured retention window, unless an
// in-progress merge still names them as one of its capture refs.
package gc

import (
	"strings"
	"time"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/mergestate"
	"github.com/manifold-vcs/manifold/internal/objstore"
)

// Pruned describes one recovery ref that was deleted.
type Pruned struct {
	Ref string
	Oid string
	Age time.Duration
}

// Sweep lists every recovery/* ref, deletes the ones older than
// retention that aren't referenced by an in-progress merge, and
// returns what it pruned. Age is derived from the ref's own name
// (recovery refs embed a UTC timestamp) rather than filesystem mtimes,
// since the ref's name is the durable source of truth across backends.
func Sweep(store objstore.Store, state *mergestate.File, retention time.Duration, now time.Time) ([]Pruned, error) {
	candidates, err := expired(store, state, retention, now)
	if err != nil {
		return nil, err
	}

	var pruned []Pruned
	for _, c := range candidates {
		if err := store.DeleteRef(c.entry.Name, c.entry.Oid); err != nil {
			if code, ok := errs.CodeOf(err); ok && code == errs.ErrRefConflict {
				// Ref moved since List; leave it for the next sweep
				// rather than racing a concurrent writer.
				continue
			}
			return pruned, err
		}
		pruned = append(pruned, Pruned{Ref: c.entry.Name.String(), Oid: c.entry.Oid.String(), Age: c.age})
	}

	return pruned, nil
}

// Plan reports what Sweep would prune without deleting anything
// (`manifold gc --dry-run`).
func Plan(store objstore.Store, state *mergestate.File, retention time.Duration, now time.Time) ([]Pruned, error) {
	candidates, err := expired(store, state, retention, now)
	if err != nil {
		return nil, err
	}
	planned := make([]Pruned, 0, len(candidates))
	for _, c := range candidates {
		planned = append(planned, Pruned{Ref: c.entry.Name.String(), Oid: c.entry.Oid.String(), Age: c.age})
	}
	return planned, nil
}

type candidate struct {
	entry objstore.RefEntry
	age   time.Duration
}

func expired(store objstore.Store, state *mergestate.File, retention time.Duration, now time.Time) ([]candidate, error) {
	entries, err := store.ListRefs("refs/manifold/recovery/")
	if err != nil {
		return nil, err
	}

	reserved, err := reservedRefs(state)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, e := range entries {
		name := e.Name.String()
		if reserved[name] {
			continue
		}
		ts, ok := parseRecoveryTimestamp(name)
		if !ok {
			continue
		}
		age := now.Sub(ts)
		if age < retention {
			continue
		}
		out = append(out, candidate{entry: e, age: age})
	}
	return out, nil
}

// reservedRefs returns the set of recovery refs an in-progress merge
// has pinned as one of its capture inputs; those must survive a sweep
// regardless of age, since COMMIT or CLEANUP may still need to replay
// from them after a crash.
func reservedRefs(state *mergestate.File) (map[string]bool, error) {
	reserved := map[string]bool{}
	if state == nil {
		return reserved, nil
	}
	current, exists, err := state.Load()
	if err != nil {
		return nil, err
	}
	if !exists {
		return reserved, nil
	}
	for _, ref := range current.CaptureRefs {
		reserved[ref] = true
	}
	return reserved, nil
}

// parseRecoveryTimestamp extracts the UTC timestamp embedded in a
// recovery ref name of the form
// refs/manifold/recovery/<ws>/<ts>-<seq>-<reason>.
func parseRecoveryTimestamp(ref string) (time.Time, bool) {
	slash := strings.LastIndex(ref, "/")
	if slash < 0 {
		return time.Time{}, false
	}
	leaf := ref[slash+1:]

	parts := strings.SplitN(leaf, "-", 2)
	if len(parts) < 1 {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102T150405.000Z", parts[0])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
