// Package plan implements the planner: a pure, deterministic function
// turning partitioned patch buckets into a MergePlan — an
// ordered list of file operations plus a conflict report. Planning
// never resolves conflicts; it only records them for the COMMIT phase
// (or a --check preview) to act on.
package plan

import (
	"io/fs"
	"sort"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/partition"
	"github.com/manifold-vcs/manifold/internal/patchset"
)

// ActionKind classifies one apply-order entry.
type ActionKind int

const (
	Upsert ActionKind = iota
	Remove
)

// Entry is one file operation in apply_order.
type Entry struct {
	Path    string
	Action  ActionKind
	Mode    fs.FileMode
	Content []byte
	// Source names the workspace this operation's content came from.
	Source ids.WorkspaceId
	// RenameFrom is set when this Upsert originated from a rename, for
	// observability only — it carries no execution semantics beyond
	// the accompanying Remove(RenameFrom) entry the planner also emits.
	RenameFrom string
}

// Conflict is one unresolved overlap the caller's merge policy must
// rule on before COMMIT.
type Conflict struct {
	Path         string
	Contributors []ids.WorkspaceId
	Kind         partition.ConflictKind
}

// MergePlan is the planner's deterministic output.
type MergePlan struct {
	ApplyOrder []Entry
	Conflicts  []Conflict
}

// HasConflicts reports whether the plan recorded any unresolved
// overlap.
func (p MergePlan) HasConflicts() bool {
	return len(p.Conflicts) > 0
}

// Build turns partitioned buckets into a MergePlan. Buckets classified
// Clean or EqualContent contribute apply-order entries; Conflict
// buckets contribute only a conflict report and are excluded from
// apply_order.
func Build(buckets []partition.Bucket) MergePlan {
	var deletes, upserts []Entry
	var conflicts []Conflict

	for _, b := range buckets {
		switch b.Classification {
		case partition.Conflict:
			conflicts = append(conflicts, Conflict{
				Path:         b.Path,
				Contributors: contributorIDs(b.Contributors),
				Kind:         b.ConflictKind,
			})
		default:
			rep := b.Contributors[0]
			switch rep.Change.Kind {
			case patchset.Deleted:
				deletes = append(deletes, Entry{Path: b.Path, Action: Remove, Source: rep.WorkspaceID})
			case patchset.Added, patchset.Modified:
				upserts = append(upserts, Entry{
					Path:    b.Path,
					Action:  Upsert,
					Mode:    rep.Change.NewMode,
					Content: rep.Change.Content,
					Source:  rep.WorkspaceID,
				})
			case patchset.Renamed:
				deletes = append(deletes, Entry{Path: rep.Change.From, Action: Remove, Source: rep.WorkspaceID})
				upserts = append(upserts, Entry{
					Path:       b.Path,
					Action:     Upsert,
					Mode:       rep.Change.NewMode,
					Content:    rep.Change.Content,
					Source:     rep.WorkspaceID,
					RenameFrom: rep.Change.From,
				})
			}
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Path < deletes[j].Path })
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Path < upserts[j].Path })
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })

	applyOrder := make([]Entry, 0, len(deletes)+len(upserts))
	applyOrder = append(applyOrder, deletes...)
	applyOrder = append(applyOrder, upserts...)

	return MergePlan{ApplyOrder: applyOrder, Conflicts: conflicts}
}

func contributorIDs(contributors []partition.Contributor) []ids.WorkspaceId {
	out := make([]ids.WorkspaceId, len(contributors))
	for i, c := range contributors {
		out[i] = c.WorkspaceID
	}
	return out
}
