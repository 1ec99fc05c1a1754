// Package patchset implements the patch-set collector: for each input
// workspace, materialize its diff against its own creation
// epoch — not the current epoch — as an ordered, deterministic
// PatchSet.
package patchset

import (
	"io/fs"
	"sort"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
)

// ChangeKind classifies one entry of a PatchSet.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Deleted
	Renamed
)

// Change is one file-level change in a workspace's patch set.
type Change struct {
	Path string
	Kind ChangeKind
	// From is set only for Renamed entries.
	From string
	// NewMode is the zero value for Deleted entries.
	NewMode fs.FileMode
	// Content is nil for Deleted entries.
	Content []byte
	// ContentOid is the blob hash backing Content, used by the
	// partitioner to detect equal-content overlaps without rereading
	// blob bytes.
	ContentOid ids.ObjectId
}

// PatchSet is one workspace's diff against its creation epoch.
type PatchSet struct {
	WorkspaceID ids.WorkspaceId
	BaseEpoch   ids.EpochId
	Changes     []Change
}

// Collect builds the PatchSet for one workspace, diffing the tree of
// its captured commit against the tree of its creation epoch.
func Collect(store objstore.Store, ws ids.WorkspaceId, baseEpoch ids.EpochId, capturedCommit ids.ObjectId) (PatchSet, error) {
	baseCommit, err := store.ReadCommit(baseEpoch)
	if err != nil {
		return PatchSet{}, err
	}
	captured, err := store.ReadCommit(capturedCommit)
	if err != nil {
		return PatchSet{}, err
	}

	diffs, err := store.DiffTrees(baseCommit.Tree, captured.Tree)
	if err != nil {
		return PatchSet{}, err
	}

	changes := make([]Change, 0, len(diffs))
	for _, d := range diffs {
		switch d.ChangeType {
		case objstore.ChangeAdded:
			content, err := store.ReadBlob(d.NewOid)
			if err != nil {
				return PatchSet{}, err
			}
			changes = append(changes, Change{Path: d.Path, Kind: Added, NewMode: d.NewMode, Content: content, ContentOid: d.NewOid})
		case objstore.ChangeModified:
			content, err := store.ReadBlob(d.NewOid)
			if err != nil {
				return PatchSet{}, err
			}
			changes = append(changes, Change{Path: d.Path, Kind: Modified, NewMode: d.NewMode, Content: content, ContentOid: d.NewOid})
		case objstore.ChangeDeleted:
			changes = append(changes, Change{Path: d.Path, Kind: Deleted, ContentOid: d.OldOid})
		}
	}

	changes = detectRenames(changes)

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return PatchSet{WorkspaceID: ws, BaseEpoch: baseEpoch, Changes: changes}, nil
}

// detectRenames collapses a matching Added/Deleted pair with identical
// blob content into a single Renamed entry, annotated for
// observability; the planner still lowers it to delete+upsert (spec
// §4.6 rule 2).
func detectRenames(changes []Change) []Change {
	deletedByOid := make(map[ids.ObjectId]string)
	for _, c := range changes {
		if c.Kind == Deleted {
			deletedByOid[c.ContentOid] = c.Path
		}
	}

	usedDeletes := make(map[string]bool)
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if c.Kind == Added {
			if fromPath, ok := deletedByOid[c.ContentOid]; ok && !usedDeletes[fromPath] {
				usedDeletes[fromPath] = true
				out = append(out, Change{
					Path:       c.Path,
					Kind:       Renamed,
					From:       fromPath,
					NewMode:    c.NewMode,
					Content:    c.Content,
					ContentOid: c.ContentOid,
				})
				continue
			}
		}
		out = append(out, c)
	}

	final := out[:0]
	for _, c := range out {
		if c.Kind == Deleted && usedDeletes[c.Path] {
			continue
		}
		final = append(final, c)
	}
	return final
}
