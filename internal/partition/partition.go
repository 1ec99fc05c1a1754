// Package partition implements the partitioner: a pure function
// grouping every patch-set change by path and classifying
// overlaps as clean, equal-content, or one of the three conflict
// kinds.
package partition

import (
	"sort"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/patchset"
)

// Classification is the outcome of partitioning one path.
type Classification int

const (
	Clean Classification = iota
	EqualContent
	Conflict
)

// ConflictKind classifies a Conflict bucket.
type ConflictKind int

const (
	NoConflict ConflictKind = iota
	SameRegion
	AddAdd
	DeleteModify
)

// Contributor is one workspace's change at a contested path.
type Contributor struct {
	WorkspaceID ids.WorkspaceId
	Change      patchset.Change
}

// Bucket is one path's partition result.
type Bucket struct {
	Path           string
	Contributors   []Contributor
	Classification Classification
	ConflictKind   ConflictKind
}

// Partition groups every change across all patch sets by path and
// classifies overlaps. Output is sorted lexicographically on path;
// complexity is O(total touched files).
func Partition(patchSets []patchset.PatchSet) []Bucket {
	byPath := make(map[string][]Contributor)

	for _, ps := range patchSets {
		for _, c := range ps.Changes {
			path := c.Path
			byPath[path] = append(byPath[path], Contributor{WorkspaceID: ps.WorkspaceID, Change: c})
		}
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	buckets := make([]Bucket, 0, len(paths))
	for _, p := range paths {
		contributors := byPath[p]
		sort.Slice(contributors, func(i, j int) bool {
			return contributors[i].WorkspaceID < contributors[j].WorkspaceID
		})
		buckets = append(buckets, classify(p, contributors))
	}
	return buckets
}

func classify(path string, contributors []Contributor) Bucket {
	if len(contributors) == 1 {
		return Bucket{Path: path, Contributors: contributors, Classification: Clean}
	}

	if allEqual(contributors) {
		return Bucket{Path: path, Contributors: contributors, Classification: EqualContent}
	}

	return Bucket{
		Path:           path,
		Contributors:   contributors,
		Classification: Conflict,
		ConflictKind:   conflictKind(contributors),
	}
}

// allEqual reports whether every contributor made the identical
// (kind, mode, content hash) change — a harmless overlap collapsing to
// a single effective change.
func allEqual(contributors []Contributor) bool {
	first := contributors[0].Change
	for _, c := range contributors[1:] {
		if c.Change.Kind != first.Kind || c.Change.NewMode != first.NewMode || c.Change.ContentOid != first.ContentOid {
			return false
		}
	}
	return true
}

func conflictKind(contributors []Contributor) ConflictKind {
	hasDelete := false
	hasModify := false
	allAdds := true

	for _, c := range contributors {
		switch c.Change.Kind {
		case patchset.Deleted:
			hasDelete = true
			allAdds = false
		case patchset.Added:
			// stays a candidate for AddAdd
		case patchset.Modified, patchset.Renamed:
			hasModify = true
			allAdds = false
		}
	}

	if hasDelete && hasModify {
		return DeleteModify
	}
	if hasDelete {
		return DeleteModify
	}
	if allAdds {
		return AddAdd
	}
	return SameRegion
}
