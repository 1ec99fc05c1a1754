// Package objstore is the abstract repository handle the merge/epoch
// engine is built against. The engine never talks to git directly;
// it only ever sees this interface, which is intentionally
// narrow: blob/tree/commit read-write, ref read/CAS/delete/list,
// worktree add/remove/list, status/diff, and stash-replay.
package objstore

import (
	"io/fs"

	"github.com/manifold-vcs/manifold/internal/ids"
)

// TreeEntry is one entry of a tree object.
type TreeEntry struct {
	Name string
	Mode fs.FileMode
	Oid  ids.ObjectId
	// IsTree distinguishes a subtree entry from a blob/symlink entry;
	// Mode alone is ambiguous once symlink bits are involved.
	IsTree bool
}

// Commit is the materialized form of a commit object.
type Commit struct {
	Tree      ids.ObjectId
	Parents   []ids.ObjectId
	Message   string
	Author    string
	Committer string
}

// CASResult is the outcome of a compare-and-swap ref write.
type CASResult int

const (
	CASUpdated CASResult = iota
	CASMismatched
	CASMissing
)

// RefEntry is one (name, oid) pair returned by ListRefs.
type RefEntry struct {
	Name ids.RefName
	Oid  ids.ObjectId
}

// ChangeType classifies a diff_trees entry.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeDeleted
)

// DiffEntry is one changed path between two trees.
type DiffEntry struct {
	Path       string
	ChangeType ChangeType
	OldOid     ids.ObjectId
	OldMode    fs.FileMode
	NewOid     ids.ObjectId
	NewMode    fs.FileMode
}

// FileStatus classifies one entry of a worktree status scan.
type FileStatus int

const (
	StatusClean FileStatus = iota
	StatusModified
	StatusAdded
	StatusDeleted
	StatusUntracked
	StatusConflicted
)

// StatusEntry is one path reported by a worktree status scan.
type StatusEntry struct {
	Path   string
	Status FileStatus
}

// WorktreeInfo describes one checkout registered with the repository.
type WorktreeInfo struct {
	Path   string
	Head   ids.ObjectId
	Branch string // empty if detached
	Locked bool
}

// StashOutcome is the result of replaying a stash onto a worktree.
type StashOutcome int

const (
	StashClean StashOutcome = iota
	StashConflicts
)

// StashResult is the outcome of StashApply.
type StashResult struct {
	Outcome   StashOutcome
	Conflicts []string
}

// Store is the abstract repository handle. The merge/epoch engine is
// written entirely against this interface; it never imports a concrete
// backend.
type Store interface {
	// Object operations.
	ReadTree(oid ids.ObjectId) ([]TreeEntry, error)
	WriteTree(entries []TreeEntry) (ids.ObjectId, error)
	ReadBlob(oid ids.ObjectId) ([]byte, error)
	WriteBlob(data []byte) (ids.ObjectId, error)
	ReadCommit(oid ids.ObjectId) (Commit, error)
	CreateCommit(tree ids.ObjectId, parents []ids.ObjectId, message string, refToUpdate *ids.RefName) (ids.ObjectId, error)

	// Ref operations.
	ReadRef(name ids.RefName) (ids.ObjectId, bool, error)
	WriteRefCAS(name ids.RefName, expected, newOid ids.ObjectId) (CASResult, error)
	DeleteRef(name ids.RefName, expected ids.ObjectId) error
	ListRefs(prefix string) ([]RefEntry, error)

	// Tree/worktree diff & status.
	DiffTrees(a, b ids.ObjectId) ([]DiffEntry, error)
	Status(worktreePath string) ([]StatusEntry, error)
	IsDirty(worktreePath string) (bool, error)

	// Worktree lifecycle.
	WorktreeAdd(path string, commit ids.ObjectId) error
	WorktreeRemove(path string, force bool) error
	WorktreeList() ([]WorktreeInfo, error)

	// Stash-based dirty-tree capture/replay.
	StashCapture(worktree string) (ids.ObjectId, bool, error)
	StashApply(worktree string, oid ids.ObjectId) (StashResult, error)

	// Repository-level config key/value storage. The reservation gate
	// is a ref (epoch/next), not a config key.
	WriteConfig(key, value string) error
	ReadConfig(key string) (string, bool, error)

	// Root is the repository working directory (mainline checkout).
	Root() string
	// GitDir is the repository metadata directory.
	GitDir() string
}
