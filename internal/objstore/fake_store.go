package objstore

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
)

// FakeStore is an in-memory Store used by the merge-engine unit tests.
// It models blobs, trees and commits as content-addressed maps and
// worktrees as plain string-keyed file maps, so the workspace, capture,
// replay and merge-engine tests run without a git binary on PATH.
type FakeStore struct {
	mu sync.Mutex

	blobs   map[ids.ObjectId][]byte
	trees   map[ids.ObjectId][]TreeEntry
	commits map[ids.ObjectId]Commit
	refs    map[ids.RefName]ids.ObjectId
	config  map[string]string

	worktrees map[string]*fakeWorktree
	root      string
	gitDir    string
}

type fakeWorktree struct {
	head  ids.ObjectId
	files map[string][]byte
	// dirty marks paths changed since the worktree's head commit, the
	// in-memory analogue of git status.
	dirty map[string]FileStatus
}

// NewFakeStore returns an empty FakeStore rooted at the given path.
func NewFakeStore(root string) *FakeStore {
	return &FakeStore{
		blobs:     make(map[ids.ObjectId][]byte),
		trees:     make(map[ids.ObjectId][]TreeEntry),
		commits:   make(map[ids.ObjectId]Commit),
		refs:      make(map[ids.RefName]ids.ObjectId),
		config:    make(map[string]string),
		worktrees: make(map[string]*fakeWorktree),
		root:      root,
		gitDir:    root + "/.git",
	}
}

func hashOf(kind string, data []byte) ids.ObjectId {
	h := sha1.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(data)
	var oid ids.ObjectId
	copy(oid[:], h.Sum(nil))
	return oid
}

func (s *FakeStore) Root() string   { return s.root }
func (s *FakeStore) GitDir() string { return s.gitDir }

func (s *FakeStore) ReadTree(oid ids.ObjectId) ([]TreeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.trees[oid]
	if !ok {
		return nil, errs.NewError(errs.ErrNotFound, "tree not found").WithDetail("oid", oid.String())
	}
	out := make([]TreeEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *FakeStore) WriteTree(entries []TreeEntry) (ids.ObjectId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var key strings.Builder
	for _, e := range sorted {
		fmt.Fprintf(&key, "%s\x00%o\x00%s\x00%v\n", e.Name, e.Mode, e.Oid.String(), e.IsTree)
	}
	oid := hashOf("tree", []byte(key.String()))
	s.trees[oid] = sorted
	return oid, nil
}

func (s *FakeStore) ReadBlob(oid ids.ObjectId) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[oid]
	if !ok {
		return nil, errs.NewError(errs.ErrNotFound, "blob not found").WithDetail("oid", oid.String())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *FakeStore) WriteBlob(data []byte) (ids.ObjectId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid := hashOf("blob", data)
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[oid] = stored
	return oid, nil
}

func (s *FakeStore) ReadCommit(oid ids.ObjectId) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[oid]
	if !ok {
		return Commit{}, errs.NewError(errs.ErrNotFound, "commit not found").WithDetail("oid", oid.String())
	}
	return c, nil
}

func (s *FakeStore) CreateCommit(tree ids.ObjectId, parents []ids.ObjectId, message string, refToUpdate *ids.RefName) (ids.ObjectId, error) {
	s.mu.Lock()
	c := Commit{Tree: tree, Parents: append([]ids.ObjectId{}, parents...), Message: message, Author: "manifold <manifold@localhost>", Committer: "manifold <manifold@localhost>"}

	var key strings.Builder
	fmt.Fprintf(&key, "tree %s\n", tree.String())
	for _, p := range parents {
		fmt.Fprintf(&key, "parent %s\n", p.String())
	}
	fmt.Fprintf(&key, "msg %s\n", message)
	oid := hashOf("commit", []byte(key.String()))
	s.commits[oid] = c
	s.mu.Unlock()

	if refToUpdate != nil {
		if _, err := s.WriteRefCAS(*refToUpdate, ids.ZeroOID, oid); err != nil {
			return oid, err
		}
	}
	return oid, nil
}

func (s *FakeStore) ReadRef(name ids.RefName) (ids.ObjectId, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid, ok := s.refs[name]
	return oid, ok, nil
}

func (s *FakeStore) WriteRefCAS(name ids.RefName, expected, newOid ids.ObjectId) (CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.refs[name]
	if !exists && !expected.IsZero() {
		return CASMissing, nil
	}
	if exists && current != expected {
		return CASMismatched, nil
	}
	s.refs[name] = newOid
	return CASUpdated, nil
}

func (s *FakeStore) DeleteRef(name ids.RefName, expected ids.ObjectId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.refs[name]
	if !exists {
		return nil
	}
	if current != expected {
		return errs.NewError(errs.ErrRefConflict, "ref changed before delete").WithDetail("ref", name.String())
	}
	delete(s.refs, name)
	return nil
}

func (s *FakeStore) ListRefs(prefix string) ([]RefEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []RefEntry
	for name, oid := range s.refs {
		if strings.HasPrefix(string(name), prefix) {
			entries = append(entries, RefEntry{Name: name, Oid: oid})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *FakeStore) DiffTrees(a, b ids.ObjectId) ([]DiffEntry, error) {
	s.mu.Lock()
	left := s.flatten(a)
	right := s.flatten(b)
	s.mu.Unlock()

	paths := make(map[string]bool)
	for p := range left {
		paths[p] = true
	}
	for p := range right {
		paths[p] = true
	}

	var entries []DiffEntry
	for p := range paths {
		le, lok := left[p]
		re, rok := right[p]
		switch {
		case !lok && rok:
			entries = append(entries, DiffEntry{Path: p, ChangeType: ChangeAdded, NewOid: re.Oid, NewMode: re.Mode})
		case lok && !rok:
			entries = append(entries, DiffEntry{Path: p, ChangeType: ChangeDeleted, OldOid: le.Oid, OldMode: le.Mode})
		case lok && rok && le.Oid != re.Oid:
			entries = append(entries, DiffEntry{Path: p, ChangeType: ChangeModified, OldOid: le.Oid, OldMode: le.Mode, NewOid: re.Oid, NewMode: re.Mode})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// flatten walks a tree recursively into a path->entry map. Caller must
// hold s.mu.
func (s *FakeStore) flatten(oid ids.ObjectId) map[string]TreeEntry {
	out := make(map[string]TreeEntry)
	if oid.IsZero() {
		return out
	}
	var walk func(oid ids.ObjectId, prefix string)
	walk = func(oid ids.ObjectId, prefix string) {
		entries, ok := s.trees[oid]
		if !ok {
			return
		}
		for _, e := range entries {
			path := e.Name
			if prefix != "" {
				path = prefix + "/" + e.Name
			}
			if e.IsTree {
				walk(e.Oid, path)
				continue
			}
			out[path] = e
		}
	}
	walk(oid, "")
	return out
}

func (s *FakeStore) Status(worktreePath string) ([]StatusEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, ok := s.worktrees[worktreePath]
	if !ok {
		return nil, nil
	}
	var entries []StatusEntry
	for path, status := range wt.dirty {
		entries = append(entries, StatusEntry{Path: path, Status: status})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *FakeStore) IsDirty(worktreePath string) (bool, error) {
	entries, err := s.Status(worktreePath)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (s *FakeStore) WorktreeAdd(path string, commit ids.ObjectId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[commit]
	if !ok {
		return errs.NewError(errs.ErrNotFound, "commit not found").WithDetail("commit", commit.String())
	}
	files := make(map[string][]byte)
	for path, entry := range s.flatten(c.Tree) {
		files[path] = s.blobs[entry.Oid]
	}
	s.worktrees[path] = &fakeWorktree{head: commit, files: files, dirty: make(map[string]FileStatus)}
	return nil
}

func (s *FakeStore) WorktreeRemove(path string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worktrees, path)
	return nil
}

func (s *FakeStore) WorktreeList() ([]WorktreeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorktreeInfo
	for path, wt := range s.worktrees {
		out = append(out, WorktreeInfo{Path: path, Head: wt.head})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// StashCapture builds a synthetic commit from the worktree's current
// file map layered over its head tree, the in-memory analogue of `git
// stash create`.
func (s *FakeStore) StashCapture(worktree string) (ids.ObjectId, bool, error) {
	s.mu.Lock()
	wt, ok := s.worktrees[worktree]
	if !ok || len(wt.dirty) == 0 {
		s.mu.Unlock()
		return ids.ObjectId{}, false, nil
	}
	head := wt.head
	var entries []TreeEntry
	for path, data := range wt.files {
		oid := hashOf("blob", data)
		s.blobs[oid] = data
		entries = append(entries, TreeEntry{Name: path, Mode: 0100644, Oid: oid})
	}
	s.mu.Unlock()

	tree, err := s.WriteTree(entries)
	if err != nil {
		return ids.ObjectId{}, false, err
	}
	oid, err := s.CreateCommit(tree, []ids.ObjectId{head}, "WIP snapshot", nil)
	return oid, err == nil, err
}

// StashApply overwrites the worktree's file map with the stashed
// commit's tree. FakeStore never produces textual conflicts, so it
// always reports StashClean.
func (s *FakeStore) StashApply(worktree string, oid ids.ObjectId) (StashResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[oid]
	if !ok {
		return StashResult{}, errs.NewError(errs.ErrNotFound, "stash commit not found").WithDetail("oid", oid.String())
	}
	wt, ok := s.worktrees[worktree]
	if !ok {
		return StashResult{}, errs.NewError(errs.ErrNotFound, "worktree not found").WithDetail("path", worktree)
	}
	for path, entry := range s.flatten(c.Tree) {
		wt.files[path] = s.blobs[entry.Oid]
	}
	return StashResult{Outcome: StashClean}, nil
}

func (s *FakeStore) WriteConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *FakeStore) ReadConfig(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.config[key]
	return v, ok, nil
}

// SetWorktreeFile is a test helper that marks a path dirty/modified in
// a worktree without going through a real filesystem.
func (s *FakeStore) SetWorktreeFile(worktree, path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, ok := s.worktrees[worktree]
	if !ok {
		return
	}
	wt.files[path] = data
	wt.dirty[path] = StatusModified
}

// DeleteWorktreeFile is a test helper marking a path deleted in a
// worktree's dirty set.
func (s *FakeStore) DeleteWorktreeFile(worktree, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, ok := s.worktrees[worktree]
	if !ok {
		return
	}
	delete(wt.files, path)
	wt.dirty[path] = StatusDeleted
}

var _ Store = (*FakeStore)(nil)
