// Package build implements the builder: applying a MergePlan against
// the tree of the epoch a merge started from,
// producing a new candidate commit. The recursive load/mutate/write
// shape follows the same bottom-up tree construction the teacher's
// go-git fork uses in worktree_commit.go's buildTreeHelper, adapted
// from git's own index to manifold's plan entries.
package build

import (
	"io/fs"
	"strings"

	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/manifold-vcs/manifold/internal/plan"
)

// dirNode is an in-memory, mutable mirror of one tree object.
type dirNode struct {
	children map[string]*fsNode
}

// fsNode is one entry of a dirNode: either a file (blob) or a nested
// directory.
type fsNode struct {
	isDir bool
	mode  fs.FileMode
	oid   ids.ObjectId
	dir   *dirNode
}

func newDirNode() *dirNode {
	return &dirNode{children: make(map[string]*fsNode)}
}

func loadDir(store objstore.Store, oid ids.ObjectId) (*dirNode, error) {
	d := newDirNode()
	if oid.IsZero() {
		return d, nil
	}

	entries, err := store.ReadTree(oid)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		node := &fsNode{isDir: e.IsTree, mode: e.Mode, oid: e.Oid}
		if e.IsTree {
			sub, err := loadDir(store, e.Oid)
			if err != nil {
				return nil, err
			}
			node.dir = sub
		}
		d.children[e.Name] = node
	}
	return d, nil
}

func ensureDir(root *dirNode, segments []string) *dirNode {
	cur := root
	for _, seg := range segments {
		child, ok := cur.children[seg]
		if !ok || !child.isDir {
			child = &fsNode{isDir: true, mode: fs.ModeDir | 0755, dir: newDirNode()}
			cur.children[seg] = child
		}
		cur = child.dir
	}
	return cur
}

func navigateDir(root *dirNode, segments []string) *dirNode {
	cur := root
	for _, seg := range segments {
		child, ok := cur.children[seg]
		if !ok || !child.isDir {
			return nil
		}
		cur = child.dir
	}
	return cur
}

func setFile(root *dirNode, path string, mode fs.FileMode, oid ids.ObjectId) {
	segments := strings.Split(path, "/")
	dir := ensureDir(root, segments[:len(segments)-1])
	dir.children[segments[len(segments)-1]] = &fsNode{isDir: false, mode: mode, oid: oid}
}

func removeFile(root *dirNode, path string) {
	segments := strings.Split(path, "/")
	dir := navigateDir(root, segments[:len(segments)-1])
	if dir == nil {
		return
	}
	delete(dir.children, segments[len(segments)-1])
}

func writeDir(store objstore.Store, d *dirNode) (ids.ObjectId, error) {
	var entries []objstore.TreeEntry
	for name, node := range d.children {
		if node.isDir {
			if len(node.dir.children) == 0 {
				continue
			}
			oid, err := writeDir(store, node.dir)
			if err != nil {
				return ids.ObjectId{}, err
			}
			entries = append(entries, objstore.TreeEntry{Name: name, Mode: fs.ModeDir | 0755, Oid: oid, IsTree: true})
			continue
		}
		entries = append(entries, objstore.TreeEntry{Name: name, Mode: node.mode, Oid: node.oid})
	}
	return store.WriteTree(entries)
}

// Build applies a plan's apply_order against baseEpoch's tree and
// creates the resulting candidate commit, parented on baseEpoch.
func Build(store objstore.Store, baseEpoch ids.EpochId, applyOrder []plan.Entry, message string) (ids.ObjectId, error) {
	baseCommit, err := store.ReadCommit(baseEpoch)
	if err != nil {
		return ids.ObjectId{}, err
	}

	root, err := loadDir(store, baseCommit.Tree)
	if err != nil {
		return ids.ObjectId{}, err
	}

	for _, e := range applyOrder {
		switch e.Action {
		case plan.Remove:
			removeFile(root, e.Path)
		case plan.Upsert:
			oid, err := store.WriteBlob(e.Content)
			if err != nil {
				return ids.ObjectId{}, err
			}
			setFile(root, e.Path, e.Mode, oid)
		}
	}

	newTree, err := writeDir(store, root)
	if err != nil {
		return ids.ObjectId{}, err
	}

	return store.CreateCommit(newTree, []ids.ObjectId{baseEpoch}, message, nil)
}
