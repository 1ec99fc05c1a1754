package objstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
)

// execStore implements Store by shelling out to the git binary, the same
// way the teacher's internal/git.repo wraps git worktree/status commands
// — generalized here to also cover the plumbing primitives (cat-file,
// hash-object, mktree, commit-tree, update-ref) the merge engine needs.
type execStore struct {
	root   string
	gitDir string
}

// NewExecStore opens the git repository rooted at path, discovering its
// toplevel and git directory the way NewRepository does in the teacher.
func NewExecStore(path string) (Store, error) {
	root, err := runGitOutput(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to find git repository", err).
			WithDetail("path", path)
	}
	root = strings.TrimSpace(root)

	gitDir, err := runGitOutput(root, "rev-parse", "--git-dir")
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to find git directory", err).
			WithDetail("root", root)
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}

	return &execStore{root: root, gitDir: gitDir}, nil
}

func runGitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

func (s *execStore) git(args ...string) (string, error) {
	return runGitOutput(s.root, args...)
}

func (s *execStore) Root() string   { return s.root }
func (s *execStore) GitDir() string { return s.gitDir }

// ReadTree lists the immediate entries of a tree object.
func (s *execStore) ReadTree(oid ids.ObjectId) ([]TreeEntry, error) {
	out, err := s.git("ls-tree", oid.String())
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to read tree", err).
			WithDetail("oid", oid.String())
	}
	var entries []TreeEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// "<mode> <type> <oid>\t<name>"
		tabIdx := strings.IndexByte(line, '\t')
		if tabIdx < 0 {
			continue
		}
		meta := strings.Fields(line[:tabIdx])
		if len(meta) != 3 {
			continue
		}
		name := line[tabIdx+1:]
		modeBits, _ := strconv.ParseUint(meta[0], 8, 32)
		entryOid, err := ids.ParseObjectId(meta[2])
		if err != nil {
			return nil, err
		}
		entries = append(entries, TreeEntry{
			Name:   name,
			Mode:   fs.FileMode(modeBits),
			Oid:    entryOid,
			IsTree: meta[1] == "tree",
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// WriteTree builds a tree object from entries via `git mktree`.
func (s *execStore) WriteTree(entries []TreeEntry) (ids.ObjectId, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var buf bytes.Buffer
	for _, e := range entries {
		typ := "blob"
		if e.IsTree {
			typ = "tree"
		}
		fmt.Fprintf(&buf, "%06o %s %s\t%s\n", e.Mode.Perm()|modeTypeBits(e), typ, e.Oid.String(), e.Name)
	}

	cmd := exec.Command("git", "-C", s.root, "mktree")
	cmd.Stdin = &buf
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ids.ObjectId{}, errs.WrapError(errs.ErrGit, "failed to write tree", err).
			WithDetail("stderr", stderr.String())
	}
	return ids.ParseObjectId(strings.TrimSpace(stdout.String()))
}

func modeTypeBits(e TreeEntry) fs.FileMode {
	if e.IsTree {
		return 0
	}
	if e.Mode&fs.ModeSymlink != 0 {
		return 0120000
	}
	if e.Mode.Perm()&0111 != 0 {
		return 0100755
	}
	return 0100644
}

// ReadBlob returns blob content via `git cat-file -p`.
func (s *execStore) ReadBlob(oid ids.ObjectId) ([]byte, error) {
	cmd := exec.Command("git", "-C", s.root, "cat-file", "-p", oid.String())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to read blob", err).
			WithDetail("oid", oid.String()).
			WithDetail("stderr", stderr.String())
	}
	return stdout.Bytes(), nil
}

// WriteBlob writes content via `git hash-object -w --stdin`.
func (s *execStore) WriteBlob(data []byte) (ids.ObjectId, error) {
	cmd := exec.Command("git", "-C", s.root, "hash-object", "-w", "--stdin")
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ids.ObjectId{}, errs.WrapError(errs.ErrGit, "failed to write blob", err).
			WithDetail("stderr", stderr.String())
	}
	return ids.ParseObjectId(strings.TrimSpace(stdout.String()))
}

// ReadCommit reads commit metadata via `git cat-file -p`.
func (s *execStore) ReadCommit(oid ids.ObjectId) (Commit, error) {
	out, err := s.git("cat-file", "-p", oid.String())
	if err != nil {
		return Commit{}, errs.WrapError(errs.ErrGit, "failed to read commit", err).
			WithDetail("oid", oid.String())
	}
	var c Commit
	lines := strings.Split(out, "\n")
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			c.Tree, _ = ids.ParseObjectId(strings.TrimPrefix(line, "tree "))
		case strings.HasPrefix(line, "parent "):
			p, perr := ids.ParseObjectId(strings.TrimPrefix(line, "parent "))
			if perr == nil {
				c.Parents = append(c.Parents, p)
			}
		case strings.HasPrefix(line, "author "):
			c.Author = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "committer "):
			c.Committer = strings.TrimPrefix(line, "committer ")
		}
	}
	c.Message = strings.Join(lines[i:], "\n")
	return c, nil
}

// CreateCommit creates a commit via `git commit-tree`, optionally
// updating a ref atomically (git's own -p ref handling is not used for
// updates; callers use WriteRefCAS explicitly so every advance goes
// through the same compare-and-swap path).
func (s *execStore) CreateCommit(tree ids.ObjectId, parents []ids.ObjectId, message string, refToUpdate *ids.RefName) (ids.ObjectId, error) {
	args := []string{"commit-tree", tree.String()}
	for _, p := range parents {
		args = append(args, "-p", p.String())
	}
	cmd := exec.Command("git", append([]string{"-C", s.root}, args...)...)
	cmd.Stdin = strings.NewReader(message)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ids.ObjectId{}, errs.WrapError(errs.ErrGit, "failed to create commit", err).
			WithDetail("stderr", stderr.String())
	}
	oid, err := ids.ParseObjectId(strings.TrimSpace(stdout.String()))
	if err != nil {
		return oid, err
	}
	if refToUpdate != nil {
		if _, err := s.WriteRefCAS(*refToUpdate, ids.ZeroOID, oid); err != nil {
			return oid, err
		}
	}
	return oid, nil
}

// ReadRef reads a ref via `git rev-parse --verify`.
func (s *execStore) ReadRef(name ids.RefName) (ids.ObjectId, bool, error) {
	out, err := s.git("rev-parse", "--verify", "--quiet", name.String())
	if err != nil {
		return ids.ObjectId{}, false, nil
	}
	oid, perr := ids.ParseObjectId(strings.TrimSpace(out))
	if perr != nil {
		return ids.ObjectId{}, false, perr
	}
	return oid, true, nil
}

// WriteRefCAS advances a ref using git's native update-ref
// compare-and-swap: `update-ref <ref> <new> <old>` fails atomically if
// <old> no longer matches what's stored.
func (s *execStore) WriteRefCAS(name ids.RefName, expected, newOid ids.ObjectId) (CASResult, error) {
	current, exists, err := s.ReadRef(name)
	if err != nil {
		return CASMismatched, err
	}
	if !exists && !expected.IsZero() {
		return CASMissing, nil
	}
	if exists && current != expected {
		return CASMismatched, nil
	}

	args := []string{"update-ref", name.String(), newOid.String()}
	if exists {
		args = append(args, current.String())
	} else {
		args = append(args, ids.ZeroOID.String())
	}
	if _, err := s.git(args...); err != nil {
		// A race lost between our read and the update-ref call surfaces
		// here as a generic failure; treat conservatively as mismatched
		// so callers retry from PREPARE rather than treating it fatal.
		return CASMismatched, nil
	}
	return CASUpdated, nil
}

// DeleteRef deletes a ref, verifying the expected value first.
func (s *execStore) DeleteRef(name ids.RefName, expected ids.ObjectId) error {
	current, exists, err := s.ReadRef(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if current != expected {
		return errs.NewError(errs.ErrRefConflict, "ref changed before delete").
			WithDetail("ref", name.String())
	}
	_, err = s.git("update-ref", "-d", name.String(), current.String())
	if err != nil {
		return errs.WrapError(errs.ErrGit, "failed to delete ref", err).
			WithDetail("ref", name.String())
	}
	return nil
}

// ListRefs lists refs under a prefix via `git for-each-ref`.
func (s *execStore) ListRefs(prefix string) ([]RefEntry, error) {
	out, err := s.git("for-each-ref", "--format=%(refname) %(objectname)", prefix)
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to list refs", err).
			WithDetail("prefix", prefix)
	}
	var entries []RefEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		oid, err := ids.ParseObjectId(fields[1])
		if err != nil {
			continue
		}
		entries = append(entries, RefEntry{Name: ids.RefName(fields[0]), Oid: oid})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// DiffTrees diffs two trees via `git diff-tree -r`.
func (s *execStore) DiffTrees(a, b ids.ObjectId) ([]DiffEntry, error) {
	out, err := s.git("diff-tree", "-r", "--no-commit-id", a.String(), b.String())
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to diff trees", err)
	}
	var entries []DiffEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), ":")
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		oldMode, _ := strconv.ParseUint(fields[0], 8, 32)
		newMode, _ := strconv.ParseUint(fields[1], 8, 32)
		oldOid, _ := ids.ParseObjectId(fields[2])
		newOid, _ := ids.ParseObjectId(fields[3])
		statusAndPath := fields[4:]
		status := statusAndPath[0]
		path := strings.Join(statusAndPath[1:], " ")

		var ct ChangeType
		switch status[0] {
		case 'A':
			ct = ChangeAdded
		case 'D':
			ct = ChangeDeleted
		default:
			ct = ChangeModified
		}
		entries = append(entries, DiffEntry{
			Path:       path,
			ChangeType: ct,
			OldOid:     oldOid,
			OldMode:    fs.FileMode(oldMode),
			NewOid:     newOid,
			NewMode:    fs.FileMode(newMode),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Status returns a worktree's dirty/untracked file list via `git status
// --porcelain=v2`, the same invocation as the teacher's GetStatus.
func (s *execStore) Status(worktreePath string) ([]StatusEntry, error) {
	out, err := runGitOutput(worktreePath, "status", "--porcelain=v2", "--untracked-files=all")
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to get status", err).
			WithDetail("path", worktreePath)
	}
	var entries []StatusEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "1 ") || strings.HasPrefix(line, "2 "):
			fields := strings.Fields(line)
			path := fields[len(fields)-1]
			entries = append(entries, StatusEntry{Path: path, Status: StatusModified})
		case strings.HasPrefix(line, "? "):
			entries = append(entries, StatusEntry{Path: strings.TrimPrefix(line, "? "), Status: StatusUntracked})
		case strings.HasPrefix(line, "u "):
			fields := strings.Fields(line)
			path := fields[len(fields)-1]
			entries = append(entries, StatusEntry{Path: path, Status: StatusConflicted})
		}
	}
	return entries, nil
}

// IsDirty reports whether a worktree has any uncommitted or untracked
// changes.
func (s *execStore) IsDirty(worktreePath string) (bool, error) {
	entries, err := s.Status(worktreePath)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// WorktreeAdd adds a worktree checked out at a specific commit.
func (s *execStore) WorktreeAdd(path string, commit ids.ObjectId) error {
	if _, err := s.git("worktree", "add", "--detach", path, commit.String()); err != nil {
		return errs.WrapError(errs.ErrGit, "failed to add worktree", err).
			WithDetail("path", path).
			WithDetail("commit", commit.String())
	}
	return nil
}

// WorktreeRemove removes a worktree.
func (s *execStore) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := s.git(args...); err != nil {
		return errs.WrapError(errs.ErrGit, "failed to remove worktree", err).
			WithDetail("path", path)
	}
	return nil
}

// WorktreeList lists registered worktrees via `git worktree list
// --porcelain`.
func (s *execStore) WorktreeList() ([]WorktreeInfo, error) {
	out, err := s.git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, errs.WrapError(errs.ErrGit, "failed to list worktrees", err)
	}
	var trees []WorktreeInfo
	var current *WorktreeInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current != nil {
				trees = append(trees, *current)
				current = nil
			}
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = parts[1]
		}
		switch key {
		case "worktree":
			current = &WorktreeInfo{Path: value}
		case "HEAD":
			if current != nil {
				oid, _ := ids.ParseObjectId(value)
				current.Head = oid
			}
		case "branch":
			if current != nil {
				current.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "locked":
			if current != nil {
				current.Locked = true
			}
		}
	}
	if current != nil {
		trees = append(trees, *current)
	}
	return trees, nil
}

// StashCapture captures the worktree's dirty state into a stash commit,
// including untracked files (spec §4.2/§4.3 require untracked content
// survive a snapshot). `git stash create` has no --include-untracked
// flag, so this uses `git stash push --include-untracked` and reads the
// resulting commit off refs/stash instead, matching the teacher's own
// Stash helper (internal/git/repo.go Stash, which also pushes rather
// than creates). The stash-list entry is dropped immediately after: the
// commit itself is what callers pin under a recovery ref, so there is
// no reason to leave it cluttering `git stash list` too.
func (s *execStore) StashCapture(worktree string) (ids.ObjectId, bool, error) {
	dirty, err := s.IsDirty(worktree)
	if err != nil {
		return ids.ObjectId{}, false, err
	}
	if !dirty {
		return ids.ObjectId{}, false, nil
	}

	if _, err := runGitOutput(worktree, "stash", "push", "--include-untracked", "-m", "manifold-capture"); err != nil {
		return ids.ObjectId{}, false, errs.WrapError(errs.ErrGit, "failed to capture stash", err).
			WithDetail("path", worktree)
	}

	out, err := runGitOutput(worktree, "rev-parse", "refs/stash")
	if err != nil {
		return ids.ObjectId{}, false, errs.WrapError(errs.ErrGit, "failed to resolve captured stash", err).
			WithDetail("path", worktree)
	}
	oid, err := ids.ParseObjectId(strings.TrimSpace(out))
	if err != nil {
		return ids.ObjectId{}, false, errs.WrapError(errs.ErrGit, "failed to parse captured stash oid", err).
			WithDetail("path", worktree)
	}

	if _, err := runGitOutput(worktree, "stash", "drop"); err != nil {
		return ids.ObjectId{}, false, errs.WrapError(errs.ErrGit, "failed to drop stash-list entry after capture", err).
			WithDetail("path", worktree)
	}

	return oid, true, nil
}

// StashApply replays a stash commit onto a worktree via `git stash
// apply`, reporting whether it applied cleanly.
func (s *execStore) StashApply(worktree string, oid ids.ObjectId) (StashResult, error) {
	_, err := runGitOutput(worktree, "stash", "apply", oid.String())
	if err == nil {
		return StashResult{Outcome: StashClean}, nil
	}
	statusOut, statusErr := runGitOutput(worktree, "diff", "--name-only", "--diff-filter=U")
	if statusErr != nil {
		return StashResult{}, errs.WrapError(errs.ErrGit, "failed to apply stash", err).
			WithDetail("path", worktree)
	}
	var conflicts []string
	for _, line := range strings.Split(strings.TrimSpace(statusOut), "\n") {
		if line != "" {
			conflicts = append(conflicts, line)
		}
	}
	return StashResult{Outcome: StashConflicts, Conflicts: conflicts}, nil
}

// WriteConfig persists a key/value under the manifold config namespace.
func (s *execStore) WriteConfig(key, value string) error {
	if _, err := s.git("config", "--local", "manifold."+key, value); err != nil {
		return errs.WrapError(errs.ErrConfig, "failed to write config", err).
			WithDetail("key", key)
	}
	return nil
}

// ReadConfig reads a key under the manifold config namespace.
func (s *execStore) ReadConfig(key string) (string, bool, error) {
	out, err := s.git("config", "--local", "--get", "manifold."+key)
	if err != nil {
		return "", false, nil
	}
	return strings.TrimSpace(out), true, nil
}
