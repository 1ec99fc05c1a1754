package commands

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/manifold"
	"github.com/manifold-vcs/manifold/internal/refs"
	"github.com/spf13/cobra"
)

// Push and release share the ref-advance discipline the rest of the
// engine is built on, but they talk to a remote — something
// objstore.Store deliberately has no primitive for, since the merge
// core never needs one. They shell out to git directly, the same way
// the teacher's internal/git helpers wrap one-off plumbing commands
// that aren't part of the Store abstraction.

func newPushCommand() *cobra.Command {
	var (
		remote string
		branch string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Advance the remote mainline branch to the local epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			return runPush(engine, remote, branch)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "origin", "remote to push to")
	cmd.Flags().StringVar(&branch, "branch", "", "mainline branch name (default: repo.branch)")
	return cmd
}

func runPush(engine *manifold.Engine, remote, branchFlag string) error {
	store := engine.Store()
	branchName := branchFlag
	if branchName == "" {
		branchName = engine.Config().Repo.Branch
	}
	branchRef := refs.Branch(branchName)

	epochOid, exists, err := store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return err
	}
	if !exists {
		return errs.NewError(errs.ErrNotFound, "no epoch to push").WithDetail("reason", "epoch/current is unset")
	}

	branchOid, branchExists, err := store.ReadRef(branchRef)
	if err != nil {
		return err
	}
	if branchExists && branchOid != epochOid {
		return errs.NewError(errs.ErrRefConflict, "local branch is ahead of the local epoch").
			WithDetail("branch", branchOid.String()).
			WithDetail("epoch", epochOid.String()).
			WithHint("merge or sync the branch back onto the current epoch before pushing", "")
	}

	remoteOid, remoteExists, err := lsRemote(store.Root(), remote, branchName)
	if err != nil {
		return err
	}
	expected := ""
	if remoteExists {
		expected = remoteOid
	}

	refspec := fmt.Sprintf("%s:refs/heads/%s", epochOid.String(), branchName)
	leaseArg := fmt.Sprintf("--force-with-lease=refs/heads/%s:%s", branchName, expected)
	if !remoteExists {
		leaseArg = fmt.Sprintf("--force-with-lease=refs/heads/%s", branchName)
	}

	if _, err := runGit(store.Root(), "push", leaseArg, remote, refspec); err != nil {
		return errs.WrapError(errs.ErrGit, "push rejected: remote mainline moved since the last read", err).
			WithDetail("remote", remote).
			WithDetail("branch", branchName)
	}

	fmt.Printf("pushed %s to %s/%s\n", epochOid.String()[:12], remote, branchName)
	return nil
}

func newReleaseCommand() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "release <tag>",
		Short: "Tag the current epoch and push the tag, never rewinding the branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			return runRelease(engine, args[0], remote)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "origin", "remote to push the tag to")
	return cmd
}

func runRelease(engine *manifold.Engine, tag, remote string) error {
	store := engine.Store()
	branchName := engine.Config().Repo.Branch
	branchRef := refs.Branch(branchName)

	epochOid, exists, err := store.ReadRef(refs.EpochCurrent())
	if err != nil {
		return err
	}
	if !exists {
		return errs.NewError(errs.ErrNotFound, "no epoch to release").WithDetail("reason", "epoch/current is unset")
	}

	branchOid, branchExists, err := store.ReadRef(branchRef)
	if err != nil {
		return err
	}
	if branchExists && branchOid != epochOid {
		return errs.NewError(errs.ErrRefConflict, "releasing now would tag behind the local branch").
			WithDetail("branch", branchOid.String()).
			WithDetail("epoch", epochOid.String()).
			WithHint("sync the branch onto the current epoch before releasing", "")
	}

	tagRef, err := ids.NewRefName("refs/tags/" + tag)
	if err != nil {
		return err
	}
	if _, err := store.WriteRefCAS(tagRef, ids.ZeroOID, epochOid); err != nil {
		return errs.WrapError(errs.ErrAlreadyExists, "tag already exists", err).WithDetail("tag", tag)
	}

	if _, err := runGit(store.Root(), "push", remote, fmt.Sprintf("refs/tags/%s", tag)); err != nil {
		return errs.WrapError(errs.ErrGit, "failed to push release tag", err).WithDetail("tag", tag)
	}

	fmt.Printf("released %s as %s\n", epochOid.String()[:12], tag)
	return nil
}

func lsRemote(root, remote, branch string) (oid string, exists bool, err error) {
	out, runErr := runGit(root, "ls-remote", remote, "refs/heads/"+branch)
	if runErr != nil {
		return "", false, errs.WrapError(errs.ErrGit, "failed to query remote branch", runErr).WithDetail("remote", remote)
	}
	line := strings.TrimSpace(out)
	if line == "" {
		return "", false, nil
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false, nil
	}
	return fields[0], true, nil
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}
