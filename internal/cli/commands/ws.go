package commands

import (
	"fmt"
	"os"

	"github.com/manifold-vcs/manifold/internal/config"
	"github.com/manifold-vcs/manifold/internal/destroy"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/cli/output"
	"github.com/manifold-vcs/manifold/internal/ids"
	"github.com/manifold-vcs/manifold/internal/manifold"
	"github.com/manifold-vcs/manifold/internal/mergestate"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/spf13/cobra"
)

func newWsCommand() *cobra.Command {
	ws := &cobra.Command{
		Use:   "ws",
		Short: "Manage workspaces and run merges",
	}
	ws.AddCommand(newWsCreateCommand())
	ws.AddCommand(newWsDestroyCommand())
	ws.AddCommand(newWsListCommand())
	ws.AddCommand(newWsStatusCommand())
	ws.AddCommand(newWsDiffCommand())
	ws.AddCommand(newWsMergeCommand())
	ws.AddCommand(newWsSyncCommand())
	ws.AddCommand(newWsRecoverCommand())
	ws.AddCommand(newWsDoctorCommand())
	return ws
}

func newWsCreateCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new workspace forked from an epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			wsID, err := ids.NewWorkspaceId(args[0])
			if err != nil {
				return err
			}
			created, err := engine.Create(wsID, from)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created workspace %s at %s\n", created.ID, created.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "ref or oid to fork from (default: epoch/current)")
	return cmd
}

func newWsDestroyCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy <name>",
		Short: "Destroy a workspace through the destructive gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			wsID, err := ids.NewWorkspaceId(args[0])
			if err != nil {
				return err
			}
			outcome, destroyErr := engine.Remove(wsID, force)
			recoverCmd := fmt.Sprintf("manifold ws recover %s --show <path>", wsID)
			// Omitted only for the provably-clean, no-capture, no-error
			// case (spec §4.10); any capture or failure prints.
			if destroyErr != nil || outcome.Captured {
				destroy.PrintRecoverySurface(os.Stderr, wsID.String(), destroyErr == nil, outcome, recoverCmd)
			}
			return destroyErr
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "disable the clean-proof shortcut; capture is still attempted")
	return cmd
}

func newWsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			list, err := engine.Backend().List()
			if err != nil {
				return err
			}
			return output.Workspaces(os.Stdout, output.Format(outputFormat()), list)
		},
	}
}

func newWsStatusCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show a workspace's staleness and dirty/untracked files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			wsID, err := ids.NewWorkspaceId(args[0])
			if err != nil {
				return err
			}

			print := func() error {
				status, err := engine.Backend().Status(wsID)
				if err != nil {
					return err
				}
				return output.Status(os.Stdout, output.Format(outputFormat()), wsID.String(), status)
			}

			if !watch {
				return print()
			}

			if err := print(); err != nil {
				return err
			}
			stop, err := engine.Backend().Watch(wsID, func() {
				if err := print(); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
			})
			if err != nil {
				return err
			}
			defer stop()
			select {}
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "re-print status whenever the workspace directory changes")
	return cmd
}

func newWsDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <name>",
		Short: "Show a workspace's uncommitted changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			wsID, err := ids.NewWorkspaceId(args[0])
			if err != nil {
				return err
			}
			status, err := engine.Backend().Status(wsID)
			if err != nil {
				return err
			}
			return output.Diff(os.Stdout, output.Format(outputFormat()), status.Dirty, status.Untracked)
		},
	}
}

func newWsMergeCommand() *cobra.Command {
	var (
		destroyFlag bool
		check       bool
		policy      string
	)
	cmd := &cobra.Command{
		Use:   "merge <names...>",
		Short: "Merge one or more workspaces into the current epoch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}

			inputs := make([]ids.WorkspaceId, 0, len(args))
			for _, a := range args {
				wsID, err := ids.NewWorkspaceId(a)
				if err != nil {
					return err
				}
				inputs = append(inputs, wsID)
			}

			mergePolicy := config.MergePolicy(policy)
			if mergePolicy == "" {
				mergePolicy = engine.Config().Merge.DefaultPolicy
			}

			result, err := engine.Merge(inputs, manifold.MergeOptions{Destroy: destroyFlag, Check: check, Policy: mergePolicy})
			if check {
				// --check always reports the plan and exits 0, even on
				// conflicts (spec §6).
				if result != nil {
					_ = output.Plan(os.Stdout, output.Format(outputFormat()), result.Plan)
				}
				return nil
			}
			if err != nil {
				return err
			}
			if result.NoOp {
				fmt.Fprintln(os.Stdout, "no-op: nothing to merge")
				return nil
			}
			fmt.Fprintf(os.Stdout, "merged into epoch %s\n", result.NewEpoch.String())
			for _, w := range result.Destroyed {
				fmt.Fprintf(os.Stdout, "destroyed workspace %s\n", w)
			}
			if len(result.Replay.Conflicts) > 0 {
				fmt.Fprintln(os.Stderr, "replay left conflict markers in the mainline workspace:")
				for _, c := range result.Replay.Conflicts {
					fmt.Fprintf(os.Stderr, "  %s\n", c)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&destroyFlag, "destroy", false, "destroy input workspaces after a successful merge")
	cmd.Flags().BoolVar(&check, "check", false, "preview the merge plan without committing")
	cmd.Flags().StringVar(&policy, "policy", "", "conflict policy: fail|ours-wins|manual (default: merge.default_policy)")
	return cmd
}

func newWsSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <name>",
		Short: "Reconcile a stale workspace onto the current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			wsID, err := ids.NewWorkspaceId(args[0])
			if err != nil {
				return err
			}
			result, err := engine.Sync(wsID)
			if err != nil {
				return err
			}
			if len(result.Conflicts) > 0 {
				fmt.Fprintln(os.Stderr, "sync left conflict markers:")
				for _, c := range result.Conflicts {
					fmt.Fprintf(os.Stderr, "  %s\n", c)
				}
			} else {
				fmt.Fprintln(os.Stdout, "sync complete")
			}
			return nil
		},
	}
}

func newWsRecoverCommand() *cobra.Command {
	var (
		ref    string
		show   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "recover <name>",
		Short: "Inspect or restore content from a workspace's recovery refs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			wsID, err := ids.NewWorkspaceId(args[0])
			if err != nil {
				return err
			}
			if format == "yaml" {
				records, err := destroy.Ledger(engine.Store().GitDir(), wsID.String())
				if err != nil {
					return err
				}
				return destroy.WriteLedgerYAML(os.Stdout, wsID.String(), records)
			}
			if format != "" && format != "text" {
				return errs.NewError(errs.ErrInvalidInput, "unknown --format value").WithDetail("format", format)
			}
			return recoverShow(engine, wsID, ref, show)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "recovery ref to read from (default: most recent)")
	cmd.Flags().StringVar(&show, "show", "", "path within the recovery snapshot to print to stdout")
	cmd.Flags().StringVar(&format, "format", "text", "output format for the recovery ledger: text|yaml")
	return cmd
}

func newWsDoctorCommand() *cobra.Command {
	var forgetMissing bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Cross-check workspace metadata against registered checkouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			backend := engine.Backend()
			report, err := backend.Doctor()
			if err != nil {
				return err
			}

			staleInputs, err := danglingMergeInputs(engine)
			if err != nil {
				return err
			}

			if report.Clean() && len(staleInputs) == 0 {
				fmt.Fprintln(os.Stdout, "ok: no inconsistencies found")
				return nil
			}
			for _, ws := range report.MissingWorktrees {
				fmt.Fprintf(os.Stdout, "missing checkout: %s has a creation-epoch ref but no directory\n", ws)
			}
			for _, path := range report.OrphanedWorktrees {
				fmt.Fprintf(os.Stdout, "orphaned checkout: %s is registered but has no workspace record\n", path)
			}
			for _, name := range staleInputs {
				fmt.Fprintf(os.Stdout, "stale merge state: input workspace %s no longer exists\n", name)
			}

			if !forgetMissing {
				if len(report.MissingWorktrees) > 0 {
					fmt.Fprintln(os.Stdout, "re-run with --forget-missing to drop the stale creation-epoch refs above")
				}
				return nil
			}
			if err := backend.ForgetMissing(report); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "forgot %d missing workspace(s)\n", len(report.MissingWorktrees))
			return nil
		},
	}
	cmd.Flags().BoolVar(&forgetMissing, "forget-missing", false, "delete creation-epoch refs for workspaces with no checkout on disk")
	return cmd
}

// danglingMergeInputs reports any input workspace named by a leftover
// merge-state file that no longer exists, the other half of the doctor
// cross-check spec §4.14 calls for alongside the worktree/ref
// comparison — a crash between COMMIT and CLEANUP can leave the file
// behind naming inputs a later `ws destroy` already removed.
func danglingMergeInputs(engine *manifold.Engine) ([]string, error) {
	state := mergestate.New(engine.Store().GitDir())
	current, exists, err := state.Load()
	if err != nil || !exists {
		return nil, err
	}

	backend := engine.Backend()
	var stale []string
	for _, name := range current.Inputs {
		ws, err := ids.NewWorkspaceId(name)
		if err != nil {
			stale = append(stale, name)
			continue
		}
		ok, err := backend.Exists(ws)
		if err != nil {
			return nil, err
		}
		if !ok {
			stale = append(stale, name)
		}
	}
	return stale, nil
}

func recoverShow(engine *manifold.Engine, ws ids.WorkspaceId, refFlag, path string) error {
	store := engine.Store()

	recoveryRef := refFlag
	var oid ids.ObjectId
	if recoveryRef == "" {
		latest, err := latestRecoveryRef(store, ws)
		if err != nil {
			return err
		}
		oid = latest
	} else {
		name, err := ids.NewRefName(recoveryRef)
		if err != nil {
			return err
		}
		value, exists, err := store.ReadRef(name)
		if err != nil {
			return err
		}
		if !exists {
			return errs.NewError(errs.ErrNotFound, "recovery ref not found").WithDetail("ref", recoveryRef)
		}
		oid = value
	}

	if path == "" {
		fmt.Fprintln(os.Stdout, oid.String())
		return nil
	}

	commit, err := store.ReadCommit(oid)
	if err != nil {
		return err
	}
	blobOid, err := lookupPath(store, commit.Tree, path)
	if err != nil {
		return err
	}
	data, err := store.ReadBlob(blobOid)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func latestRecoveryRef(store objstore.Store, ws ids.WorkspaceId) (ids.ObjectId, error) {
	entries, err := store.ListRefs("refs/manifold/recovery/" + ws.String() + "/")
	if err != nil {
		return ids.ObjectId{}, err
	}
	if len(entries) == 0 {
		return ids.ObjectId{}, errs.NewError(errs.ErrNotFound, "no recovery refs for workspace").WithDetail("workspace", ws.String())
	}
	// Ref names embed a sortable UTC timestamp, so the lexicographically
	// last entry is the most recent capture.
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.Name > latest.Name {
			latest = e
		}
	}
	return latest.Oid, nil
}

func lookupPath(store objstore.Store, tree ids.ObjectId, path string) (ids.ObjectId, error) {
	segments := splitPath(path)
	current := tree
	for i, seg := range segments {
		entries, err := store.ReadTree(current)
		if err != nil {
			return ids.ObjectId{}, err
		}
		found := false
		for _, e := range entries {
			if e.Name == seg {
				current = e.Oid
				found = true
				if i == len(segments)-1 && e.IsTree {
					return ids.ObjectId{}, errs.NewError(errs.ErrInvalidInput, "path is a directory").WithDetail("path", path)
				}
				break
			}
		}
		if !found {
			return ids.ObjectId{}, errs.NewError(errs.ErrNotFound, "path not found in snapshot").WithDetail("path", path)
		}
	}
	return current, nil
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
