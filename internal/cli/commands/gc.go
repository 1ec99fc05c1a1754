package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/manifold-vcs/manifold/internal/gc"
	"github.com/manifold-vcs/manifold/internal/mergestate"
	"github.com/spf13/cobra"
)

func newGCCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune recovery refs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			cfg := engine.Config()
			retention := time.Duration(cfg.GC.RecoveryRetentionDays) * 24 * time.Hour
			state := mergestate.New(engine.Store().GitDir())

			if dryRun {
				planned, err := gc.Plan(engine.Store(), state, retention, time.Now().UTC())
				if err != nil {
					return err
				}
				if len(planned) == 0 {
					fmt.Fprintln(os.Stdout, "nothing would be pruned")
					return nil
				}
				for _, p := range planned {
					fmt.Fprintf(os.Stdout, "would prune %s (%s, age %s)\n", p.Ref, p.Oid[:12], p.Age.Round(time.Hour))
				}
				return nil
			}

			pruned, err := gc.Sweep(engine.Store(), state, retention, time.Now().UTC())
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				fmt.Fprintln(os.Stdout, "nothing to prune")
				return nil
			}
			for _, p := range pruned {
				fmt.Fprintf(os.Stdout, "pruned %s (%s, age %s)\n", p.Ref, p.Oid[:12], p.Age.Round(time.Hour))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
