// Package commands implements the manifold CLI surface, built the
// same way the teacher's internal/cli/commands wires cobra:
// a root command carrying persistent flags, a handleError that maps
// internal/errs codes to process exit codes, and one subcommand file
// per CLI verb.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/manifold-vcs/manifold/internal/config"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/manifold"
	"github.com/manifold-vcs/manifold/internal/objstore"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes, mirrored from the teacher's handleError and extended for
// the merge-engine error codes this module adds.
const (
	ExitOK             = 0
	ExitGeneral        = 1
	ExitAmbiguous      = 2
	ExitSafetyRefusal  = 3
	ExitNotFound       = 5
)

var (
	flagRepo      string
	flagFormat    string
	flagQuiet     bool
	flagNoPrompt  bool
	flagYes       bool
)

// Root builds the manifold root command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "manifold",
		Short:         "Multi-agent workspace manager with a merge/epoch core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagRepo, "repo", "", "repository path (default: current directory)")
	root.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: text|json")
	root.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress non-essential output")
	root.PersistentFlags().BoolVar(&flagNoPrompt, "no-prompt", false, "never prompt interactively")
	root.PersistentFlags().BoolVar(&flagYes, "yes", false, "assume yes to any confirmation prompt")
	// --json and --porcelain are accepted as synonyms for --format, the
	// surface the teacher's commands exposed; porcelain is not
	// implemented beyond an alias to json.
	root.PersistentFlags().Bool("json", false, "shorthand for --format json")
	root.PersistentFlags().Bool("porcelain", false, "shorthand for --format json")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("json"); v {
			flagFormat = "json"
		}
		if v, _ := cmd.Flags().GetBool("porcelain"); v {
			flagFormat = "json"
		}
		return nil
	}

	root.AddCommand(newWsCommand())
	root.AddCommand(newPushCommand())
	root.AddCommand(newReleaseCommand())
	root.AddCommand(newGCCommand())

	return root
}

// Execute runs the CLI and returns the process exit code, the same
// signature shape as the teacher's cmd/yagwt main.go expected from
// commands.Execute.
func Execute() int {
	root := Root()
	if err := root.Execute(); err != nil {
		return handleError(os.Stderr, err)
	}
	return ExitOK
}

// openEngine discovers the repository, loads configuration, and
// returns a ready manifold.Engine with crash recovery already run —
// every subcommand goes through this single bootstrap path.
func openEngine() (*manifold.Engine, error) {
	repoPath := flagRepo
	if repoPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errs.WrapError(errs.ErrIO, "failed to determine working directory", err)
		}
		repoPath = cwd
	}

	store, err := objstore.NewExecStore(repoPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(store.Root(), "")
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if !flagQuiet {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
	}

	engine := manifold.New(store, cfg, logger)
	if err := engine.Recover(); err != nil {
		return nil, err
	}
	return engine, nil
}

func outputFormat() string {
	return flagFormat
}

// handleError maps an internal/errs code to an exit code and prints a
// formatted message, mirroring the teacher's handleError.
func handleError(w *os.File, err error) int {
	code, ok := errs.CodeOf(err)
	if !ok {
		fmt.Fprintf(w, "error: %v\n", err)
		return ExitGeneral
	}

	var manErr *errs.Error
	errors.As(err, &manErr)

	fmt.Fprintf(w, "error: %s\n", err.Error())
	if manErr != nil && manErr.Hint != nil {
		fmt.Fprintf(w, "hint: %s\n", manErr.Hint.Message)
		if manErr.Hint.Command != "" {
			fmt.Fprintf(w, "  %s\n", manErr.Hint.Command)
		}
	}

	switch code {
	case errs.ErrNotFound:
		return ExitNotFound
	case errs.ErrAmbiguous:
		return ExitAmbiguous
	case errs.ErrDirtyNeedsCap, errs.ErrLocked:
		return ExitSafetyRefusal
	default:
		return ExitGeneral
	}
}
