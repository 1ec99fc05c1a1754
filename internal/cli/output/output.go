// Package output implements the CLI's human/JSON rendering, the same
// --format split the teacher's internal/cli/output provided for
// workspace listings, generalized to merge plans, status, and diffs.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/manifold-vcs/manifold/internal/partition"
	"github.com/manifold-vcs/manifold/internal/plan"
	"github.com/manifold-vcs/manifold/internal/workspace"
)

// Format selects a rendering mode.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Workspaces renders a workspace listing.
func Workspaces(w io.Writer, format Format, list []workspace.Workspace) error {
	if format == FormatJSON {
		return writeJSON(w, list)
	}
	for _, ws := range list {
		fmt.Fprintf(w, "%-24s %-12s %s\n", ws.ID, ws.State, ws.CreatedFromEpoch.String()[:12])
	}
	return nil
}

// Status renders one workspace's status.
func Status(w io.Writer, format Format, ws string, status workspace.Status) error {
	if format == FormatJSON {
		return writeJSON(w, struct {
			Workspace string             `json:"workspace"`
			IsStale   bool               `json:"is_stale"`
			Dirty     []string           `json:"dirty"`
			Untracked []string           `json:"untracked"`
		}{ws, status.IsStale, status.Dirty, status.Untracked})
	}
	fmt.Fprintf(w, "workspace: %s\n", ws)
	fmt.Fprintf(w, "stale:     %v\n", status.IsStale)
	fmt.Fprintf(w, "dirty:     %d file(s)\n", len(status.Dirty))
	for _, p := range status.Dirty {
		fmt.Fprintf(w, "  M %s\n", p)
	}
	fmt.Fprintf(w, "untracked: %d file(s)\n", len(status.Untracked))
	for _, p := range status.Untracked {
		fmt.Fprintf(w, "  ? %s\n", p)
	}
	return nil
}

// Plan renders a MergePlan preview, used by `ws merge --check`.
func Plan(w io.Writer, format Format, p plan.MergePlan) error {
	if format == FormatJSON {
		return writeJSON(w, p)
	}
	fmt.Fprintf(w, "apply_order (%d entries):\n", len(p.ApplyOrder))
	for _, e := range p.ApplyOrder {
		verb := "upsert"
		if e.Action == plan.Remove {
			verb = "remove"
		}
		fmt.Fprintf(w, "  %-7s %-40s (from %s)\n", verb, e.Path, e.Source)
	}
	if len(p.Conflicts) == 0 {
		fmt.Fprintln(w, "conflicts: none")
		return nil
	}
	fmt.Fprintf(w, "conflicts (%d):\n", len(p.Conflicts))
	for _, c := range p.Conflicts {
		fmt.Fprintf(w, "  %-40s %-12s %v\n", c.Path, conflictKindName(c.Kind), c.Contributors)
	}
	return nil
}

func conflictKindName(k partition.ConflictKind) string {
	switch k {
	case partition.SameRegion:
		return "same-region"
	case partition.AddAdd:
		return "add-add"
	case partition.DeleteModify:
		return "delete-modify"
	default:
		return "unknown"
	}
}

// Diff renders a simple path-level diff summary (status(ws) against the
// selected baseline, already computed by the caller).
func Diff(w io.Writer, format Format, dirty, untracked []string) error {
	sort.Strings(dirty)
	sort.Strings(untracked)
	if format == FormatJSON {
		return writeJSON(w, struct {
			Dirty     []string `json:"dirty"`
			Untracked []string `json:"untracked"`
		}{dirty, untracked})
	}
	for _, p := range dirty {
		fmt.Fprintf(w, "M %s\n", p)
	}
	for _, p := range untracked {
		fmt.Fprintf(w, "? %s\n", p)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
