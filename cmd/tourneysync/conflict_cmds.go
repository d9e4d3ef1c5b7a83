package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/sync/conflict"
)

func (c *cli) conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Aliases: []string{"conflict"},
		Short:   "Review and resolve sync conflicts",
	}
	cmd.AddCommand(
		c.conflictsListCmd(),
		c.conflictsShowCmd(),
		c.conflictsResolveCmd(),
		c.conflictsIgnoreCmd(),
		c.conflictsResolveAllCmd(),
		c.conflictsPruneCmd(),
	)
	return cmd
}

func (c *cli) conflictsListCmd() *cobra.Command {
	var (
		all        bool
		collection string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, open ones by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				recs, err := e.orch.Conflicts().List(ctx, conflict.Filter{
					OnlyOpen:   !all,
					Collection: collection,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return c.emit(cmd, recs, func(w io.Writer) {
					if len(recs) == 0 {
						fmt.Fprintln(w, "no conflicts")
						return
					}
					t := newTable(w)
					fmt.Fprintln(t, "ID\tDOCUMENT\tTYPE\tSEVERITY\tDETECTED\tSTATUS")
					for _, r := range recs {
						status := "open"
						if r.Resolved {
							status = string(r.Resolution)
						}
						detected := r.DetectedAt
						fmt.Fprintf(t, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
							r.ConflictID, r.Collection, r.DocumentID, r.Type, r.Severity, formatTime(&detected), status)
					}
					t.Flush()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	cmd.Flags().StringVar(&collection, "collection", "", "only this collection")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of conflicts")
	return cmd
}

// conflictDetail is the show command's output.
type conflictDetail struct {
	Conflict *models.ConflictRecord    `json:"conflict"`
	Options  []models.ResolutionOption `json:"options"`
}

func (c *cli) conflictsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show a conflict with its resolution options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				rec, options, err := e.orch.ConflictOptions(ctx, args[0])
				if err != nil {
					return err
				}
				detail := conflictDetail{Conflict: rec, Options: options}
				return c.emit(cmd, detail, func(w io.Writer) { printConflict(w, detail) })
			})
		},
	}
}

func printConflict(w io.Writer, d conflictDetail) {
	r := d.Conflict
	t := newTable(w)
	fmt.Fprintf(t, "conflict:\t%s\n", r.ConflictID)
	fmt.Fprintf(t, "document:\t%s/%s\n", r.Collection, r.DocumentID)
	fmt.Fprintf(t, "type:\t%s (%s)\n", r.Type, r.Severity)
	fmt.Fprintf(t, "versions:\tlocal based on %d, remote at %d\n", r.LocalVersion, r.RemoteVersion)
	fmt.Fprintf(t, "changed fields:\t%s\n", joinOr(r.ChangedFields.Sorted(), "none"))
	fmt.Fprintf(t, "devices:\t%s\n", joinOr(r.InvolvedDeviceIDs.Sorted(), "unknown"))
	fmt.Fprintf(t, "risk:\t%s data loss, %s impact, %s urgency\n", r.Risk.DataLossRisk, r.Risk.TournamentImpact, r.Risk.Urgency)
	if r.Resolved {
		fmt.Fprintf(t, "resolved:\t%s by %s at %s\n", r.Resolution, r.ResolvedBy, formatTime(r.ResolvedAt))
	}
	t.Flush()

	local, _ := json.Marshal(r.LocalPayload)
	remote, _ := json.Marshal(r.RemotePayload)
	fmt.Fprintf(w, "\nlocal:  %s\nremote: %s\n", local, remote)
	if r.Resolved {
		return
	}

	fmt.Fprintln(w, "\noptions:")
	for _, o := range d.Options {
		ack := ""
		if o.RequiresAcknowledgment {
			ack = " (requires --ack)"
		}
		fmt.Fprintf(w, "  %-12s %s, confidence %d%%, %s risk%s\n", o.ID, o.Label, o.Confidence, o.RiskLevel, ack)
		for _, consequence := range o.Consequences {
			fmt.Fprintf(w, "               - %s\n", consequence)
		}
	}
}

func (c *cli) conflictsResolveCmd() *cobra.Command {
	var ack bool
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <option>",
		Short: "Resolve a conflict with one of its options",
		Long: `Resolve a conflict with one of the options listed by "conflicts show":
keep_local, keep_remote or manual_merge. Options flagged as requiring
acknowledgment need --ack.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				rec, err := e.orch.ResolveConflict(ctx, args[0], args[1], ack)
				if err != nil {
					return err
				}
				return c.emit(cmd, rec, func(w io.Writer) {
					fmt.Fprintf(w, "resolved %s with %s\n", rec.ConflictID, rec.Resolution)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the consequences of the chosen option")
	return cmd
}

func (c *cli) conflictsIgnoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ignore <conflict-id>",
		Short: "Close a conflict and drop the local edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				if err := e.orch.IgnoreConflict(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ignored %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) conflictsResolveAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-all <keep_local|keep_remote>",
		Short: "Resolve every open conflict that does not need a manual merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			strategy := models.Strategy(strings.ToLower(args[0]))
			return c.withEngine(ctx, func(e *engine) error {
				res, err := e.orch.ResolveAllConflicts(ctx, strategy)
				if err != nil {
					return err
				}
				return c.emit(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "resolved %d, skipped %d\n", len(res.Resolved), len(res.Skipped))
					for _, id := range res.Skipped {
						fmt.Fprintf(w, "  skipped %s: needs a manual decision\n", id)
					}
				})
			})
		},
	}
}

func (c *cli) conflictsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Archive and delete old resolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if olderThan <= 0 {
				olderThan = c.cfg.Conflict.RetainResolved
			}
			return c.withEngine(ctx, func(e *engine) error {
				n, err := e.orch.Conflicts().PruneResolved(ctx, e.orch.Sessions().Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d resolved conflicts\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention for resolved conflicts (default from config)")
	return cmd
}
