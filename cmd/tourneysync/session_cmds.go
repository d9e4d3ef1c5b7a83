package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/session"
)

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage this device's session and delegated access",
	}
	cmd.AddCommand(
		c.sessionShowCmd(),
		c.sessionStartCmd(),
		c.sessionEndCmd(),
		c.sessionDelegateCmd(),
		c.sessionRevokeCmd(),
	)
	return cmd
}

func printSession(w io.Writer, s *models.DeviceSession) {
	t := newTable(w)
	fmt.Fprintf(t, "session:\t%s\n", s.SessionID)
	fmt.Fprintf(t, "device:\t%s\n", s.DeviceID)
	fmt.Fprintf(t, "tournament:\t%s\n", s.TournamentID)
	fmt.Fprintf(t, "role:\t%s\n", s.Role)
	fmt.Fprintf(t, "permissions:\t%s\n", joinOr(s.Permissions.Sorted(), "none"))
	fmt.Fprintf(t, "matches:\t%s\n", joinOr(s.ScopedMatchIDs.Sorted(), "all"))
	fmt.Fprintf(t, "expires:\t%s\n", formatTime(&s.ExpiresAt))
	t.Flush()
}

func (c *cli) sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				s, err := e.orch.Sessions().Current(ctx)
				if err != nil {
					return err
				}
				if s == nil {
					return c.emit(cmd, nil, func(w io.Writer) { fmt.Fprintln(w, "no active session") })
				}
				return c.emit(cmd, s, func(w io.Writer) { printSession(w, s) })
			})
		},
	}
}

func (c *cli) sessionStartCmd() *cobra.Command {
	var (
		tournament  string
		role        string
		permissions []string
		matches     []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a session on this device",
		Long: `Open a session on this device directly. This is how an organizer
bootstraps a tournament; other devices should join with an access code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var scoped models.StringSet
			if len(matches) > 0 {
				scoped = models.NewStringSet(matches...)
			}
			return c.withEngine(ctx, func(e *engine) error {
				s, err := e.orch.Sessions().StartSession(ctx, tournament, models.Role(strings.ToLower(role)),
					models.NewStringSet(permissions...), scoped)
				if err != nil {
					return err
				}
				return c.emit(cmd, s, func(w io.Writer) { printSession(w, s) })
			})
		},
	}
	cmd.Flags().StringVar(&tournament, "tournament", "", "tournament id")
	cmd.Flags().StringVar(&role, "role", string(models.RoleOrganizer), "role: organizer, referee, player or spectator")
	cmd.Flags().StringSliceVar(&permissions, "perm", nil, "permissions (default for the role when empty)")
	cmd.Flags().StringSliceVar(&matches, "match", nil, "limit match permissions to these matches")
	cmd.MarkFlagRequired("tournament")
	return cmd
}

func (c *cli) sessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "End the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				s, err := e.orch.Sessions().Current(ctx)
				if err != nil {
					return err
				}
				if s == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no active session")
					return nil
				}
				if err := e.orch.Sessions().EndSession(ctx, s.SessionID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ended %s\n", s.SessionID)
				return nil
			})
		},
	}
}

func (c *cli) sessionDelegateCmd() *cobra.Command {
	var (
		role        string
		permissions []string
		matches     []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "delegate <device-id>",
		Short: "Grant another device permissions in the current tournament",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				current, err := e.orch.Sessions().Require(ctx, models.PermManageAccess, "")
				if err != nil {
					return err
				}
				s, err := e.orch.Sessions().DelegatePermissions(ctx, args[0], current.TournamentID, permissions, matches,
					session.DelegateOptions{Role: models.Role(strings.ToLower(role)), TTL: ttl})
				if err != nil {
					return err
				}
				return c.emit(cmd, s, func(w io.Writer) { printSession(w, s) })
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.RoleReferee), "role of the delegated session")
	cmd.Flags().StringSliceVar(&permissions, "perm", nil, "permissions to delegate")
	cmd.Flags().StringSliceVar(&matches, "match", nil, "limit match permissions to these matches")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "session lifetime (default from config)")
	cmd.MarkFlagRequired("perm")
	return cmd
}

func (c *cli) sessionRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "End every session a device holds in the current tournament",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				current, err := e.orch.Sessions().Require(ctx, models.PermManageAccess, "")
				if err != nil {
					return err
				}
				n, err := e.orch.Sessions().RevokeRole(ctx, args[0], current.TournamentID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions of %s\n", n, args[0])
				return nil
			})
		},
	}
}

func (c *cli) codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Issue and redeem access codes",
	}
	cmd.AddCommand(c.codesGenerateCmd(), c.codesRedeemCmd())
	return cmd
}

func (c *cli) codesGenerateCmd() *cobra.Command {
	var (
		role        string
		uses        int
		expires     time.Duration
		permissions []string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an access code for the current tournament",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				current, err := e.orch.Sessions().Require(ctx, models.PermManageAccess, "")
				if err != nil {
					return err
				}
				code, err := e.orch.Sessions().GenerateAccessCode(ctx, current.TournamentID, models.Role(strings.ToLower(role)),
					session.CodeOptions{
						ExpirationMinutes: int(expires / time.Minute),
						MaxUses:           uses,
						Permissions:       permissions,
					})
				if err != nil {
					return err
				}
				return c.emit(cmd, code, func(w io.Writer) {
					fmt.Fprintf(w, "%s\n", code.Code)
					fmt.Fprintf(w, "%s access to %s, %d uses, expires %s\n",
						code.Role, code.TournamentID, code.MaxUses, formatTime(&code.ExpiresAt))
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.RoleReferee), "role granted by the code")
	cmd.Flags().IntVar(&uses, "uses", 1, "how many devices may redeem the code")
	cmd.Flags().DurationVar(&expires, "expires", time.Hour, "code lifetime")
	cmd.Flags().StringSliceVar(&permissions, "perm", nil, "permissions granted (default for the role when empty)")
	return cmd
}

func (c *cli) codesRedeemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <code>",
		Short: "Join a tournament with an access code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				s, err := e.orch.Sessions().RedeemAccessCode(ctx, args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd, s, func(w io.Writer) { printSession(w, s) })
			})
		},
	}
}

func (c *cli) deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and requeue operations that exhausted their retries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				dead, err := e.orch.Queue().ListDeadLetters(ctx)
				if err != nil {
					return err
				}
				return c.emit(cmd, dead, func(w io.Writer) {
					if len(dead) == 0 {
						fmt.Fprintln(w, "no dead letters")
						return
					}
					t := newTable(w)
					fmt.Fprintln(t, "OP\tDOCUMENT\tKIND\tRETRIES\tWHEN\tREASON")
					for _, d := range dead {
						op := d.Operation
						fmt.Fprintf(t, "%d\t%s/%s\t%s\t%d\t%s\t%s\n", op.OpID, op.Collection, op.DocumentID,
							op.Kind, op.RetryCount, formatTime(&d.DeadLetteredAt), d.Reason)
					}
					t.Flush()
				})
			})
		},
	}, &cobra.Command{
		Use:   "requeue <op-id>",
		Short: "Return a dead-lettered operation to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid operation id %q", args[0])
			}
			return c.withEngine(ctx, func(e *engine) error {
				op, err := e.orch.Queue().RequeueDeadLetter(ctx, opID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued operation %d on %s/%s\n", op.OpID, op.Collection, op.DocumentID)
				return nil
			})
		},
	})
	return cmd
}
