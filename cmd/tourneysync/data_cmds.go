package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tourneysync/internal/models"
	tsync "github.com/kimhsiao/tourneysync/internal/sync"
)

func (c *cli) writeCmd() *cobra.Command {
	var (
		kind string
		data string
		sets []string
	)
	cmd := &cobra.Command{
		Use:   "write <collection> <document-id>",
		Short: "Record a local change to a document",
		Long: `Record a local change. The change is applied to the local cache at once
and queued for the remote store.

The payload is --data as a JSON object, or the cached document with each
--set key=value applied on top. Values are parsed as JSON when possible, so
--set scoreA=21 stores a number and --set status=completed a string.`,
		Example: `  tourneysync write matches m1 --set scoreA=21 --set scoreB=19
  tourneysync write players p4 --kind create --data '{"name":"Ana","seed":4}'
  tourneysync write matches m9 --kind delete`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			collection, documentID := args[0], args[1]
			opKind, err := parseKind(kind)
			if err != nil {
				return err
			}
			if opKind == models.OpDelete && (data != "" || len(sets) > 0) {
				return fmt.Errorf("delete takes no payload")
			}
			assignments, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			return c.withEngine(ctx, func(e *engine) error {
				var payload models.Payload
				switch {
				case opKind == models.OpDelete:
				case data != "":
					if err := json.Unmarshal([]byte(data), &payload); err != nil {
						return fmt.Errorf("--data is not a JSON object: %w", err)
					}
				default:
					payload = models.Payload{}
					if doc, err := e.orch.Read(ctx, collection, documentID); err != nil {
						return err
					} else if doc != nil {
						payload = doc.Payload.Clone()
					}
				}
				if payload == nil && opKind != models.OpDelete {
					payload = models.Payload{}
				}
				for k, v := range assignments {
					payload[k] = v
				}

				op, err := e.orch.Write(ctx, tsync.WriteRequest{
					Collection: collection,
					DocumentID: documentID,
					Kind:       opKind,
					Payload:    payload,
				})
				if err != nil {
					return err
				}
				return c.emit(cmd, op, func(w io.Writer) {
					fmt.Fprintf(w, "queued operation %d: %s %s/%s (base version %d)\n",
						op.OpID, op.Kind, op.Collection, op.DocumentID, op.BaseVersion)
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.OpUpdate), "operation kind: create, update or delete")
	cmd.Flags().StringVar(&data, "data", "", "full payload as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field assignment key=value (repeatable)")
	return cmd
}

func parseKind(s string) (models.OpKind, error) {
	switch k := models.OpKind(strings.ToLower(s)); k {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
		return k, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// parseAssignments turns key=value pairs into payload fields.
func parseAssignments(sets []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", s)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <document-id>",
		Short: "Print a cached document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				doc, err := e.orch.Read(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("%s/%s is not in the local cache", args[0], args[1])
				}
				return c.emit(cmd, doc, func(w io.Writer) {
					state := "synced"
					if doc.Dirty {
						state = "local changes pending"
					}
					fmt.Fprintf(w, "%s/%s  version %d  %s\n", doc.Collection, doc.DocumentID, doc.RemoteVersion, state)
					body, _ := json.MarshalIndent(doc.Payload, "", "  ")
					fmt.Fprintln(w, string(body))
				})
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "List cached documents of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				docs, err := e.orch.List(ctx, args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd, docs, func(w io.Writer) {
					t := newTable(w)
					fmt.Fprintln(t, "ID\tVERSION\tDIRTY\tMODIFIED")
					for _, d := range docs {
						modified := d.LastModifiedAt
						fmt.Fprintf(t, "%s\t%d\t%t\t%s\n", d.DocumentID, d.RemoteVersion, d.Dirty, formatTime(&modified))
					}
					t.Flush()
				})
			})
		},
	}
}
