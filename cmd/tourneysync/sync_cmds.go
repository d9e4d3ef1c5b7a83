package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/offline"
	"github.com/kimhsiao/tourneysync/internal/remote/relay"
	tsync "github.com/kimhsiao/tourneysync/internal/sync"
	"github.com/kimhsiao/tourneysync/internal/telemetry"
)

// statusReport is the status command's output.
type statusReport struct {
	DeviceID string             `json:"device_id"`
	Status   *models.SyncStatus `json:"status"`
	Queue    *models.QueueStats `json:"queue,omitempty"`
	Cache    *models.CacheStats `json:"cache,omitempty"`
}

func (c *cli) statusCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and conflict status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				status, err := e.orch.GetSyncStatus(ctx)
				if err != nil {
					return err
				}
				report := statusReport{DeviceID: e.orch.Sessions().DeviceID(), Status: status}
				if verbose {
					qs, err := e.orch.Queue().Stats(ctx)
					if err != nil {
						return err
					}
					cs, err := e.orch.Cache().Stats(ctx)
					if err != nil {
						return err
					}
					report.Queue, report.Cache = &qs, &cs
				}
				return c.emit(cmd, report, func(w io.Writer) { printStatus(w, report) })
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include queue and cache breakdowns")
	return cmd
}

func printStatus(w io.Writer, r statusReport) {
	s := r.Status
	t := newTable(w)
	fmt.Fprintf(t, "device:\t%s\n", r.DeviceID)
	fmt.Fprintf(t, "state:\t%s\n", s.State)
	online := "offline"
	if s.IsOnline {
		online = "online"
	}
	fmt.Fprintf(t, "connectivity:\t%s\n", online)
	if s.OfflineStartTime != nil {
		fmt.Fprintf(t, "offline since:\t%s\n", formatTime(s.OfflineStartTime))
	}
	if s.OfflineTimeRemaining != nil {
		fmt.Fprintf(t, "offline time left:\t%s\n", s.OfflineTimeRemaining.Round(time.Second))
	}
	if !s.CanOperateOffline {
		fmt.Fprintf(t, "writes:\tblocked until reconnected\n")
	}
	fmt.Fprintf(t, "last sync:\t%s\n", formatTime(s.LastSyncTime))
	fmt.Fprintf(t, "pending operations:\t%d\n", s.PendingOperationCount)
	fmt.Fprintf(t, "open conflicts:\t%d\n", s.ConflictCount)
	fmt.Fprintf(t, "dead letters:\t%d\n", s.DeadLetterCount)
	fmt.Fprintf(t, "cache size:\t%s\n", formatBytes(s.CacheSizeBytes))
	if r.Queue != nil {
		fmt.Fprintf(t, "queue:\t%d pending, %d sending, %d failed\n", r.Queue.Pending, r.Queue.Sending, r.Queue.Failed)
	}
	if r.Cache != nil {
		fmt.Fprintf(t, "cached documents:\t%d (%d dirty)\n", r.Cache.DocumentCount, r.Cache.DirtyCount)
	}
	t.Flush()
}

// syncReport is the sync command's output.
type syncReport struct {
	Result  *models.SyncResult  `json:"result"`
	Metrics *telemetry.Snapshot `json:"metrics,omitempty"`
}

func (c *cli) syncCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Push queued operations to the remote store and pull remote changes.

Rejected pushes are recorded as conflicts; use "tourneysync conflicts list"
to review them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine) error {
				res, err := e.orch.ForceSync(ctx)
				if res == nil {
					return err
				}
				report := syncReport{Result: res}
				if verbose {
					snap := e.orch.Metrics().Snapshot()
					report.Metrics = &snap
				}
				if emitErr := c.emit(cmd, report, func(w io.Writer) { printSync(w, report) }); emitErr != nil {
					return emitErr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include engine metrics")
	return cmd
}

func printSync(w io.Writer, r syncReport) {
	res := r.Result
	fmt.Fprintf(w, "pushed %d, pulled %d, conflicts %d, retried %d, dead-lettered %d, discarded %d in %s\n",
		res.Pushed, res.Pulled, res.Conflicts, res.Retried, res.DeadLettered, res.Discarded, res.Duration.Round(time.Millisecond))
	if res.Interrupted {
		fmt.Fprintln(w, "cycle interrupted; remaining operations stay queued")
	}
	if r.Metrics == nil {
		return
	}
	t := newTable(w)
	for _, name := range r.Metrics.Names() {
		if n, ok := r.Metrics.Counters[name]; ok {
			fmt.Fprintf(t, "%s\t%d\n", name, n)
		}
		if stat, ok := r.Metrics.Timings[name]; ok {
			fmt.Fprintf(t, "%s\tn=%d mean=%s max=%s\n", name, stat.Count, stat.Mean(), stat.Max)
		}
	}
	t.Flush()
}

func (c *cli) watchCmd() *cobra.Command {
	var eventsListen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync loop until interrupted",
		Long: `Run the sync loop: probe connectivity, sync on a timer and on remote
change notifications, and report conflicts and offline warnings as they
happen.

With --events-listen, sync and conflict events are also broadcast to
websocket clients so a local UI can follow along.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withEngine(ctx, func(e *engine) error {
				return c.watch(ctx, cmd.OutOrStdout(), e, eventsListen)
			})
		},
	}
	cmd.Flags().StringVar(&eventsListen, "events-listen", "", "serve sync events over websocket on this address")
	return cmd
}

func (c *cli) watch(ctx context.Context, out io.Writer, e *engine, eventsListen string) error {
	o := e.orch
	defer o.OnConflictDetected(func(rec *models.ConflictRecord) {
		fmt.Fprintf(out, "conflict %s on %s/%s: %s (%s)\n", rec.ConflictID, rec.Collection, rec.DocumentID, rec.Type, rec.Severity)
	})()
	defer o.OnOfflineWarning(func(ev offline.Event) {
		switch ev.Kind {
		case offline.EventWarning:
			fmt.Fprintf(out, "offline for %s; %s left before writes are blocked\n",
				ev.OfflineFor.Round(time.Second), ev.Remaining.Round(time.Second))
		case offline.EventExceeded:
			fmt.Fprintf(out, "offline limit reached after %s; reconnect to keep editing\n", ev.OfflineFor.Round(time.Second))
		}
	})()
	defer o.OnError(func(se tsync.SyncError) {
		fmt.Fprintf(out, "error %s on %s/%s: %v\n", se.Code, se.Collection, se.DocumentID, se)
	})()

	g, gctx := errgroup.WithContext(ctx)
	if eventsListen != "" {
		hub := relay.NewHub(c.cfg.Relay.AllowedOrigins...)
		defer o.OnSyncComplete(func(res models.SyncResult) {
			hub.Broadcast(relay.TypeSyncCompleted, map[string]interface{}{
				"pushed": res.Pushed, "pulled": res.Pulled, "conflicts": res.Conflicts,
				"interrupted": res.Interrupted, "error": res.Error,
			})
		})()
		defer o.OnConflictDetected(func(rec *models.ConflictRecord) {
			hub.Broadcast(relay.TypeConflict, map[string]interface{}{
				"conflict_id": rec.ConflictID, "collection": rec.Collection, "document_id": rec.DocumentID,
				"type": string(rec.Type), "severity": string(rec.Severity),
			})
		})()
		g.Go(func() error { return serve(gctx, eventsListen, hub) })
	}

	g.Go(func() error {
		o.Monitor().Run(gctx, e.prober, c.cfg.Connectivity.ProbeInterval)
		return nil
	})
	g.Go(func() error { return o.Run(gctx) })

	fmt.Fprintf(out, "watching as device %s (ctrl-c to stop)\n", o.Sessions().DeviceID())
	return g.Wait()
}

// serve runs handler on addr until ctx is done.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info("listening", map[string]interface{}{"addr": addr})

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
