// Command tourneysync runs the offline-first sync engine of a tournament
// device: local writes, the sync loop, conflict review, device sessions and
// the change relay.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tourneysync/internal/config"
	"github.com/kimhsiao/tourneysync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the global flags and the configuration loaded from them.
type cli struct {
	configPath   string
	dataDir      string
	assumeOnline bool
	jsonOut      bool

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "tourneysync",
		Short: "Offline-first sync engine for tournament devices",
		Long: `tourneysync keeps a device's tournament data usable without a connection.

Writes land in a local cache and an operation queue, and are pushed to the
remote store when the device is online. Rejected pushes become conflict
records that a referee or organizer resolves explicitly.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logCloser != nil {
				c.logCloser.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default <data-dir>/"+config.FileName+")")
	flags.StringVar(&c.dataDir, "data-dir", "", "directory holding the local database and config")
	flags.BoolVar(&c.assumeOnline, "assume-online", false, "skip reachability probing and treat the remote as reachable")
	flags.BoolVar(&c.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		c.statusCmd(),
		c.syncCmd(),
		c.watchCmd(),
		c.writeCmd(),
		c.getCmd(),
		c.listCmd(),
		c.conflictsCmd(),
		c.sessionCmd(),
		c.codesCmd(),
		c.deadLettersCmd(),
		c.configCmd(),
		c.relayCmd(),
		versionCmd(),
	)
	return root
}

// setup loads the configuration and installs the logger. Logs go to stderr
// unless a log file is configured, so stdout carries only command output.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configPath, c.dataDir)
	if err != nil {
		return err
	}
	c.cfg = cfg

	if cfg.Log.File != "" {
		c.logCloser = logging.Configure(cfg.LogOptions())
	} else {
		logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Log.Level))
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tourneysync v%s\n", Version)
		},
	}
}
