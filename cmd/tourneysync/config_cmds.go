package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/tourneysync/internal/config"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/remote"
	"github.com/kimhsiao/tourneysync/internal/remote/postgres"
	"github.com/kimhsiao/tourneysync/internal/remote/relay"
	"github.com/kimhsiao/tourneysync/internal/secrets"
)

// configFile is where `config init` writes and where Load looks by default.
func (c *cli) configFile() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.cfg.DataDir, config.FileName)
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configFile()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default()
			cfg.DataDir = c.cfg.DataDir
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.jsonOut {
				return c.emit(cmd, c.cfg, nil)
			}
			data, err := yaml.Marshal(c.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	sealCmd := &cobra.Command{
		Use:   "seal <value>",
		Short: "Encrypt a credential for the config file",
		Long: `Encrypt a credential with this installation's key. Paste the output into
remote.dsn, archive.s3.access_key or archive.s3.secret_key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.LoadOrCreateKey(c.cfg.DataDir)
			if err != nil {
				return err
			}
			sealed, err := secrets.Seal(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, sealCmd)
	return cmd
}

func (c *cli) relayCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward remote change notifications to devices over websocket",
		Long: `Listen for changes on the postgres remote store and forward them to
connected devices, so they sync right away instead of on their next poll.
Devices point remote.relay_url at ws://<listen>/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Remote.Driver != config.DriverPostgres {
				return fmt.Errorf("relay needs the postgres remote driver, configured driver is %q", c.cfg.Remote.Driver)
			}
			if listen == "" {
				listen = c.cfg.Relay.Listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := postgres.New(c.cfg.Remote.DSN, c.cfg.Remote.TablePrefix)
			if err != nil {
				return err
			}
			defer store.Close()
			return runRelay(ctx, store, listen, c.cfg.Relay.AllowedOrigins)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

// runRelay feeds every change from source into a hub served on listen.
func runRelay(ctx context.Context, source remote.Subscriber, listen string, origins []string) error {
	hub := relay.NewHub(origins...)
	unsubscribe, err := source.Subscribe(ctx, hub.PublishChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to remote changes: %w", err)
	}
	defer unsubscribe()

	logging.Info("relay started", map[string]interface{}{"listen": listen})
	return serve(ctx, listen, hub)
}
