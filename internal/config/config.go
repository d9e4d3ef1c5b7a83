// Package config loads engine settings from a YAML file and TOURNEYSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/tourneysync/internal/archive/s3"
	"github.com/kimhsiao/tourneysync/internal/connectivity"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/offline"
	"github.com/kimhsiao/tourneysync/internal/secrets"
	"github.com/kimhsiao/tourneysync/internal/session"
	"github.com/kimhsiao/tourneysync/internal/sync/conflict"
	"github.com/kimhsiao/tourneysync/internal/sync/queue"
)

// EnvPrefix is prepended to every environment override, e.g.
// TOURNEYSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "TOURNEYSYNC"

// FileName is the config file looked up in the data directory.
const FileName = "tourneysync.yaml"

// Remote drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the full engine configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	DeviceID string `mapstructure:"device_id" yaml:"device_id,omitempty"`

	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Offline      OfflineConfig      `mapstructure:"offline" yaml:"offline"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Conflict     ConflictConfig     `mapstructure:"conflict" yaml:"conflict"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Relay        RelayConfig        `mapstructure:"relay" yaml:"relay"`
	Archive      ArchiveConfig      `mapstructure:"archive" yaml:"archive"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// SyncConfig tunes the drain loop and retry policy.
type SyncConfig struct {
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	Parallelism  int           `mapstructure:"parallelism" yaml:"parallelism"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PushTimeout  time.Duration `mapstructure:"push_timeout" yaml:"push_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	Collections  []string      `mapstructure:"collections" yaml:"collections"`
}

// OfflineConfig bounds how long the device may work disconnected.
type OfflineConfig struct {
	MaxDuration      time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	WarningThreshold float64       `mapstructure:"warning_threshold" yaml:"warning_threshold"`
}

// ConnectivityConfig controls reachability probing.
type ConnectivityConfig struct {
	SettleWindow  time.Duration `mapstructure:"settle_window" yaml:"settle_window"`
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url,omitempty"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// ConflictConfig tunes classification and retention.
type ConflictConfig struct {
	ClockSkewTolerance time.Duration       `mapstructure:"clock_skew_tolerance" yaml:"clock_skew_tolerance"`
	LockedFields       map[string][]string `mapstructure:"locked_fields" yaml:"locked_fields"`
	RetainResolved     time.Duration       `mapstructure:"retain_resolved" yaml:"retain_resolved"`
}

// CacheConfig bounds local storage.
type CacheConfig struct {
	MaxSizeBytes int64 `mapstructure:"max_size_bytes" yaml:"max_size_bytes"`
}

// SessionConfig controls device sessions and access codes.
type SessionConfig struct {
	TTL                time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CodeLength         int           `mapstructure:"code_length" yaml:"code_length"`
	ClockCheckInterval time.Duration `mapstructure:"clock_check_interval" yaml:"clock_check_interval"`
}

// RemoteConfig selects the remote document store.
type RemoteConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	DSN         string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	TablePrefix string `mapstructure:"table_prefix" yaml:"table_prefix"`
	// RelayURL is the websocket endpoint pushing change notifications. Polling
	// is the only trigger when it is empty.
	RelayURL string `mapstructure:"relay_url" yaml:"relay_url,omitempty"`
}

// RelayConfig configures the `relay` command.
type RelayConfig struct {
	Listen         string   `mapstructure:"listen" yaml:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
}

// ArchiveConfig mirrors dead letters and pruned conflicts to a bucket.
type ArchiveConfig struct {
	S3Enabled bool      `mapstructure:"s3_enabled" yaml:"s3_enabled"`
	S3        s3.Config `mapstructure:"s3" yaml:"s3"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sync: SyncConfig{
			BatchSize:    50,
			Parallelism:  4,
			PollInterval: 5 * time.Second,
			PushTimeout:  10 * time.Second,
			MaxRetries:   5,
			BackoffBase:  2 * time.Second,
			BackoffMax:   5 * time.Minute,
			Collections:  []string{"tournaments", "matches", "brackets", "players"},
		},
		Offline: OfflineConfig{
			MaxDuration:      24 * time.Hour,
			WarningThreshold: 0.25,
		},
		Connectivity: ConnectivityConfig{
			SettleWindow:  time.Second,
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Conflict: ConflictConfig{
			ClockSkewTolerance: conflict.DefaultClockSkewTolerance,
			LockedFields: map[string][]string{
				"matches": {"playerA", "playerB", "refereeId", "round"},
			},
			RetainResolved: 30 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			MaxSizeBytes: 256 << 20,
		},
		Session: SessionConfig{
			TTL:                12 * time.Hour,
			CodeLength:         6,
			ClockCheckInterval: 10 * time.Minute,
		},
		Remote: RemoteConfig{
			Driver:      DriverMemory,
			TablePrefix: "tourneysync",
		},
		Relay: RelayConfig{
			Listen: "127.0.0.1:8787",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tourneysync"
	}
	return filepath.Join(home, ".tourneysync")
}

// setDefaults registers every key so environment overrides apply even when
// no file sets them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("device_id", d.DeviceID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.parallelism", d.Sync.Parallelism)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("sync.push_timeout", d.Sync.PushTimeout)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.backoff_base", d.Sync.BackoffBase)
	v.SetDefault("sync.backoff_max", d.Sync.BackoffMax)
	v.SetDefault("sync.collections", d.Sync.Collections)

	v.SetDefault("offline.max_duration", d.Offline.MaxDuration)
	v.SetDefault("offline.warning_threshold", d.Offline.WarningThreshold)

	v.SetDefault("connectivity.settle_window", d.Connectivity.SettleWindow)
	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)

	v.SetDefault("conflict.clock_skew_tolerance", d.Conflict.ClockSkewTolerance)
	v.SetDefault("conflict.locked_fields", d.Conflict.LockedFields)
	v.SetDefault("conflict.retain_resolved", d.Conflict.RetainResolved)

	v.SetDefault("cache.max_size_bytes", d.Cache.MaxSizeBytes)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.code_length", d.Session.CodeLength)
	v.SetDefault("session.clock_check_interval", d.Session.ClockCheckInterval)

	v.SetDefault("remote.driver", d.Remote.Driver)
	v.SetDefault("remote.dsn", d.Remote.DSN)
	v.SetDefault("remote.table_prefix", d.Remote.TablePrefix)
	v.SetDefault("remote.relay_url", d.Remote.RelayURL)

	v.SetDefault("relay.listen", d.Relay.Listen)
	v.SetDefault("relay.allowed_origins", d.Relay.AllowedOrigins)

	v.SetDefault("archive.s3_enabled", d.Archive.S3Enabled)
	v.SetDefault("archive.s3.provider", string(d.Archive.S3.Provider))
	v.SetDefault("archive.s3.bucket", d.Archive.S3.Bucket)
	v.SetDefault("archive.s3.region", d.Archive.S3.Region)
	v.SetDefault("archive.s3.endpoint", d.Archive.S3.Endpoint)
	v.SetDefault("archive.s3.account_id", d.Archive.S3.AccountID)
	v.SetDefault("archive.s3.access_key", d.Archive.S3.AccessKey)
	v.SetDefault("archive.s3.secret_key", d.Archive.S3.SecretKey)
	v.SetDefault("archive.s3.prefix", d.Archive.S3.Prefix)
	v.SetDefault("archive.s3.use_ssl", d.Archive.S3.UseSSL)
}

// Load reads configuration. An explicit path must exist; without one,
// FileName is looked up in dataDir (or the default data directory) and a
// missing file falls back to defaults. Environment variables override both.
func Load(path, dataDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSecrets decrypts sealed credentials with the key in the data
// directory.
func (c *Config) openSecrets() error {
	fields := map[string]*string{
		"remote.dsn":            &c.Remote.DSN,
		"archive.s3.access_key": &c.Archive.S3.AccessKey,
		"archive.s3.secret_key": &c.Archive.S3.SecretKey,
	}
	var (
		key    secrets.Key
		loaded bool
	)
	for name, field := range fields {
		if !secrets.IsSealed(*field) {
			continue
		}
		if !loaded {
			k, err := secrets.LoadKey(c.DataDir)
			if err != nil {
				return fmt.Errorf("%s is sealed but the key cannot be read: %w", name, err)
			}
			key, loaded = k, true
		}
		plain, err := secrets.Open(*field, key)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// Validate clamps out-of-range tunables back to their defaults and rejects
// settings that cannot be repaired.
func (c *Config) Validate() error {
	d := Default()

	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = d.Sync.BatchSize
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = d.Sync.Parallelism
	}
	if c.Sync.PollInterval < time.Second {
		c.Sync.PollInterval = d.Sync.PollInterval
	}
	if c.Sync.PushTimeout <= 0 {
		c.Sync.PushTimeout = d.Sync.PushTimeout
	}
	if c.Sync.MaxRetries < 0 {
		c.Sync.MaxRetries = d.Sync.MaxRetries
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = d.Sync.BackoffBase
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		c.Sync.BackoffMax = c.Sync.BackoffBase
	}
	if len(c.Sync.Collections) == 0 {
		c.Sync.Collections = d.Sync.Collections
	}
	if c.Offline.MaxDuration <= 0 {
		c.Offline.MaxDuration = d.Offline.MaxDuration
	}
	if c.Offline.WarningThreshold <= 0 || c.Offline.WarningThreshold >= 1 {
		c.Offline.WarningThreshold = d.Offline.WarningThreshold
	}
	if c.Connectivity.SettleWindow < connectivity.MinSettleWindow {
		c.Connectivity.SettleWindow = connectivity.MinSettleWindow
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = d.Connectivity.ProbeInterval
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = d.Connectivity.ProbeTimeout
	}
	if c.Conflict.ClockSkewTolerance <= 0 {
		c.Conflict.ClockSkewTolerance = d.Conflict.ClockSkewTolerance
	}
	if c.Cache.MaxSizeBytes < 0 {
		c.Cache.MaxSizeBytes = 0
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = d.Session.TTL
	}
	if c.Session.CodeLength < session.MinCodeLength {
		c.Session.CodeLength = session.MinCodeLength
	}
	if c.Session.CodeLength > session.MaxCodeLength {
		c.Session.CodeLength = session.MaxCodeLength
	}

	switch c.Remote.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for the %s driver", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown remote driver %q", c.Remote.Driver)
	}
	if c.Archive.S3Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive.s3_enabled is set")
	}
	return nil
}

// Write renders c as YAML at path, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LogOptions maps the log section onto logging.Options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Log.Level),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// QueueConfig maps the retry policy onto queue.Config.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxRetries:  c.Sync.MaxRetries,
		BackoffBase: c.Sync.BackoffBase,
		BackoffMax:  c.Sync.BackoffMax,
	}
}

// OfflineOptions maps the offline section onto offline.Options.
func (c *Config) OfflineOptions() offline.Options {
	return offline.Options{
		MaxDuration:      c.Offline.MaxDuration,
		WarningThreshold: c.Offline.WarningThreshold,
	}
}

// MonitorOptions maps the connectivity section onto connectivity.Options.
func (c *Config) MonitorOptions() connectivity.Options {
	return connectivity.Options{SettleWindow: c.Connectivity.SettleWindow}
}

// DetectorConfig maps conflict tunables onto conflict.Config.
func (c *Config) DetectorConfig() conflict.Config {
	return conflict.Config{
		MaxOfflineDuration: c.Offline.MaxDuration,
		ClockSkewTolerance: c.Conflict.ClockSkewTolerance,
		LockedFields:       c.Conflict.LockedFields,
	}
}

// SessionOptions maps the session section onto session.Options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		SessionTTL: c.Session.TTL,
		CodeLength: c.Session.CodeLength,
	}
}
