package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Backend selects the remote storage implementation
type Backend string

const (
	BackendPCloud Backend = "pcloud"
	BackendS3     Backend = "s3"
)

// Config represents the complete cloudinv configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Paths   PathsConfig   `yaml:"paths"`
	Store   StoreConfig   `yaml:"store"`
	Mail    MailConfig    `yaml:"mail"`
	Sync    SyncConfig    `yaml:"sync"`
	Report  ReportConfig  `yaml:"report"`
	Metrics MetricsConfig `yaml:"metrics"`
	Serve   ServeConfig   `yaml:"serve"`
}

// RemoteConfig configures the remote account
type RemoteConfig struct {
	Backend Backend      `yaml:"backend"`
	PCloud  PCloudConfig `yaml:"pcloud"`
	S3      S3Config     `yaml:"s3"`
}

// PCloudConfig configures the pCloud API client
type PCloudConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Username          string        `yaml:"username"`
	PasswordFile      string        `yaml:"password_file"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

// S3Config configures an S3-compatible bucket
type S3Config struct {
	Endpoint      string `yaml:"endpoint"`
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	AccessKey     string `yaml:"access_key"`
	SecretKeyFile string `yaml:"secret_key_file"`
	PathStyle     bool   `yaml:"path_style"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DataDir   string `yaml:"data_dir"`
	ReportDir string `yaml:"report_dir"`
}

// StoreConfig configures the observation database
type StoreConfig struct {
	// DSN is a SQLite file path or a postgres:// URL
	DSN string `yaml:"dsn"`
	// RecordSnapshots also stores every captured snapshot as an observation
	RecordSnapshots bool `yaml:"record_snapshots"`
}

// MailConfig configures report mails
type MailConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	User         string   `yaml:"user"`
	PasswordFile string   `yaml:"password_file"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
}

// SyncConfig configures local comparison and sync
type SyncConfig struct {
	SourceDir   string   `yaml:"source_dir"`
	TargetDir   string   `yaml:"target_dir"`
	Concurrency int      `yaml:"concurrency"`
	Exclude     []string `yaml:"exclude"`
	SkipHidden  bool     `yaml:"skip_hidden"`
}

// ReportConfig configures report rendering
type ReportConfig struct {
	SubjectPrefix string `yaml:"subject_prefix"`
	Plain         bool   `yaml:"plain"`
	Name          string `yaml:"name"`
}

// MetricsConfig configures metric export for one-shot commands
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServeConfig configures the daemon
type ServeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	TriggerSecretFile string        `yaml:"trigger_secret_file"`
	Interval          time.Duration `yaml:"interval"`
	Debounce          time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.PCloud.BaseURL = os.ExpandEnv(c.Remote.PCloud.BaseURL)
	c.Remote.PCloud.Username = os.ExpandEnv(c.Remote.PCloud.Username)
	c.Remote.PCloud.PasswordFile = os.ExpandEnv(c.Remote.PCloud.PasswordFile)
	c.Remote.S3.Endpoint = os.ExpandEnv(c.Remote.S3.Endpoint)
	c.Remote.S3.Region = os.ExpandEnv(c.Remote.S3.Region)
	c.Remote.S3.Bucket = os.ExpandEnv(c.Remote.S3.Bucket)
	c.Remote.S3.Prefix = os.ExpandEnv(c.Remote.S3.Prefix)
	c.Remote.S3.AccessKey = os.ExpandEnv(c.Remote.S3.AccessKey)
	c.Remote.S3.SecretKeyFile = os.ExpandEnv(c.Remote.S3.SecretKeyFile)
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Paths.ReportDir = os.ExpandEnv(c.Paths.ReportDir)
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
	c.Mail.Host = os.ExpandEnv(c.Mail.Host)
	c.Mail.User = os.ExpandEnv(c.Mail.User)
	c.Mail.PasswordFile = os.ExpandEnv(c.Mail.PasswordFile)
	c.Mail.From = os.ExpandEnv(c.Mail.From)
	for i := range c.Mail.To {
		c.Mail.To[i] = os.ExpandEnv(c.Mail.To[i])
	}
	c.Sync.SourceDir = os.ExpandEnv(c.Sync.SourceDir)
	c.Sync.TargetDir = os.ExpandEnv(c.Sync.TargetDir)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.TriggerSecretFile = os.ExpandEnv(c.Serve.TriggerSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Backend == "" {
		c.Remote.Backend = BackendPCloud
	}
	if c.Remote.PCloud.BaseURL == "" {
		c.Remote.PCloud.BaseURL = "https://eapi.pcloud.com/"
	}
	if c.Remote.PCloud.Timeout == 0 {
		c.Remote.PCloud.Timeout = 5 * time.Minute
	}
	if c.Paths.ReportDir == "" {
		c.Paths.ReportDir = c.Paths.DataDir
	}
	if c.Store.DSN == "" && c.Paths.DataDir != "" {
		c.Store.DSN = filepath.Join(c.Paths.DataDir, "cloudinv.db")
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Report.SubjectPrefix == "" {
		c.Report.SubjectPrefix = "PCloud"
	}
	if c.Report.Name == "" {
		c.Report.Name = "report.html"
	}
	if c.Serve.Interval == 0 {
		c.Serve.Interval = 24 * time.Hour
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 2 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be an absolute path: %s", c.Paths.DataDir)
	}
	if c.Paths.ReportDir != "" && !filepath.IsAbs(c.Paths.ReportDir) {
		return fmt.Errorf("paths.report_dir must be an absolute path: %s", c.Paths.ReportDir)
	}

	// Validate remote
	switch c.Remote.Backend {
	case BackendPCloud:
		if c.Remote.PCloud.Username == "" {
			return fmt.Errorf("remote.pcloud.username is required")
		}
		if c.Remote.PCloud.PasswordFile == "" {
			return fmt.Errorf("remote.pcloud.password_file is required")
		}
		if c.Remote.PCloud.RequestsPerSecond < 0 {
			return fmt.Errorf("remote.pcloud.requests_per_second must not be negative")
		}
	case BackendS3:
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("remote.s3.bucket is required")
		}
		if c.Remote.S3.Region == "" {
			return fmt.Errorf("remote.s3.region is required")
		}
		if (c.Remote.S3.AccessKey == "") != (c.Remote.S3.SecretKeyFile == "") {
			return fmt.Errorf("remote.s3: access_key and secret_key_file must be set together")
		}
	default:
		return fmt.Errorf("invalid remote.backend: %s (must be pcloud or s3)", c.Remote.Backend)
	}

	// Validate sync
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	for _, pattern := range c.Sync.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid sync.exclude pattern: %s", pattern)
		}
	}
	if c.Sync.SourceDir != "" && !strings.HasPrefix(c.Sync.SourceDir, "/") {
		return fmt.Errorf("sync.source_dir must be an absolute remote path: %s", c.Sync.SourceDir)
	}
	if c.Sync.TargetDir != "" && !filepath.IsAbs(c.Sync.TargetDir) {
		return fmt.Errorf("sync.target_dir must be an absolute path: %s", c.Sync.TargetDir)
	}

	// Validate mail if enabled
	if c.Mail.Enabled {
		if c.Mail.Host == "" {
			return fmt.Errorf("mail.host is required when mail is enabled")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail.from is required when mail is enabled")
		}
		if len(c.Mail.To) == 0 {
			return fmt.Errorf("mail.to needs at least one recipient when mail is enabled")
		}
		if c.Mail.User != "" && c.Mail.PasswordFile == "" {
			return fmt.Errorf("mail.password_file is required when mail.user is set")
		}
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.TriggerSecretFile == "" {
			return fmt.Errorf("serve.trigger_secret_file is required when serve is enabled")
		}
		if c.Serve.Interval < time.Minute {
			return fmt.Errorf("serve.interval must be at least 1m: %s", c.Serve.Interval)
		}
	}

	return nil
}

// SnapshotDir returns where snapshot artifacts are kept
func (c *Config) SnapshotDir() string {
	return c.Paths.DataDir
}

// StateFilePath returns the path to the run state file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.DataDir, "state.json")
}

// ReportPath returns the file compare and sync reports are written to
func (c *Config) ReportPath() string {
	return filepath.Join(c.Paths.ReportDir, c.Report.Name)
}

// ReadSecret reads a secret file and trims surrounding whitespace
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
