// Package config loads harvester settings from a YAML file, .env files and
// JOE_ prefixed environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

const (
	EnvPrefix = "JOE"
	FileName  = ".joe-harvester"
)

// Config holds every recognised option.
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	StagingDir   string `mapstructure:"staging_dir"`
	CanonicalDir string `mapstructure:"canonical_dir"`
	ArchiveDir   string `mapstructure:"archive_dir"`
	SnapshotPath string `mapstructure:"snapshot_path"`
	LedgerPath   string `mapstructure:"ledger_path"`

	BaseURL string `mapstructure:"base_url"`
	// RemoteURL connects to an already running browser instead of
	// launching one.
	RemoteURL string `mapstructure:"remote_url"`
	Headless  bool   `mapstructure:"headless"`

	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Retries         int           `mapstructure:"retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`

	RegressionTolerance float64 `mapstructure:"regression_tolerance"`
	MinRecords          int     `mapstructure:"min_records"`

	PublishCommand string   `mapstructure:"publish_command"`
	Sections       []string `mapstructure:"sections"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// SetDefaults registers the defaults on v. Every key must have a default
// for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "joe_data")
	v.SetDefault("staging_dir", "")
	v.SetDefault("canonical_dir", "")
	v.SetDefault("archive_dir", "")
	v.SetDefault("snapshot_path", "")
	v.SetDefault("ledger_path", "")
	v.SetDefault("base_url", "https://www.aeaweb.org/joe/listings")
	v.SetDefault("remote_url", "")
	v.SetDefault("headless", true)
	v.SetDefault("download_timeout", 60*time.Second)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("retries", 3)
	v.SetDefault("retry_backoff", 5*time.Second)
	v.SetDefault("regression_tolerance", 0.10)
	v.SetDefault("min_records", 1)
	v.SetDefault("publish_command", "")
	v.SetDefault("sections", []string{"1", "5"})
}

// Load reads configuration into a Config. cfgFile may be empty, in which
// case $HOME/.joe-harvester.yaml is used when present. envFiles default to
// .env in the working directory; missing env files are ignored.
func Load(v *viper.Viper, cfgFile string, envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName(FileName)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, eris.Wrap(err, "config: decode")
	}
	cfg.File = v.ConfigFileUsed()
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) derive() {
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(c.DataDir, "scraped", "temp")
	}
	if c.CanonicalDir == "" {
		c.CanonicalDir = filepath.Join(c.DataDir, "scraped")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.DataDir, "archive")
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = filepath.Join(c.DataDir, "combined_listings.csv")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, "runs.db")
	}
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var problems []string
	if c.BaseURL == "" {
		problems = append(problems, "base_url is empty")
	}
	if c.DownloadTimeout <= 0 {
		problems = append(problems, "download_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll_interval must be positive")
	}
	if c.Retries < 0 {
		problems = append(problems, "retries must not be negative")
	}
	if c.RetryBackoff < 0 {
		problems = append(problems, "retry_backoff must not be negative")
	}
	if c.RegressionTolerance < 0 || c.RegressionTolerance > 1 {
		problems = append(problems, "regression_tolerance must be within [0,1]")
	}
	if c.MinRecords < 0 {
		problems = append(problems, "min_records must not be negative")
	}
	if len(c.Sections) == 0 {
		problems = append(problems, "sections is empty")
	}
	for _, s := range c.Sections {
		if _, ok := listing.Sections[s]; !ok && s != listing.AllSections {
			problems = append(problems, fmt.Sprintf("unknown section %q", s))
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
