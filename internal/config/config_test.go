package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(viper.New(), "", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "joe_data", cfg.DataDir)
	assert.Equal(t, filepath.Join("joe_data", "scraped", "temp"), cfg.StagingDir)
	assert.Equal(t, filepath.Join("joe_data", "scraped"), cfg.CanonicalDir)
	assert.Equal(t, filepath.Join("joe_data", "archive"), cfg.ArchiveDir)
	assert.Equal(t, filepath.Join("joe_data", "combined_listings.csv"), cfg.SnapshotPath)
	assert.Equal(t, filepath.Join("joe_data", "runs.db"), cfg.LedgerPath)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 60*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 5*time.Second, cfg.RetryBackoff)
	assert.InDelta(t, 0.10, cfg.RegressionTolerance, 1e-9)
	assert.Equal(t, 1, cfg.MinRecords)
	assert.Equal(t, []string{"1", "5"}, cfg.Sections)
	assert.Empty(t, cfg.File)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "harvester.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
data_dir: /srv/joe
download_timeout: 90s
retries: 5
sections: ["1", "2", "all"]
snapshot_path: /srv/site/data.csv
`), 0o644))
	t.Setenv("JOE_RETRIES", "1")
	t.Setenv("JOE_HEADLESS", "false")

	cfg, err := Load(viper.New(), file, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, file, cfg.File)
	assert.Equal(t, "/srv/joe", cfg.DataDir)
	assert.Equal(t, "/srv/joe/scraped/temp", cfg.StagingDir)
	assert.Equal(t, "/srv/site/data.csv", cfg.SnapshotPath)
	assert.Equal(t, 90*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, 1, cfg.Retries, "environment wins over the file")
	assert.False(t, cfg.Headless)
	assert.Equal(t, []string{"1", "2", "all"}, cfg.Sections)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("JOE_PUBLISH_COMMAND=python3 generate_site.py\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("JOE_PUBLISH_COMMAND") })

	cfg, err := Load(viper.New(), "", env)
	require.NoError(t, err)
	assert.Equal(t, "python3 generate_site.py", cfg.PublishCommand)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(viper.New(), filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			BaseURL:             "https://example.test/joe/listings",
			DownloadTimeout:     time.Minute,
			PollInterval:        time.Second,
			Retries:             3,
			RetryBackoff:        time.Second,
			RegressionTolerance: 0.1,
			MinRecords:          1,
			Sections:            []string{"1"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "tolerance above one", mutate: func(c *Config) { c.RegressionTolerance = 1.5 }, want: "regression_tolerance"},
		{name: "negative retries", mutate: func(c *Config) { c.Retries = -1 }, want: "retries"},
		{name: "zero timeout", mutate: func(c *Config) { c.DownloadTimeout = 0 }, want: "download_timeout"},
		{name: "unknown section", mutate: func(c *Config) { c.Sections = []string{"3"} }, want: `unknown section "3"`},
		{name: "no sections", mutate: func(c *Config) { c.Sections = nil }, want: "sections is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
