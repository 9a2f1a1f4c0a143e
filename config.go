package advancedcache

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/always-cache/advanced-cache/pkg/rules"
	"github.com/always-cache/advanced-cache/pkg/storename"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FileConfig is the yaml configuration file.
type FileConfig struct {
	App                 string        `yaml:"app"`
	Version             string        `yaml:"version"`
	Retention           time.Duration `yaml:"retention"`
	SweepSchedule       string        `yaml:"sweepSchedule"`
	MetricsSyncInterval time.Duration `yaml:"metricsSyncInterval"`
	Origin              string        `yaml:"origin"`
	// Host header and TLS server name for the origin.
	Host  string      `yaml:"host"`
	Rules rules.Rules `yaml:"rules"`
}

func ReadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("%s: %w", filename, err)
	}
	return config, config.Validate()
}

func (c FileConfig) Validate() error {
	if c.Version != "" {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", c.Version, err)
		}
		if err := storename.CheckVersion(v); err != nil {
			return err
		}
	}
	if c.Retention < 0 {
		return fmt.Errorf("negative retention %s", c.Retention)
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.SweepSchedule, err)
		}
	}
	if c.Origin != "" {
		if u, err := url.Parse(c.Origin); err != nil || !u.IsAbs() {
			return fmt.Errorf("invalid origin %q", c.Origin)
		}
	}
	return c.Rules.Validate()
}

// OriginURL returns the parsed origin, if one is configured.
func (c FileConfig) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, nil
	}
	return url.Parse(c.Origin)
}

// ManagerConfig converts the file configuration into a manager configuration.
// Provider, fetcher and logger are left for the caller to fill in.
func (c FileConfig) ManagerConfig() (Config, error) {
	config := Config{
		App:                 c.App,
		Retention:           c.Retention,
		SweepSchedule:       c.SweepSchedule,
		MetricsSyncInterval: c.MetricsSyncInterval,
		Rules:               c.Rules,
	}
	if c.Version != "" {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return config, err
		}
		if err := storename.CheckVersion(v); err != nil {
			return config, err
		}
		config.Version = v
	}
	return config, nil
}
