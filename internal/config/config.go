// Package config provides YAML-based configuration loading for Conductor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Conductor configuration, loaded from config.yaml.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	DB      DBConfig      `yaml:"db"`
	Workers WorkerConfig  `yaml:"workers"`
	GitHub  GitHubConfig  `yaml:"github"`
	Notify  NotifyConfig  `yaml:"notify"`
	Rollout RolloutConfig `yaml:"rollout"`
	Trains  []TrainConfig `yaml:"trains"`
}

// RolloutConfig controls Play Store staged rollouts. An empty stage list
// means uploads release fully in one step.
type RolloutConfig struct {
	Stages        []float64 `yaml:"stages"`         // ascending percentages, e.g. [1, 10, 50]
	StageInterval Duration  `yaml:"stage_interval"` // dwell time between stages
}

// HTTPConfig holds settings for the inbound webhook server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
}

// Duration wraps time.Duration so YAML values like "5m" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// WorkerConfig controls the background task runner.
type WorkerConfig struct {
	Count        int      `yaml:"count"`
	PollInterval Duration `yaml:"poll_interval"`
	CIInterval   Duration `yaml:"ci_interval"`
	SweepCron    string   `yaml:"sweep_cron"`
	DigestCron   string   `yaml:"digest_cron"`
}

// GitHubConfig holds credentials for the GitHub API collaborator.
type GitHubConfig struct {
	Token string `yaml:"token"`
}

// NotifyConfig holds notifier credentials. Empty sections disable a channel.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot credentials.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// TrainConfig defines one release train: the recurring policy governing how
// releases are cut for an app+platform.
type TrainConfig struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Platform          string   `yaml:"platform"` // ios, android
	Repo              string   `yaml:"repo"`     // owner/name
	VCS               string   `yaml:"vcs"`      // github, gitlab, bitbucket
	CI                string   `yaml:"ci"`       // github, bitrise, codemagic, teamcity, bitbucket, gitlab
	WorkingBranch     string   `yaml:"working_branch"`
	BranchingStrategy string   `yaml:"branching_strategy"` // trunk, release_branch, parallel
	Version           string   `yaml:"version"`
	BumpOnCommit      bool     `yaml:"bump_on_commit"`
	Channels          []string `yaml:"channels"` // firebase, playstore, testflight
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "conductor"
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = Duration(2 * time.Second)
	}
	if c.Workers.CIInterval == 0 {
		c.Workers.CIInterval = Duration(5 * time.Minute)
	}
	if c.Workers.SweepCron == "" {
		c.Workers.SweepCron = "*/10 * * * *"
	}
	for i := range c.Trains {
		if c.Trains[i].WorkingBranch == "" {
			c.Trains[i].WorkingBranch = "main"
		}
		if c.Trains[i].BranchingStrategy == "" {
			c.Trains[i].BranchingStrategy = "release_branch"
		}
		if c.Trains[i].Version == "" {
			c.Trains[i].Version = "0.1.0"
		}
	}
}

var (
	validVCS       = map[string]bool{"github": true, "gitlab": true, "bitbucket": true}
	validCI        = map[string]bool{"github": true, "bitrise": true, "codemagic": true, "teamcity": true, "bitbucket": true, "gitlab": true}
	validChannels  = map[string]bool{"firebase": true, "playstore": true, "testflight": true}
	validStrategy  = map[string]bool{"trunk": true, "release_branch": true, "parallel": true}
	validPlatforms = map[string]bool{"ios": true, "android": true}
)

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Trains) == 0 {
		errs = append(errs, "at least one train is required")
	}
	for i, t := range c.Trains {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("trains[%d].id is required", i))
		}
		if t.Repo == "" {
			errs = append(errs, fmt.Sprintf("trains[%d].repo is required", i))
		}
		if !validVCS[t.VCS] {
			errs = append(errs, fmt.Sprintf("trains[%d].vcs %q is not supported", i, t.VCS))
		}
		if !validCI[t.CI] {
			errs = append(errs, fmt.Sprintf("trains[%d].ci %q is not supported", i, t.CI))
		}
		if !validPlatforms[t.Platform] {
			errs = append(errs, fmt.Sprintf("trains[%d].platform %q is not supported", i, t.Platform))
		}
		if !validStrategy[t.BranchingStrategy] {
			errs = append(errs, fmt.Sprintf("trains[%d].branching_strategy %q is not supported", i, t.BranchingStrategy))
		}
		for _, ch := range t.Channels {
			if !validChannels[ch] {
				errs = append(errs, fmt.Sprintf("trains[%d]: channel %q is not supported", i, ch))
			}
		}
	}
	for i, pct := range c.Rollout.Stages {
		if pct <= 0 || pct > 100 {
			errs = append(errs, fmt.Sprintf("rollout.stages[%d] must be in (0, 100]", i))
		}
		if i > 0 && pct <= c.Rollout.Stages[i-1] {
			errs = append(errs, fmt.Sprintf("rollout.stages[%d] must be greater than the previous stage", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
