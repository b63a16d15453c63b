// Package config loads the cdathome configuration file (JSON, TOML or YAML) with
// CDATHOME_* environment overrides and turns it into a supervisor.Config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/cdathome/internal/env"
	"github.com/loykin/cdathome/internal/git"
	"github.com/loykin/cdathome/internal/logger"
	"github.com/loykin/cdathome/internal/metrics"
	"github.com/loykin/cdathome/internal/process"
	"github.com/loykin/cdathome/internal/supervisor"
	itls "github.com/loykin/cdathome/internal/tls"
)

const (
	// DefaultServicesDir holds the config file and the checkout.
	DefaultServicesDir = "wehavecdathome"
	DefaultFileName    = "cdathome.conf.json"
	DefaultStartupCmd  = "docker compose up"
	DefaultBranch      = "main"
	DefaultPollPeriod  = 60
	EnvPrefix          = "CDATHOME"
)

// DefaultPath is the config location relative to the working directory.
var DefaultPath = filepath.Join(DefaultServicesDir, DefaultFileName)

// ErrNotConfigured is returned by Load when the config file does not exist.
var ErrNotConfigured = errors.New("configuration not found, run setup first")

// FileConfig is the on-disk configuration.
type FileConfig struct {
	RepoURL    string `json:"repo_url" mapstructure:"repo_url"`
	Branch     string `json:"branch" mapstructure:"branch"`
	PollPeriod int    `json:"poll_period" mapstructure:"poll_period"` // seconds
	StartupCmd string `json:"startup_cmd" mapstructure:"startup_cmd"`

	ServicesDir string `json:"services_dir,omitempty" mapstructure:"services_dir"`
	// RepoDir overrides <services_dir>/<repo name>.
	RepoDir           string `json:"repo_dir,omitempty" mapstructure:"repo_dir"`
	Remote            string `json:"remote,omitempty" mapstructure:"remote"`
	GracePeriod       string `json:"grace_period,omitempty" mapstructure:"grace_period"`
	Cooldown          string `json:"cooldown,omitempty" mapstructure:"cooldown"`
	PollTimeout       string `json:"poll_timeout,omitempty" mapstructure:"poll_timeout"`
	PullBeforeRestart bool   `json:"pull_before_restart,omitempty" mapstructure:"pull_before_restart"`

	Env      []string `json:"env,omitempty" mapstructure:"env"`
	EnvFiles []string `json:"env_files,omitempty" mapstructure:"env_files"`
	UseOSEnv bool     `json:"use_os_env" mapstructure:"use_os_env"`

	WorkloadLog logger.Config          `json:"workload_log" mapstructure:"workload_log"`
	Hooks       process.LifecycleHooks `json:"hooks,omitempty" mapstructure:"hooks"`
	Log         AppLogConfig           `json:"log" mapstructure:"log"`
	Metrics     MetricsConfig          `json:"metrics" mapstructure:"metrics"`
	Server      ServerConfig           `json:"server" mapstructure:"server"`
	History     HistoryConfig          `json:"history" mapstructure:"history"`

	path string
}

// AppLogConfig configures the supervisor's own log.
type AppLogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
	File   string `json:"file,omitempty" mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
	// SampleInterval enables workload CPU/memory sampling when set.
	SampleInterval string `json:"sample_interval,omitempty" mapstructure:"sample_interval"`
}

type ServerConfig struct {
	Enabled  bool        `json:"enabled" mapstructure:"enabled"`
	Listen   string      `json:"listen" mapstructure:"listen"`
	BasePath string      `json:"base_path" mapstructure:"base_path"`
	TLS      itls.Config `json:"tls" mapstructure:"tls"`
}

type HistoryConfig struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	DSN     []string `json:"dsn,omitempty" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repo_url", "")
	v.SetDefault("branch", DefaultBranch)
	v.SetDefault("poll_period", DefaultPollPeriod)
	v.SetDefault("startup_cmd", DefaultStartupCmd)
	v.SetDefault("services_dir", DefaultServicesDir)
	v.SetDefault("repo_dir", "")
	v.SetDefault("remote", supervisor.DefaultRemote)
	v.SetDefault("grace_period", supervisor.DefaultGracePeriod.String())
	v.SetDefault("cooldown", supervisor.DefaultCooldown.String())
	v.SetDefault("poll_timeout", supervisor.DefaultPollTimeout.String())
	v.SetDefault("pull_before_restart", false)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.sample_interval", "")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", []string{})
}

// Load reads path (JSON unless the extension says TOML or YAML) and applies
// CDATHOME_* environment overrides, e.g. CDATHOME_POLL_PERIOD or
// CDATHOME_LOG_LEVEL.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotConfigured, path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	fc.path = path
	return &fc, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Defaults returns a FileConfig with every default applied, for setup.
func Defaults() FileConfig {
	v := viper.New()
	setDefaults(v)
	var fc FileConfig
	_ = v.Unmarshal(&fc)
	return fc
}

// Save writes fc as indented JSON, creating the parent directory.
func Save(path string, fc FileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

// Path returns the file fc was loaded from.
func (fc *FileConfig) Path() string { return fc.path }

// RepoName is the checkout directory name derived from RepoURL.
func (fc *FileConfig) RepoName() string { return git.RepoName(fc.RepoURL) }

// ResolveRepoDir returns RepoDir, or <services_dir>/<repo name>. A relative
// services_dir is taken relative to the working directory.
func (fc *FileConfig) ResolveRepoDir() string {
	if fc.RepoDir != "" {
		return fc.RepoDir
	}
	dir := fc.ServicesDir
	if dir == "" {
		dir = DefaultServicesDir
	}
	return filepath.Join(dir, fc.RepoName())
}

// Validate checks the fields the supervisor cannot do without.
func (fc *FileConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(fc.RepoURL) == "" && fc.RepoDir == "" {
		errs = append(errs, errors.New("repo_url is required"))
	}
	if strings.TrimSpace(fc.Branch) == "" {
		errs = append(errs, errors.New("branch is required"))
	}
	if fc.PollPeriod <= 0 {
		errs = append(errs, fmt.Errorf("poll_period must be a positive number of seconds, got %d", fc.PollPeriod))
	}
	if strings.TrimSpace(fc.StartupCmd) == "" {
		errs = append(errs, errors.New("startup_cmd is required"))
	}
	for key, val := range map[string]string{
		"grace_period":            fc.GracePeriod,
		"cooldown":                fc.Cooldown,
		"poll_timeout":            fc.PollTimeout,
		"metrics.sample_interval": fc.Metrics.SampleInterval,
	} {
		if _, err := parseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if _, err := logger.ParseLevel(fc.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := fc.Hooks.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := fc.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// WorkloadEnv composes the workload environment from use_os_env, env_files
// and env. It returns nil when nothing is configured so the workload simply
// inherits the supervisor's environment.
func (fc *FileConfig) WorkloadEnv() ([]string, error) {
	if fc.UseOSEnv && len(fc.EnvFiles) == 0 && len(fc.Env) == 0 {
		return nil, nil
	}
	e := env.New().UseOS(fc.UseOSEnv)
	for _, p := range fc.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
	}
	if err := e.SetList(fc.Env); err != nil {
		return nil, err
	}
	return e.Merge(nil), nil
}

// ProcessMetricsConfig converts metrics.sample_interval.
func (fc *FileConfig) ProcessMetricsConfig() metrics.ProcessMetricsConfig {
	d, _ := parseDuration(fc.Metrics.SampleInterval)
	return metrics.ProcessMetricsConfig{Enabled: fc.Metrics.Enabled && d > 0, Interval: d}
}

// ToSupervisorConfig validates fc and builds the session configuration.
func (fc *FileConfig) ToSupervisorConfig() (supervisor.Config, error) {
	if err := fc.Validate(); err != nil {
		return supervisor.Config{}, err
	}
	grace, _ := parseDuration(fc.GracePeriod)
	cooldown, _ := parseDuration(fc.Cooldown)
	pollTimeout, _ := parseDuration(fc.PollTimeout)
	envList, err := fc.WorkloadEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	name := fc.RepoName()
	if name == "" {
		name = filepath.Base(fc.ResolveRepoDir())
	}
	return supervisor.Config{
		Name:              name,
		RepoDir:           fc.ResolveRepoDir(),
		Branch:            fc.Branch,
		Remote:            fc.Remote,
		Command:           fc.StartupCmd,
		Env:               envList,
		Log:               fc.WorkloadLog,
		PollInterval:      time.Duration(fc.PollPeriod) * time.Second,
		PollTimeout:       pollTimeout,
		GracePeriod:       grace,
		Cooldown:          cooldown,
		PullBeforeRestart: fc.PullBeforeRestart,
		Hooks:             fc.Hooks,
	}, nil
}
