// Package config loads the optional YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/monitor"
	"github.com/rcliao/threadpin/internal/sampler"
	"github.com/rcliao/threadpin/internal/shell"
)

// Thread sources.
const (
	SourceShell  = "shell"
	SourceProcfs = "procfs"
)

// Config is the whole threadpin configuration, one section per component.
type Config struct {
	Shell    ShellConfig    `yaml:"shell"`
	Sampler  SamplerConfig  `yaml:"sampler"`
	Enforcer EnforcerConfig `yaml:"enforcer"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ShellConfig controls the elevated shell session.
type ShellConfig struct {
	Command          []string      `yaml:"command"`
	VerifyRoot       bool          `yaml:"verify_root"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Marker           string        `yaml:"marker"`
}

// SamplerConfig selects where thread statistics come from and how they
// are filtered.
type SamplerConfig struct {
	Source          string         `yaml:"source"`
	ProcMount       string         `yaml:"proc_mount"`
	SysMount        string         `yaml:"sys_mount"`
	Limit           int            `yaml:"limit"`
	SystemLimit     int            `yaml:"system_limit"`
	ClkTck          int            `yaml:"clk_tck"`
	UsageScale      float64        `yaml:"usage_scale"`
	NoiseThreshold  float64        `yaml:"noise_threshold"`
	SystemProcesses []string       `yaml:"system_processes"`
	ThreadCaps      map[string]int `yaml:"thread_caps"`
}

// ProcessConfig names a platform process and caps how many of its threads
// are scanned. Zero means no cap.
type ProcessConfig struct {
	Name       string `yaml:"name"`
	MaxThreads int    `yaml:"max_threads"`
}

// TuningConfig lists the scheduler commands run before each cycle.
type TuningConfig struct {
	Disabled bool     `yaml:"disabled"`
	Commands []string `yaml:"commands"`
	Extra    []string `yaml:"extra"`
}

// EnforcerConfig sets the enforcement period and the platform processes
// whose threads global rules apply to.
type EnforcerConfig struct {
	Period          time.Duration   `yaml:"period"`
	Offset          time.Duration   `yaml:"offset"`
	DefaultMask     string          `yaml:"default_mask"`
	ReportHistory   int             `yaml:"report_history"`
	LocalSelfPush   bool            `yaml:"local_self_push"`
	Tuning          TuningConfig    `yaml:"tuning"`
	SystemProcesses []ProcessConfig `yaml:"system_processes"`

	defaultMask model.Mask
}

// MonitorConfig sets the period and start offset of each monitor loop.
type MonitorConfig struct {
	LoadPeriod   time.Duration `yaml:"load_period"`
	FPSPeriod    time.Duration `yaml:"fps_period"`
	FPSOffset    time.Duration `yaml:"fps_offset"`
	ThreadPeriod time.Duration `yaml:"thread_period"`
	ThreadOffset time.Duration `yaml:"thread_offset"`
	SystemPeriod time.Duration `yaml:"system_period"`
	SystemOffset time.Duration `yaml:"system_offset"`
	StopWait     time.Duration `yaml:"stop_wait"`
}

// StoreConfig locates the rule database. Cores overrides detection when
// positive.
type StoreConfig struct {
	Path  string `yaml:"path"`
	Cores int    `yaml:"cores"`
}

// MetricsConfig sets the Prometheus listen address of the run command;
// "off" disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Shell.DefaultTimeout == 0 {
		c.Shell.DefaultTimeout = shell.DefaultTimeout
	}
	if c.Shell.FailureThreshold == 0 {
		c.Shell.FailureThreshold = shell.DefaultFailureThreshold
	}
	if c.Shell.Marker == "" {
		c.Shell.Marker = shell.DefaultMarker
	}

	sd := sampler.DefaultConfig()
	if c.Sampler.Source == "" {
		c.Sampler.Source = SourceShell
	}
	if c.Sampler.ProcMount == "" {
		c.Sampler.ProcMount = "/proc"
	}
	if c.Sampler.SysMount == "" {
		c.Sampler.SysMount = "/sys"
	}
	if c.Sampler.Limit == 0 {
		c.Sampler.Limit = 30
	}
	if c.Sampler.SystemLimit == 0 {
		c.Sampler.SystemLimit = 20
	}
	if c.Sampler.ClkTck == 0 {
		c.Sampler.ClkTck = sd.ClkTck
	}
	if c.Sampler.NoiseThreshold == 0 {
		c.Sampler.NoiseThreshold = sd.NoiseThreshold
	}
	if c.Sampler.SystemProcesses == nil {
		c.Sampler.SystemProcesses = sd.SystemProcesses
	}
	if c.Sampler.ThreadCaps == nil {
		c.Sampler.ThreadCaps = sd.ThreadCaps
	}

	if c.Enforcer.Period == 0 {
		c.Enforcer.Period = enforcer.DefaultPeriod
	}
	if c.Enforcer.Offset == 0 {
		c.Enforcer.Offset = enforcer.DefaultOffset
	}
	if c.Enforcer.DefaultMask == "" {
		c.Enforcer.DefaultMask = enforcer.DefaultMask.Hex()
	}
	if c.Enforcer.ReportHistory == 0 {
		c.Enforcer.ReportHistory = enforcer.DefaultReportHistory
	}
	if c.Enforcer.SystemProcesses == nil {
		for _, p := range enforcer.DefaultSystemProcesses {
			c.Enforcer.SystemProcesses = append(c.Enforcer.SystemProcesses, ProcessConfig{Name: p.Name, MaxThreads: p.MaxThreads})
		}
	}

	md := monitor.DefaultConfig()
	if c.Monitor.LoadPeriod == 0 {
		c.Monitor.LoadPeriod = md.LoadPeriod
	}
	if c.Monitor.FPSPeriod == 0 {
		c.Monitor.FPSPeriod = md.FPSPeriod
	}
	if c.Monitor.FPSOffset == 0 {
		c.Monitor.FPSOffset = md.FPSOffset
	}
	if c.Monitor.ThreadPeriod == 0 {
		c.Monitor.ThreadPeriod = md.ThreadPeriod
	}
	if c.Monitor.ThreadOffset == 0 {
		c.Monitor.ThreadOffset = md.ThreadOffset
	}
	if c.Monitor.SystemPeriod == 0 {
		c.Monitor.SystemPeriod = md.SystemPeriod
	}
	if c.Monitor.SystemOffset == 0 {
		c.Monitor.SystemOffset = md.SystemOffset
	}
	if c.Monitor.StopWait == 0 {
		c.Monitor.StopWait = md.StopWait
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9100"
	}
}

func (c *Config) validate() error {
	if c.Shell.DefaultTimeout < 0 {
		return fmt.Errorf("shell.default_timeout must be positive")
	}
	if c.Shell.FailureThreshold < 0 {
		return fmt.Errorf("shell.failure_threshold must be positive")
	}
	if c.Sampler.Source != SourceShell && c.Sampler.Source != SourceProcfs {
		return fmt.Errorf("sampler.source must be %q or %q, got %q", SourceShell, SourceProcfs, c.Sampler.Source)
	}
	if c.Sampler.ClkTck < 0 || c.Sampler.Limit < 0 || c.Sampler.SystemLimit < 0 {
		return fmt.Errorf("sampler: clk_tck, limit and system_limit must not be negative")
	}
	if c.Enforcer.Period < time.Second {
		return fmt.Errorf("enforcer.period must be at least 1s, got %s", c.Enforcer.Period)
	}
	if c.Enforcer.Offset < 0 {
		return fmt.Errorf("enforcer.offset must not be negative")
	}
	mask, err := model.ParseMask(c.Enforcer.DefaultMask)
	if err != nil {
		return fmt.Errorf("enforcer.default_mask: %w", err)
	}
	if mask == 0 {
		return fmt.Errorf("enforcer.default_mask must select at least one core")
	}
	c.Enforcer.defaultMask = mask
	for _, p := range c.Enforcer.SystemProcesses {
		if p.Name == "" {
			return fmt.Errorf("enforcer.system_processes: name is required")
		}
	}
	for name, d := range map[string]time.Duration{
		"load_period":   c.Monitor.LoadPeriod,
		"fps_period":    c.Monitor.FPSPeriod,
		"thread_period": c.Monitor.ThreadPeriod,
		"system_period": c.Monitor.SystemPeriod,
	} {
		if d < 100*time.Millisecond {
			return fmt.Errorf("monitor.%s must be at least 100ms, got %s", name, d)
		}
	}
	if c.Store.Cores < 0 || c.Store.Cores > 64 {
		return fmt.Errorf("store.cores must be between 0 and 64")
	}
	return nil
}

// ShellConfig returns the channel settings. The observer is left to the
// caller.
func (c *Config) ShellConfig() shell.Config {
	return shell.Config{
		Command:          c.Shell.Command,
		VerifyRoot:       c.Shell.VerifyRoot,
		DefaultTimeout:   c.Shell.DefaultTimeout,
		FailureThreshold: c.Shell.FailureThreshold,
		Marker:           c.Shell.Marker,
	}
}

// SamplerConfig returns the thread sampler settings.
func (c *Config) SamplerConfig() sampler.Config {
	cfg := sampler.DefaultConfig()
	cfg.ClkTck = c.Sampler.ClkTck
	cfg.UsageScale = c.Sampler.UsageScale
	cfg.NoiseThreshold = c.Sampler.NoiseThreshold
	cfg.SystemProcesses = c.Sampler.SystemProcesses
	cfg.ThreadCaps = c.Sampler.ThreadCaps
	return cfg
}

// EnforcerOptions returns the schedule and tuning part of the enforcer
// options; collaborators are left to the caller.
func (c *Config) EnforcerOptions() enforcer.Options {
	procs := make([]enforcer.SystemProcess, 0, len(c.Enforcer.SystemProcesses))
	for _, p := range c.Enforcer.SystemProcesses {
		procs = append(procs, enforcer.SystemProcess{Name: p.Name, MaxThreads: p.MaxThreads})
	}
	return enforcer.Options{
		Cores:           c.Store.Cores,
		Period:          c.Enforcer.Period,
		Offset:          c.Enforcer.Offset,
		StopWait:        c.Monitor.StopWait,
		DefaultMask:     c.Enforcer.defaultMask,
		ReportHistory:   c.Enforcer.ReportHistory,
		SystemProcesses: procs,
		Tuning: enforcer.Tuning{
			Enabled:  !c.Enforcer.Tuning.Disabled,
			Commands: c.Enforcer.Tuning.Commands,
			Extra:    c.Enforcer.Tuning.Extra,
		},
	}
}

// MonitorConfig returns the monitoring schedule.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		LoadPeriod:   c.Monitor.LoadPeriod,
		FPSPeriod:    c.Monitor.FPSPeriod,
		FPSOffset:    c.Monitor.FPSOffset,
		ThreadPeriod: c.Monitor.ThreadPeriod,
		ThreadOffset: c.Monitor.ThreadOffset,
		SystemPeriod: c.Monitor.SystemPeriod,
		SystemOffset: c.Monitor.SystemOffset,
		StopWait:     c.Monitor.StopWait,
		ThreadLimit:  c.Sampler.Limit,
		SystemLimit:  c.Sampler.SystemLimit,
	}
}
