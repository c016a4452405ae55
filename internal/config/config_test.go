package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/shell"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threadpin.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Shell.DefaultTimeout != shell.DefaultTimeout {
		t.Fatalf("expected default timeout %s, got %s", shell.DefaultTimeout, cfg.Shell.DefaultTimeout)
	}
	if cfg.Sampler.Source != SourceShell {
		t.Fatalf("expected shell source, got %q", cfg.Sampler.Source)
	}
	if cfg.Enforcer.Period != 10*time.Second || cfg.Enforcer.Offset != 2*time.Second {
		t.Fatalf("unexpected enforcement schedule %s @%s", cfg.Enforcer.Period, cfg.Enforcer.Offset)
	}
	if cfg.Monitor.FPSPeriod != 1200*time.Millisecond || cfg.Monitor.SystemOffset != 1200*time.Millisecond {
		t.Fatalf("unexpected monitor schedule %+v", cfg.Monitor)
	}

	opts := cfg.EnforcerOptions()
	if opts.DefaultMask != enforcer.DefaultMask {
		t.Fatalf("expected default mask 0x38, got %s", opts.DefaultMask)
	}
	if !opts.Tuning.Enabled {
		t.Fatal("tuning should be enabled by default")
	}
	if len(opts.SystemProcesses) != 2 || opts.SystemProcesses[1].MaxThreads != 50 {
		t.Fatalf("unexpected system processes %+v", opts.SystemProcesses)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
shell:
  command: ["su", "-c", "sh"]
  verify_root: true
  default_timeout: 3s
  failure_threshold: 5
sampler:
  source: procfs
  usage_scale: 1000
  limit: 10
  system_processes: [surfaceflinger]
enforcer:
  period: 15s
  default_mask: "0x70"
  tuning:
    disabled: true
    extra: ["echo 1 > /proc/sys/kernel/sched_boost"]
  system_processes:
    - name: surfaceflinger
monitor:
  thread_period: 900ms
store:
  cores: 6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	sc := cfg.ShellConfig()
	if strings.Join(sc.Command, " ") != "su -c sh" || !sc.VerifyRoot || sc.DefaultTimeout != 3*time.Second || sc.FailureThreshold != 5 {
		t.Fatalf("unexpected shell config %+v", sc)
	}

	smp := cfg.SamplerConfig()
	if smp.UsageScale != 1000 || len(smp.SystemProcesses) != 1 {
		t.Fatalf("unexpected sampler config %+v", smp)
	}

	opts := cfg.EnforcerOptions()
	if opts.Period != 15*time.Second || opts.DefaultMask != model.Mask(0x70) || opts.Cores != 6 {
		t.Fatalf("unexpected enforcer options %+v", opts)
	}
	if opts.Tuning.Enabled || len(opts.Tuning.Extra) != 1 {
		t.Fatalf("unexpected tuning %+v", opts.Tuning)
	}

	mc := cfg.MonitorConfig()
	if mc.ThreadPeriod != 900*time.Millisecond || mc.ThreadLimit != 10 || mc.LoadPeriod != 1800*time.Millisecond {
		t.Fatalf("unexpected monitor config %+v", mc)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"source":       "sampler:\n  source: ebpf\n",
		"mask":         "enforcer:\n  default_mask: zz\n",
		"period":       "enforcer:\n  period: 10ms\n",
		"monitor":      "monitor:\n  fps_period: 1ms\n",
		"cores":        "store:\n  cores: 65\n",
		"process":      "enforcer:\n  system_processes:\n    - max_threads: 3\n",
		"not yaml":     "shell: [",
		"bad duration": "shell:\n  default_timeout: soon\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, data)); err == nil {
				t.Fatalf("expected error for %q", data)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMetricsAddr(t *testing.T) {
	if got := Default().Metrics.Addr; got != "127.0.0.1:9100" {
		t.Fatalf("unexpected default metrics addr %q", got)
	}
	cfg, err := Load(writeConfig(t, "metrics:\n  addr: \"off\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metrics.Addr != "off" {
		t.Fatalf("expected metrics to stay off, got %q", cfg.Metrics.Addr)
	}
}
