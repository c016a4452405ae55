package cli

import (
	"context"

	"github.com/rcliao/threadpin/internal/config"
	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/frames"
	"github.com/rcliao/threadpin/internal/metrics"
	"github.com/rcliao/threadpin/internal/monitor"
	"github.com/rcliao/threadpin/internal/sampler"
	"github.com/rcliao/threadpin/internal/shell"
	"github.com/rcliao/threadpin/internal/store"
)

// app wires the privileged channel, the rule store and the enforcer for one
// command invocation.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	metrics  *metrics.Metrics
	channel  *shell.Channel
	source   sampler.Source
	topo     *cpu.Topology
	freqs    cpu.FreqReader
	enforcer *enforcer.Enforcer
}

type appOption func(*enforcer.Options)

func withoutTuning() appOption {
	return func(o *enforcer.Options) { o.Tuning.Enabled = false }
}

func newApp(cfg *config.Config, opts ...appOption) (*app, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: s, metrics: metrics.New(nil)}

	sc := cfg.ShellConfig()
	sc.Observer = a.metrics
	a.channel = shell.NewChannel(sc)

	a.freqs = freqReader(cfg)
	a.topo = cpu.Detect(a.freqs, cfg.Store.Cores)

	if cfg.Sampler.Source == config.SourceProcfs {
		src, err := sampler.NewProcfsSource(cfg.Sampler.ProcMount)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.source = src
	} else {
		a.source = sampler.NewShellSource(a.channel)
	}

	eo := cfg.EnforcerOptions()
	eo.Store = s
	eo.Source = a.source
	eo.Exec = a.channel
	eo.Observer = a.metrics
	if eo.Cores <= 0 {
		eo.Cores = a.topo.Cores
	}
	if cfg.Enforcer.LocalSelfPush {
		eo.SelfPusher = enforcer.LocalPusher()
	}
	for _, o := range opts {
		o(&eo)
	}
	if a.enforcer, err = enforcer.New(eo); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// open starts the elevated shell, failing with shell.ErrElevationDenied when
// the platform refuses it.
func (a *app) open(ctx context.Context) error {
	return a.channel.Open(ctx)
}

func (a *app) newMonitor() (*monitor.Monitor, error) {
	opts := monitor.Options{
		Channel:  a.channel,
		Store:    a.store,
		Threads:  sampler.New(a.source, a.cfg.SamplerConfig()),
		Pids:     a.source,
		Freqs:    a.freqs,
		Topology: a.topo,
		Frames:   frames.NewSampler(a.channel),
		Enforcer: a.enforcer,
		Observer: a.metrics,
		Config:   a.cfg.MonitorConfig(),
	}
	if load, err := cpu.NewLoadSampler(a.cfg.Sampler.ProcMount); err == nil {
		opts.Load = load
	} else {
		cliLog.WithError(err).Warn("cpu load unavailable")
	}
	return monitor.New(opts)
}

func (a *app) Close() {
	if a.enforcer != nil {
		a.enforcer.Stop()
	}
	if a.channel != nil {
		a.channel.Close()
	}
	a.store.Close()
}
