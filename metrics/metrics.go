// Package metrics exposes counters for hook installation, intercepted calls,
// path redirection and container emulation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the counters.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeEmulated    = "emulated"
	OutcomeRedirected  = "redirected"
	OutcomePassthrough = "passthrough"
	OutcomeRecovered   = "recovered"
)

// Metrics defines the counters emitted by the overlay runtime.
type Metrics interface {
	IncHookInstall(name, outcome string)
	IncCall(kind, outcome string)
	IncRedirect(outcome string)
	IncBuild(outcome string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncHookInstall(string, string) {}
func (Noop) IncCall(string, string)        {}
func (Noop) IncRedirect(string)            {}
func (Noop) IncBuild(string)               {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	hookInstalls *prometheus.CounterVec
	calls        *prometheus.CounterVec
	redirects    *prometheus.CounterVec
	builds       *prometheus.CounterVec
}

// NewProm creates the counters and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		hookInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_installs_total",
			Help:      "Hook installations by entry point and outcome",
		}, []string{"name", "outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercepted_calls_total",
			Help:      "Intercepted engine calls by kind and outcome",
		}, []string{"kind", "outcome"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirect_lookups_total",
			Help:      "Loose file redirection lookups by outcome",
		}, []string{"outcome"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emulation_builds_total",
			Help:      "Emulated container constructions by outcome",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{p.hookInstalls, p.calls, p.redirects, p.builds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) IncHookInstall(name, outcome string) {
	p.hookInstalls.WithLabelValues(name, outcome).Inc()
}

func (p *Prom) IncCall(kind, outcome string) {
	p.calls.WithLabelValues(kind, outcome).Inc()
}

func (p *Prom) IncRedirect(outcome string) {
	p.redirects.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncBuild(outcome string) {
	p.builds.WithLabelValues(outcome).Inc()
}

// OrNoop returns m, or Noop when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}
	return m
}
