package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/meigma/overlay/metrics"
)

// ErrNoEntryPoint is returned when the interposer has nothing at an address.
var ErrNoEntryPoint = errors.New("hook: no entry point at address")

// Interposer swaps the implementation behind a native address.
//
// Interpose installs replacement at addr and returns the implementation it
// displaced. It must complete before the host can call addr concurrently.
type Interposer interface {
	Interpose(addr uintptr, kind Kind, replacement Func) (original Func, err error)
}

// Registry installs hooks into one host image.
// Install is meant for the host's startup thread; the returned hooks are
// safe to call from any thread.
type Registry struct {
	image      Image
	interposer Interposer
	logger     *slog.Logger
	metrics    metrics.Metrics

	mu     sync.Mutex
	hooks  map[string]*Hook // by canonical pattern
	failed map[string]error // by entry point name
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for installation and handler diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a Registry that scans image and interposes through ip.
func NewRegistry(image Image, ip Interposer, opts ...Option) *Registry {
	r := &Registry{
		image:      image,
		interposer: ip,
		hooks:      make(map[string]*Hook),
		failed:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = metrics.OrNoop(r.metrics)
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// InstallOption configures a single installation.
type InstallOption func(*installConfig)

type installConfig struct {
	relativeCall bool
}

// WithRelativeCall treats the match as a call/jump instruction and hooks
// the function it branches to instead of the match itself.
func WithRelativeCall() InstallOption {
	return func(c *installConfig) {
		c.relativeCall = true
	}
}

// Install locates pattern in the image and replaces the entry point with handler.
//
// Installing the same pattern again returns the existing hook. When the
// pattern is missing, ambiguous or cannot be interposed, the error is
// logged, recorded under name in Failed, and returned.
func (r *Registry) Install(pattern, name string, kind Kind, handler Handler, opts ...InstallOption) (*Hook, error) {
	cfg := installConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, r.fail(name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hooks[p.String()]; ok {
		return h, nil
	}

	offset, err := p.FindUnique(r.image.Bytes())
	if err != nil {
		return nil, r.failLocked(name, err)
	}
	var addr uintptr
	if cfg.relativeCall {
		addr, err = relativeTarget(r.image, offset)
	} else {
		addr, err = r.image.Address(offset)
	}
	if err != nil {
		return nil, r.failLocked(name, err)
	}

	h := &Hook{
		name:    name,
		kind:    kind,
		addr:    addr,
		handler: handler,
		logger:  r.log(),
		metrics: r.metrics,
	}
	original, err := r.interposer.Interpose(addr, kind, h.Call)
	if err != nil {
		return nil, r.failLocked(name, fmt.Errorf("interpose %s at 0x%x: %w", name, addr, err))
	}
	h.original = original

	r.hooks[p.String()] = h
	delete(r.failed, name)
	r.metrics.IncHookInstall(name, metrics.OutcomeOK)
	r.log().Debug("hook installed", "name", name, "kind", kind.String(), "address", fmt.Sprintf("0x%x", addr))
	return h, nil
}

func (r *Registry) fail(name string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failLocked(name, err)
}

func (r *Registry) failLocked(name string, err error) error {
	r.failed[name] = err
	r.metrics.IncHookInstall(name, metrics.OutcomeFailed)
	r.log().Error("unable to install hook, feature disabled", "name", name, "image", r.image.Name(), "err", err)
	return err
}

// Hooks returns the installed hooks ordered by name.
func (r *Registry) Hooks() []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := slices.Collect(maps.Values(r.hooks))
	slices.SortFunc(hooks, func(a, b *Hook) int {
		return strings.Compare(a.name, b.name)
	})
	return hooks
}

// Lookup returns the installed hook with the given name.
func (r *Registry) Lookup(name string) (*Hook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hooks {
		if h.name == name {
			return h, true
		}
	}
	return nil, false
}

// Failed returns the entry points that could not be installed and why.
func (r *Registry) Failed() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.failed)
}

// Hook is an installed replacement for one entry point.
type Hook struct {
	name     string
	kind     Kind
	addr     uintptr
	handler  Handler
	original Func
	logger   *slog.Logger
	metrics  metrics.Metrics
}

// Name returns the entry point name given at install time.
func (h *Hook) Name() string { return h.name }

// Kind returns the entry point kind.
func (h *Hook) Kind() Kind { return h.kind }

// Address returns the absolute address that was interposed.
func (h *Hook) Address() uintptr { return h.addr }

// Original returns the displaced implementation.
func (h *Hook) Original() Func { return h.original }

// Call runs the handler for req. This is what the host reaches once the
// hook is installed. A panicking handler is recovered and the call falls
// back to the original implementation.
func (h *Hook) Call(req *Request) (resp Response) {
	if req.Kind == 0 {
		req.Kind = h.kind
	}
	defer func() {
		if v := recover(); v != nil {
			h.metrics.IncCall(h.kind.String(), metrics.OutcomeRecovered)
			h.logger.Error("hook handler panicked, calling original", "name", h.name, "path", req.Path, "panic", v)
			resp = h.original(req)
		}
	}()
	return h.handler(req, h.original)
}
