package overlay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/meigma/overlay/emulate"
	"github.com/meigma/overlay/hook"
	"github.com/meigma/overlay/metrics"
	"github.com/meigma/overlay/resolve"
	"github.com/meigma/overlay/signature"
)

// Runtime is one activation of the overlay inside a host process.
type Runtime struct {
	fs         afero.Fs
	cfg        *Config
	logger     *slog.Logger
	level      *slog.LevelVar
	metrics    metrics.Metrics
	sigs       *signature.Table
	builder    emulate.Builder
	onAdded    func(root string)
	onRetract  func(root string)
	scratchDir *string

	resolver *resolve.Resolver
	folders  folderList
	keys     *hook.SigningKeys

	mu        sync.Mutex // serializes RegisterSource and Activate
	active    bool
	image     *hook.FileImage
	gate      atomic.Pointer[emulate.Gatekeeper]
	registry  atomic.Pointer[hook.Registry]
	signature atomic.Pointer[signature.Signature]
}

// New creates a Runtime. Sources are registered next; hooks are installed
// by Activate.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		fs:   afero.NewOsFs(),
		keys: &hook.SigningKeys{},
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.cfg == nil {
		r.cfg = DefaultConfig()
	}
	if r.scratchDir != nil {
		r.cfg.ScratchDir = *r.scratchDir
	}
	if r.logger == nil {
		r.level = new(slog.LevelVar)
		r.level.Set(r.cfg.Level())
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: r.level}))
	}
	r.metrics = metrics.OrNoop(r.metrics)
	if r.sigs == nil {
		sigs, err := signature.Load(r.cfg.SignaturesFile)
		if err != nil {
			return nil, err
		}
		r.sigs = sigs
	}

	r.resolver = resolve.New(r.fs,
		resolve.WithVirtualPrefix(r.cfg.VirtualPrefix),
		resolve.WithScratchDir(r.cfg.ScratchDir),
		resolve.WithOrderMultiplier(r.cfg.OrderMultiplier),
		resolve.WithLogger(r.logger),
		resolve.WithMetrics(r.metrics),
	)
	return r, nil
}

// SetLogLevel changes the level of the runtime's own logger. It has no
// effect when the logger was supplied with WithLogger.
func (r *Runtime) SetLogLevel(level slog.Level) {
	if r.level != nil {
		r.level.Set(level)
	}
}

// RegisterSource adds a content source rooted at root.
//
// The source's archive folders join the folders reported to the engine.
// Its scratch folder joins them once its container is built. Sources may
// be registered before or after Activate.
func (r *Runtime) RegisterSource(id, root string) (resolve.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, err := r.resolver.Register(id, root)
	if err != nil {
		return resolve.Source{}, err
	}
	if r.onAdded != nil {
		r.onAdded(src.Root)
	}
	r.folders.add(src.PakFolders...)

	if g := r.gate.Load(); g != nil && g.Enabled() && r.cfg.EagerBuild {
		r.prepare(g, src.ID)
	}
	return src, nil
}

func sourceFolders(src resolve.Source) []string {
	folders := slices.Clone(src.PakFolders)
	if src.Scratch != "" {
		folders = append(folders, src.Scratch)
	}
	return folders
}

// built reports the scratch folder of a source whose container is ready.
func (r *Runtime) built(src resolve.Source) {
	r.folders.add(src.Scratch)
	r.logger.Debug("container folder added", "source", src.ID, "folder", src.Scratch)
}

// prepareAll builds the container of every source with a staged scratch
// folder. Built and failed sources are memoized by the gatekeeper.
func (r *Runtime) prepareAll(g *emulate.Gatekeeper) {
	if !g.Enabled() {
		return
	}
	for _, src := range r.resolver.Sources() {
		r.prepare(g, src.ID)
	}
}

// retract withdraws the folders of the source rooted at root.
func (r *Runtime) retract(root string) {
	for _, src := range r.resolver.Sources() {
		if src.Root == root {
			r.folders.remove(sourceFolders(src)...)
			r.logger.Warn("source retracted", "source", src.ID, "root", root)
		}
	}
	if r.onRetract != nil {
		r.onRetract(root)
	}
}

// Activate installs the handlers into the host image.
//
// The signature entry for img decides which entry points are intercepted
// and whether container emulation applies. Entry points whose pattern is
// missing or not found stay untouched. Activate fails only when the image
// has no signature entry at all, or when called twice.
func (r *Runtime) Activate(img hook.Image, ip hook.Interposer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrAlreadyActive
	}
	r.active = true

	sig, err := r.sigs.Select(img)
	if err != nil {
		r.logger.Error("unable to find signatures, overlay disabled", "image", img.Name(), "err", err)
		return err
	}
	r.signature.Store(sig)
	r.logger.Info("using signatures", "name", sig.Name, "toc", sig.Toc(), "pak", sig.Pak())

	gopts := []emulate.Option{
		emulate.WithTocVersion(sig.Toc()),
		emulate.WithPakVersion(sig.Pak()),
		emulate.WithPlaceholderDir(r.cfg.PlaceholderDir),
		emulate.WithRetract(r.retract),
		emulate.WithOnBuilt(r.built),
		emulate.WithLogger(r.logger),
		emulate.WithMetrics(r.metrics),
	}
	if r.cfg.DumpFiles {
		gopts = append(gopts, emulate.WithDump(r.cfg.DumpDir, r.cfg.DumpCompress))
	}
	g := emulate.New(r.resolver, r.fs, r.builder, gopts...)
	r.gate.Store(g)

	reg := hook.NewRegistry(img, ip, hook.WithLogger(r.logger), hook.WithMetrics(r.metrics))
	r.registry.Store(reg)
	for _, kind := range hook.Kinds() {
		pattern, ok := sig.Pattern(kind)
		if !ok {
			r.logger.Debug("no pattern for entry point", "kind", kind)
			continue
		}
		var iopts []hook.InstallOption
		if kind == hook.KindSigningKeys {
			iopts = append(iopts, hook.WithRelativeCall())
		}
		// Failures are recorded by the registry and disable only this kind.
		_, _ = reg.Install(pattern, kind.String(), kind, r.handler(kind), iopts...)
	}

	if r.cfg.EagerBuild {
		r.prepareAll(g)
	}
	r.logger.Info("overlay active",
		"sources", len(r.resolver.Sources()),
		"redirections", r.resolver.Redirections(),
		"hooks", len(reg.Hooks()),
		"failed", len(reg.Failed()),
		"containers", g.Enabled(),
	)
	return nil
}

// ActivateExecutable maps the host executable at path, loaded at base, and
// activates against it. A zero base uses the executable's preferred base.
// The mapping stays open until Close.
func (r *Runtime) ActivateExecutable(path string, base uintptr, ip hook.Interposer) error {
	img, err := hook.OpenImage(path, base)
	if err != nil {
		r.logger.Error("unable to open host executable", "path", path, "err", err)
		return err
	}
	if err := r.Activate(img, ip); err != nil {
		_ = img.Close()
		return err
	}
	r.mu.Lock()
	r.image = img
	r.mu.Unlock()
	return nil
}

func (r *Runtime) prepare(g *emulate.Gatekeeper, id string) {
	if err := g.Prepare(id); err != nil {
		r.logger.Debug("container not prepared", "source", id, "err", err)
	}
}

// Close releases the emulated files. Handlers keep working afterwards but
// no longer emulate anything.
func (r *Runtime) Close() error {
	var errs []error
	if g := r.gate.Load(); g != nil {
		errs = append(errs, g.Close())
	}
	r.mu.Lock()
	if r.image != nil {
		errs = append(errs, r.image.Close())
		r.image = nil
	}
	r.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close overlay: %w", err)
	}
	return nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *Config { return r.cfg }

// Resolver returns the loose-file resolver.
func (r *Runtime) Resolver() *resolve.Resolver { return r.resolver }

// Gatekeeper returns the container gatekeeper, or nil before Activate.
func (r *Runtime) Gatekeeper() *emulate.Gatekeeper { return r.gate.Load() }

// Registry returns the hook registry, or nil before Activate.
func (r *Runtime) Registry() *hook.Registry { return r.registry.Load() }

// Signature returns the signature entry selected by Activate, or nil.
func (r *Runtime) Signature() *signature.Signature { return r.signature.Load() }

// PakFolders returns the folders currently contributed to the engine.
func (r *Runtime) PakFolders() []string { return r.folders.list() }
