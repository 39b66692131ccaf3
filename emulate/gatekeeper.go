package emulate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/meigma/overlay/compose"
	"github.com/meigma/overlay/internal/pathutil"
	"github.com/meigma/overlay/metrics"
	"github.com/meigma/overlay/resolve"
)

const (
	extTOC       = ".utoc"
	extContainer = ".ucas"
	extArchive   = ".pak"
)

var (
	// ErrUnsupportedVersion is returned when the engine has no container
	// support, or its archive revision predates it.
	ErrUnsupportedVersion = errors.New("emulate: engine version has no container support")

	// ErrNoBuilder is returned when a container is needed but no builder is set.
	ErrNoBuilder = errors.New("emulate: no builder configured")

	// ErrEmptyBuild is returned when a builder reports success without output.
	ErrEmptyBuild = errors.New("emulate: builder returned no output")

	// ErrNoPlaceholder is returned when no placeholder archive folder is set.
	ErrNoPlaceholder = errors.New("emulate: no placeholder archive folder")

	// ErrUnknownSource is returned by Prepare for unregistered sources.
	ErrUnknownSource = errors.New("emulate: unknown source")

	// ErrNoScratch is returned by Prepare for sources without a scratch folder.
	ErrNoScratch = errors.New("emulate: source has no scratch folder")

	// ErrBuildInProgress is returned while a source's build is running.
	ErrBuildInProgress = errors.New("emulate: build in progress")
)

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithTocVersion sets the engine's table-of-contents revision.
// TocNone disables container emulation.
func WithTocVersion(v TocVersion) Option {
	return func(g *Gatekeeper) {
		g.toc = v
	}
}

// WithPakVersion sets the engine's archive revision. Revisions older than
// PakFrozenIndex disable container emulation.
func WithPakVersion(v PakVersion) Option {
	return func(g *Gatekeeper) {
		g.pak = v
	}
}

// WithAlignment sets the container partition alignment.
func WithAlignment(n int64) Option {
	return func(g *Gatekeeper) {
		g.alignment = n
	}
}

// WithRetract sets the callback run with a source's root when its
// container cannot be built. It runs at most once per source.
func WithRetract(fn func(root string)) Option {
	return func(g *Gatekeeper) {
		g.retract = fn
	}
}

// WithOnBuilt sets the callback run once a source's container has been
// built. Its scratch folder is only worth reporting to the engine from then on.
func WithOnBuilt(fn func(src resolve.Source)) Option {
	return func(g *Gatekeeper) {
		g.onBuilt = fn
	}
}

// WithDump writes every emulated file under dir once it is created,
// zstd compressed when compress is set.
func WithDump(dir string, compress bool) Option {
	return func(g *Gatekeeper) {
		g.dumpDir = dir
		g.dumpCompress = compress
	}
}

// WithPlaceholderDir sets the folder holding the placeholder archives
// (FrozenIndex.pak and Fn64BugFix.pak) served for archive paths.
func WithPlaceholderDir(dir string) Option {
	return func(g *Gatekeeper) {
		g.placeholderDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatekeeper) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(g *Gatekeeper) {
		g.metrics = m
	}
}

// Gatekeeper serves emulated container files for registered sources.
type Gatekeeper struct {
	resolver *resolve.Resolver
	fs       afero.Fs
	builder  Builder

	toc            TocVersion
	pak            PakVersion
	alignment      int64
	retract        func(root string)
	onBuilt        func(src resolve.Source)
	dumpDir        string
	dumpCompress   bool
	placeholderDir string
	logger         *slog.Logger
	metrics        metrics.Metrics

	entries sync.Map // path key -> *entry
	builds  sync.Map // source id -> *artifacts

	placeholderOnce sync.Once
	placeholderFile File
	placeholderErr  error

	mu      sync.Mutex
	streams []*compose.Stream
	closed  atomic.Bool
}

// entry is immutable once stored. A nil file is the sentinel.
type entry struct {
	file File
}

// artifacts is the memoized build of one source.
type artifacts struct {
	toc       File
	container File
	err       error
}

// building marks a source whose build is running.
var building = &artifacts{err: ErrBuildInProgress}

// New creates a Gatekeeper. Backing files are read from fsys.
func New(resolver *resolve.Resolver, fsys afero.Fs, builder Builder, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		resolver:  resolver,
		fs:        fsys,
		builder:   builder,
		alignment: compose.DefaultAlignment,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics = metrics.OrNoop(g.metrics)
	if !g.Enabled() {
		g.log().Info("container emulation disabled", "toc", g.toc, "pak", g.pak)
	}
	return g
}

func (g *Gatekeeper) log() *slog.Logger {
	if g.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return g.logger
}

// Enabled reports whether container emulation applies to this engine.
// Loose-file redirection is unaffected either way.
func (g *Gatekeeper) Enabled() bool {
	return g.toc != TocNone && g.pak.supportsContainers()
}

// Redirect returns the physical file for a loose virtual path.
func (g *Gatekeeper) Redirect(path string) (string, bool) {
	return g.resolver.Resolve(path)
}

// Lookup returns the emulated file for path, if path is one.
//
// Only table-of-contents, container and archive paths inside a registered
// source's scratch folder are candidates. A false result means the caller
// should do whatever the host would have done.
func (g *Gatekeeper) Lookup(path string) (File, bool) {
	if !g.Enabled() || g.closed.Load() {
		return nil, false
	}
	ext := pathutil.Ext(path)
	if ext != extTOC && ext != extContainer && ext != extArchive {
		return nil, false
	}
	if g.dumpDir != "" && pathutil.Contains(g.dumpDir, path) {
		return nil, false
	}
	src, ok := g.resolver.Owner(path)
	if !ok || src.Scratch == "" || !pathutil.Contains(src.Scratch, path) {
		return nil, false
	}

	key := pathutil.Key(path)
	v, loaded := g.entries.LoadOrStore(key, &entry{})
	if loaded {
		e, _ := v.(*entry) //nolint:errcheck // only *entry is stored
		return e.file, e.file != nil
	}

	f, err := g.create(src, ext)
	if errors.Is(err, ErrBuildInProgress) {
		// Another query of this source is building it, possibly on this
		// very thread. Let a later query pick up the result.
		g.entries.Delete(key)
		g.log().Debug("container build in progress", "path", path, "source", src.ID)
		return nil, false
	}
	if err != nil {
		g.log().Error("unable to emulate file", "path", path, "source", src.ID, "err", err)
		return nil, false
	}
	g.entries.Store(key, &entry{file: f})
	g.log().Info("emulated file created", "path", path, "source", src.ID, "size", f.Size())
	g.dump(path, f)
	return f, true
}

// Prepare builds the containers of source id ahead of the first query.
func (g *Gatekeeper) Prepare(id string) error {
	if !g.Enabled() {
		return ErrUnsupportedVersion
	}
	src, ok := g.resolver.Source(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if src.Scratch == "" {
		return fmt.Errorf("%w: %s", ErrNoScratch, id)
	}
	if ok, _ := afero.DirExists(g.fs, src.Scratch); !ok {
		return &fs.PathError{Op: "prepare", Path: src.Scratch, Err: ErrNoScratch}
	}
	_, err := g.artifacts(src)
	return err
}

func (g *Gatekeeper) create(src resolve.Source, ext string) (File, error) {
	if ext == extArchive {
		return g.placeholder()
	}
	a, err := g.artifacts(src)
	if err != nil {
		return nil, err
	}
	if ext == extTOC {
		return a.toc, nil
	}
	return a.container, nil
}

// artifacts returns the build for src, running the builder at most once.
// Callers arriving while the build runs get ErrBuildInProgress and never
// wait on it. A failed build is remembered and retracts the source.
func (g *Gatekeeper) artifacts(src resolve.Source) (*artifacts, error) {
	v, loaded := g.builds.LoadOrStore(src.ID, building)
	if loaded {
		a, _ := v.(*artifacts) //nolint:errcheck // only *artifacts is stored
		return a, a.err
	}

	a := g.build(src)
	g.builds.Store(src.ID, a)
	if a.err != nil {
		g.metrics.IncBuild(metrics.OutcomeFailed)
		g.log().Error("unable to build container, retracting source",
			"source", src.ID, "root", src.Root, "err", a.err)
		if g.retract != nil {
			g.retract(src.Root)
		}
		return a, a.err
	}
	g.metrics.IncBuild(metrics.OutcomeOK)
	if g.onBuilt != nil {
		g.onBuilt(src)
	}
	return a, nil
}

func (g *Gatekeeper) build(src resolve.Source) *artifacts {
	if g.builder == nil {
		return &artifacts{err: ErrNoBuilder}
	}
	b, err := g.builder.Build(src.Scratch, g.toc)
	if err != nil {
		return &artifacts{err: fmt.Errorf("build %s: %w", src.ID, err)}
	}
	if b == nil {
		return &artifacts{err: fmt.Errorf("build %s: %w", src.ID, ErrEmptyBuild)}
	}
	stream, err := compose.Compose(g.fs, b.Blocks, b.Header,
		compose.WithAlignment(g.alignment),
		compose.WithLogger(g.logger),
	)
	if err != nil {
		return &artifacts{err: fmt.Errorf("compose %s: %w", src.ID, err)}
	}
	g.track(stream)
	g.log().Debug("container built", "source", src.ID, "toc_size", len(b.TOC),
		"blocks", len(b.Blocks), "container_size", stream.Size())
	return &artifacts{toc: newMemFile(b.TOC), container: stream}
}

// placeholder returns the archive served for every emulated archive path.
func (g *Gatekeeper) placeholder() (File, error) {
	g.placeholderOnce.Do(func() {
		if g.placeholderDir == "" {
			g.placeholderErr = ErrNoPlaceholder
			return
		}
		path := filepath.Join(g.placeholderDir, g.pak.placeholderName())
		info, err := g.fs.Stat(path)
		if err != nil {
			g.placeholderErr = err
			return
		}
		s, err := compose.Compose(g.fs, []compose.Block{{Path: path, Length: info.Size()}}, nil,
			compose.WithAlignment(0),
			compose.WithLogger(g.logger),
		)
		if err != nil {
			g.placeholderErr = err
			return
		}
		g.track(s)
		g.placeholderFile = s
		g.log().Info("using placeholder archive", "pak", g.pak, "path", path)
	})
	return g.placeholderFile, g.placeholderErr
}

func (g *Gatekeeper) track(s *compose.Stream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams = append(g.streams, s)
}

// Close releases every composed stream. Lookups after Close fall through.
func (g *Gatekeeper) Close() error {
	g.closed.Store(true)
	g.mu.Lock()
	streams := g.streams
	g.streams = nil
	g.mu.Unlock()

	errs := make([]error, 0, len(streams))
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

var _ io.Closer = (*Gatekeeper)(nil)
