package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/meigma/overlay/internal/pathutil"
	"github.com/meigma/overlay/metrics"
)

const (
	// DefaultVirtualPrefix is prepended to source-relative paths. The engine
	// addresses loose files relative to its binaries folder.
	DefaultVirtualPrefix = "../../../"

	// DefaultOrderMultiplier scales registration indexes into pak orders.
	DefaultOrderMultiplier = 1000
)

var (
	// ErrInvalidSource is returned when a source has no id or root.
	ErrInvalidSource = errors.New("resolve: invalid source")

	// ErrDuplicateSource is returned when a source id is registered twice.
	ErrDuplicateSource = errors.New("resolve: duplicate source")

	// ErrInconsistentPath is reported when a scratch-area path has no owner.
	ErrInconsistentPath = errors.New("resolve: path in scratch area has no owning source")
)

// Resolver maps virtual paths to physical files across registered sources.
type Resolver struct {
	fs         afero.Fs
	prefix     string
	scratch    string
	multiplier int
	logger     *slog.Logger
	metrics    metrics.Metrics

	mu   sync.Mutex // serializes Register
	snap atomic.Pointer[snapshot]
}

// snapshot is an immutable view published after each registration.
type snapshot struct {
	sources []Source
	table   map[string]entry
}

type entry struct {
	physical string
	source   int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVirtualPrefix sets the prefix joined to source-relative paths.
func WithVirtualPrefix(prefix string) Option {
	return func(r *Resolver) {
		r.prefix = prefix
	}
}

// WithScratchDir sets the scratch area. Each source stages container
// content in a folder named after its id beneath it.
func WithScratchDir(dir string) Option {
	return func(r *Resolver) {
		r.scratch = dir
	}
}

// WithOrderMultiplier sets the pak order step between sources.
// Values <= 0 keep the default.
func WithOrderMultiplier(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.multiplier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a Resolver reading sources from fsys.
func New(fsys afero.Fs, opts ...Option) *Resolver {
	r := &Resolver{
		fs:         fsys,
		prefix:     DefaultVirtualPrefix,
		multiplier: DefaultOrderMultiplier,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = metrics.OrNoop(r.metrics)
	r.snap.Store(&snapshot{table: make(map[string]entry)})
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// ScratchDir returns the configured scratch area.
func (r *Resolver) ScratchDir() string {
	return r.scratch
}

// Register walks root once and adds its files to the override view.
//
// Loose files become redirections keyed by their path relative to root.
// Archive files are not redirected; their folders are listed in the
// returned Source's PakFolders. A failed walk registers nothing.
func (r *Resolver) Register(id, root string) (Source, error) {
	if id == "" || root == "" {
		return Source{}, fmt.Errorf("%w: id %q root %q", ErrInvalidSource, id, root)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if slices.ContainsFunc(cur.sources, func(s Source) bool { return s.ID == id }) {
		return Source{}, fmt.Errorf("%w: %s", ErrDuplicateSource, id)
	}

	info, err := r.fs.Stat(root)
	if err != nil {
		return Source{}, err
	}
	if !info.IsDir() {
		return Source{}, &fs.PathError{Op: "register", Path: root, Err: fs.ErrInvalid}
	}

	src := Source{
		ID:      id,
		Root:    root,
		Scratch: scratchFolder(r.scratch, id),
		Index:   len(cur.sources),
	}
	table := maps.Clone(cur.table)
	overridden := 0

	err = afero.Walk(r.fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		if isArchive(path) {
			dir := filepath.Dir(path)
			if !slices.Contains(src.PakFolders, dir) {
				src.PakFolders = append(src.PakFolders, dir)
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := pathutil.Key(pathutil.Join(r.prefix, rel))
		if prev, ok := table[key]; ok && prev.source != src.Index {
			overridden++
			r.log().Debug("redirection overridden", "path", key, "source", id, "previous", cur.sources[prev.source].ID)
		}
		table[key] = entry{physical: path, source: src.Index}
		src.Files++
		return nil
	})
	if err != nil {
		return Source{}, fmt.Errorf("register %s: %w", id, err)
	}

	next := &snapshot{
		sources: append(slices.Clip(cur.sources), src),
		table:   table,
	}
	r.snap.Store(next)

	r.log().Info("source registered",
		"source", id, "root", root, "index", src.Index,
		"files", src.Files, "overridden", overridden, "pak_folders", len(src.PakFolders),
	)
	return src, nil
}

// Resolve returns the physical file serving virtualPath.
// virtualPath may use either separator and any case.
func (r *Resolver) Resolve(virtualPath string) (string, bool) {
	e, ok := r.snap.Load().table[pathutil.Key(virtualPath)]
	if !ok {
		r.metrics.IncRedirect(metrics.OutcomeMiss)
		return "", false
	}
	r.metrics.IncRedirect(metrics.OutcomeHit)
	return e.physical, true
}

// Redirections returns the number of distinct virtual paths redirected.
func (r *Resolver) Redirections() int {
	return len(r.snap.Load().table)
}

// Sources returns the registered sources in registration order.
func (r *Resolver) Sources() []Source {
	return slices.Clone(r.snap.Load().sources)
}

// Source returns the source registered under id.
func (r *Resolver) Source(id string) (Source, bool) {
	for _, s := range r.snap.Load().sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// Owner returns the most recently registered source owning path.
func (r *Resolver) Owner(path string) (Source, bool) {
	sources := r.snap.Load().sources
	for i := len(sources) - 1; i >= 0; i-- {
		if sources[i].Owns(path) {
			return sources[i], true
		}
	}
	return Source{}, false
}

// SourceOrder returns the pak order assigned to s.
func (r *Resolver) SourceOrder(s Source) int {
	return (s.Index + 1) * r.multiplier
}

// Order answers the engine's pak order query for requestedPath.
//
// Paths inside the scratch area (or, with no scratch area configured,
// inside any source) get the order of their owning source. Every other
// path keeps fallback, the engine's own answer. A scratch-area path no
// source owns is an internal inconsistency: it is logged and 0 returned.
func (r *Resolver) Order(requestedPath string, fallback int) int {
	if r.scratch != "" && !pathutil.Contains(r.scratch, requestedPath) {
		return fallback
	}
	src, ok := r.Owner(requestedPath)
	if ok {
		return r.SourceOrder(src)
	}
	if r.scratch == "" {
		return fallback
	}
	r.log().Error("unable to order archive", "path", requestedPath, "err", ErrInconsistentPath)
	return 0
}
