package emulate

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/overlay/compose"
	"github.com/meigma/overlay/metrics"
	"github.com/meigma/overlay/resolve"
)

const (
	testAlignment = 16
	tocPath       = "/scratch/modA/modA.utoc"
	casPath       = "/scratch/modA/modA.ucas"
	pakPath       = "/scratch/modA/modA.pak"
)

var (
	testTOC    = []byte("table of contents")
	testHeader = []byte("HDR")
	chunk0     = bytes.Repeat([]byte{0xa1}, 20)
	chunk1     = []byte("tail!")
)

// wantContainer is chunk0, padding to 32, chunk1, padding to 48, header.
func wantContainer() []byte {
	var buf bytes.Buffer
	buf.Write(chunk0)
	buf.Write(make([]byte, 32-len(chunk0)))
	buf.Write(chunk1)
	buf.Write(make([]byte, 48-32-len(chunk1)))
	buf.Write(testHeader)
	return buf.Bytes()
}

type fakeBuilder struct {
	calls  atomic.Int32
	roots  sync.Map
	err    error
	delay  time.Duration
	during func()
}

func (b *fakeBuilder) Build(root string, version TocVersion) (*Build, error) {
	b.calls.Add(1)
	b.roots.Store(root, version)
	if b.during != nil {
		b.during()
	}
	time.Sleep(b.delay)
	if b.err != nil {
		return nil, b.err
	}
	return &Build{
		TOC: testTOC,
		Blocks: []compose.Block{
			{Path: "/scratch/modA/staged/0.bin", Start: 0, Length: int64(len(chunk0))},
			{Path: "/scratch/modA/staged/1.bin", Start: 32, Length: int64(len(chunk1))},
		},
		Header: testHeader,
	}, nil
}

type recordingMetrics struct {
	metrics.Noop
	mu     sync.Mutex
	builds map[string]int
}

func (m *recordingMetrics) IncBuild(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.builds == nil {
		m.builds = make(map[string]int)
	}
	m.builds[outcome]++
}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builds[outcome]
}

type fixture struct {
	fs       afero.Fs
	resolver *resolve.Resolver
	source   resolve.Source
	builder  *fakeBuilder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	files := map[string][]byte{
		"/mods/a/Content/foo.uasset":       []byte("loose"),
		"/scratch/modA/staged/0.bin":       chunk0,
		"/scratch/modA/staged/1.bin":       chunk1,
		"/placeholders/FrozenIndex.pak":    []byte("frozen index placeholder"),
		"/placeholders/Fn64BugFix.pak":     []byte("fn64 placeholder"),
		"/mods/b/Content/Paks/other.pak":   []byte("pak"),
		"/mods/b/Content/Movies/intro.bik": []byte("movie"),
	}
	for path, data := range files {
		require.NoError(t, afero.WriteFile(fsys, path, data, 0o644))
	}
	r := resolve.New(fsys, resolve.WithScratchDir("/scratch"))
	src, err := r.Register("modA", "/mods/a")
	require.NoError(t, err)
	return &fixture{fs: fsys, resolver: r, source: src, builder: &fakeBuilder{}}
}

func (f *fixture) gatekeeper(t *testing.T, opts ...Option) *Gatekeeper {
	t.Helper()
	opts = append([]Option{
		WithTocVersion(TocPartitionSize),
		WithPakVersion(PakFn64BugFix),
		WithAlignment(testAlignment),
		WithPlaceholderDir("/placeholders"),
	}, opts...)
	g := New(f.resolver, f.fs, f.builder, opts...)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func readAll(t *testing.T, f File) []byte {
	t.Helper()
	data, err := io.ReadAll(io.NewSectionReader(f, 0, f.Size()))
	require.NoError(t, err)
	return data
}

func TestLookupServesBuild(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	g := fx.gatekeeper(t)

	toc, ok := g.Lookup(tocPath)
	require.True(t, ok)
	assert.Equal(t, testTOC, readAll(t, toc))

	cas, ok := g.Lookup(casPath)
	require.True(t, ok)
	assert.Equal(t, wantContainer(), readAll(t, cas))
	assert.Equal(t, int64(51), cas.Size())

	assert.Equal(t, int32(1), fx.builder.calls.Load(), "toc and container share one build")
	v, ok := fx.builder.roots.Load(fx.source.Scratch)
	require.True(t, ok, "builder receives the scratch folder")
	assert.Equal(t, TocPartitionSize, v)

	again, ok := g.Lookup(`\scratch\MODA\modA.ucas`)
	require.True(t, ok)
	assert.Same(t, cas, again, "cached file is returned for any spelling")
	assert.Equal(t, int32(1), fx.builder.calls.Load())
}

func TestLookupConcurrentSingleBuild(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.builder.delay = 20 * time.Millisecond
	m := &recordingMetrics{}
	g := fx.gatekeeper(t, WithMetrics(m))

	const n = 32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f, ok := g.Lookup(casPath); ok {
				assert.Equal(t, int64(51), f.Size())
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), fx.builder.calls.Load())
	assert.Equal(t, 1, m.count(metrics.OutcomeOK))

	f, ok := g.Lookup(casPath)
	require.True(t, ok)
	assert.Equal(t, wantContainer(), readAll(t, f))
}

func TestLookupReentrantQueryFallsThrough(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	var g *Gatekeeper
	var reentrant atomic.Bool
	fx.builder.during = func() {
		_, ok := g.Lookup(tocPath)
		reentrant.Store(ok)
	}
	g = fx.gatekeeper(t)

	f, ok := g.Lookup(tocPath)
	require.True(t, ok)
	assert.Equal(t, testTOC, readAll(t, f))
	assert.False(t, reentrant.Load(), "query during construction sees the sentinel")
	assert.Equal(t, int32(1), fx.builder.calls.Load())
}

func TestLookupReentrantSiblingQueryFallsThrough(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	var g *Gatekeeper
	var sibling atomic.Bool
	var prepareErr error
	fx.builder.during = func() {
		_, ok := g.Lookup(casPath)
		sibling.Store(ok)
		prepareErr = g.Prepare("modA")
	}
	var built []string
	g = fx.gatekeeper(t, WithOnBuilt(func(src resolve.Source) {
		built = append(built, src.ID)
	}))

	done := make(chan bool)
	go func() {
		_, ok := g.Lookup(tocPath)
		done <- ok
	}()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup blocked on its own build")
	}

	assert.False(t, sibling.Load(), "sibling query during construction falls through")
	require.ErrorIs(t, prepareErr, ErrBuildInProgress)
	assert.Equal(t, []string{"modA"}, built)

	cas, ok := g.Lookup(casPath)
	require.True(t, ok, "sibling is served once the build is done")
	assert.Equal(t, wantContainer(), readAll(t, cas))
	assert.Equal(t, int32(1), fx.builder.calls.Load())
}

func TestLookupBuildFailureRetracts(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.builder.err = errors.New("no assets staged")
	m := &recordingMetrics{}
	var retracted []string
	var mu sync.Mutex
	g := fx.gatekeeper(t,
		WithMetrics(m),
		WithRetract(func(root string) {
			mu.Lock()
			defer mu.Unlock()
			retracted = append(retracted, root)
		}),
	)

	_, ok := g.Lookup(tocPath)
	assert.False(t, ok)
	_, ok = g.Lookup(casPath)
	assert.False(t, ok)
	_, ok = g.Lookup(tocPath)
	assert.False(t, ok)

	assert.Equal(t, int32(1), fx.builder.calls.Load())
	assert.Equal(t, []string{"/mods/a"}, retracted)
	assert.Equal(t, 1, m.count(metrics.OutcomeFailed))

	err := g.Prepare("modA")
	require.ErrorContains(t, err, "no assets staged")
	assert.Equal(t, int32(1), fx.builder.calls.Load())
}

func TestLookupBadLayoutFails(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	b := BuilderFunc(func(string, TocVersion) (*Build, error) {
		return &Build{Blocks: []compose.Block{{Path: "/scratch/modA/staged/0.bin", Start: 4, Length: 1}}}, nil
	})
	var retracts atomic.Int32
	g := New(fx.resolver, fx.fs, b,
		WithTocVersion(TocInitial),
		WithPakVersion(PakFrozenIndex),
		WithRetract(func(string) { retracts.Add(1) }),
	)
	t.Cleanup(func() { _ = g.Close() })

	_, ok := g.Lookup(casPath)
	assert.False(t, ok)
	assert.Equal(t, int32(1), retracts.Load())
	require.ErrorIs(t, g.Prepare("modA"), compose.ErrBlockLayout)
}

func TestLookupNilBuild(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	g := New(fx.resolver, fx.fs, BuilderFunc(func(string, TocVersion) (*Build, error) { return nil, nil }),
		WithTocVersion(TocInitial), WithPakVersion(PakFrozenIndex))
	t.Cleanup(func() { _ = g.Close() })
	require.ErrorIs(t, g.Prepare("modA"), ErrEmptyBuild)

	g2 := New(fx.resolver, fx.fs, nil, WithTocVersion(TocInitial), WithPakVersion(PakFrozenIndex))
	require.ErrorIs(t, g2.Prepare("modA"), ErrNoBuilder)
}

func TestLookupUnsupportedVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		toc  TocVersion
		pak  PakVersion
	}{
		{"no toc", TocNone, PakFn64BugFix},
		{"old pak", TocInitial, PakFNameBasedCompressionB},
		{"unknown pak", TocPerfectHash, PakUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			g := fx.gatekeeper(t, WithTocVersion(tt.toc), WithPakVersion(tt.pak))
			assert.False(t, g.Enabled())

			for _, p := range []string{tocPath, casPath, pakPath} {
				_, ok := g.Lookup(p)
				assert.False(t, ok, p)
			}
			assert.Zero(t, fx.builder.calls.Load())
			require.ErrorIs(t, g.Prepare("modA"), ErrUnsupportedVersion)

			phys, ok := g.Redirect("../../../Content/foo.uasset")
			require.True(t, ok, "loose redirection is unaffected")
			assert.Equal(t, "/mods/a/Content/foo.uasset", phys)
		})
	}
}

func TestLookupIgnoresNonCandidates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	_, err := fx.resolver.Register("modB", "/mods/b")
	require.NoError(t, err)
	g := fx.gatekeeper(t, WithDump("/scratch/modA/dump", false))

	for _, p := range []string{
		"/scratch/modA/staged/0.bin",           // not a container extension
		"/game/Content/Paks/pakchunk0.utoc",    // outside any scratch folder
		"/mods/a/Content/modA.ucas",            // source root, not scratch
		"/mods/b/Content/Paks/other.pak",       // real archive in a source
		"/scratch/unknown/x.utoc",              // scratch area, no owner
		"/scratch/modA/dump/modA.utoc",         // dump output
		"../../../Content/Paks/pakchunk0.ucas", // engine relative
	} {
		_, ok := g.Lookup(p)
		assert.False(t, ok, p)
	}
	assert.Zero(t, fx.builder.calls.Load())
}

func TestLookupPlaceholder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pak  PakVersion
		want string
	}{
		{PakFrozenIndex, "frozen index placeholder"},
		{PakFn64BugFix, "fn64 placeholder"},
	}
	for _, tt := range tests {
		t.Run(tt.pak.String(), func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t)
			g := fx.gatekeeper(t, WithPakVersion(tt.pak))

			f, ok := g.Lookup(pakPath)
			require.True(t, ok)
			assert.Equal(t, []byte(tt.want), readAll(t, f))
			assert.Zero(t, fx.builder.calls.Load(), "placeholders need no build")
		})
	}
}

func TestLookupPlaceholderMissing(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	g := fx.gatekeeper(t, WithPlaceholderDir(""))
	_, ok := g.Lookup(pakPath)
	assert.False(t, ok)

	fx2 := newFixture(t)
	g2 := fx2.gatekeeper(t, WithPlaceholderDir("/nowhere"))
	_, ok = g2.Lookup(pakPath)
	assert.False(t, ok)
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	g := fx.gatekeeper(t)

	require.NoError(t, g.Prepare("modA"))
	require.NoError(t, g.Prepare("modA"))
	assert.Equal(t, int32(1), fx.builder.calls.Load())

	_, ok := g.Lookup(casPath)
	require.True(t, ok)
	assert.Equal(t, int32(1), fx.builder.calls.Load())

	require.ErrorIs(t, g.Prepare("missing"), ErrUnknownSource)

	noScratch := resolve.New(fx.fs)
	_, err := noScratch.Register("modA", "/mods/a")
	require.NoError(t, err)
	g2 := New(noScratch, fx.fs, fx.builder, WithTocVersion(TocInitial), WithPakVersion(PakFrozenIndex))
	require.ErrorIs(t, g2.Prepare("modA"), ErrNoScratch)

	_, err = fx.resolver.Register("modB", "/mods/b")
	require.NoError(t, err)
	require.ErrorIs(t, g.Prepare("modB"), ErrNoScratch, "scratch folder not staged")
	assert.Equal(t, int32(1), fx.builder.calls.Load())
}

func TestDump(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t)
		g := fx.gatekeeper(t, WithDump("/dump", false))
		_, ok := g.Lookup(casPath)
		require.True(t, ok)

		data, err := afero.ReadFile(fx.fs, "/dump/modA.ucas")
		require.NoError(t, err)
		assert.Equal(t, wantContainer(), data)

		entries, err := afero.ReadDir(fx.fs, "/dump")
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temporary files left behind")
	})

	t.Run("compressed", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t)
		g := fx.gatekeeper(t, WithDump("/dump", true))
		_, ok := g.Lookup(tocPath)
		require.True(t, ok)

		compressed, err := afero.ReadFile(fx.fs, "/dump/modA.utoc.zst")
		require.NoError(t, err)
		dec, err := zstd.NewReader(nil)
		require.NoError(t, err)
		defer dec.Close()
		data, err := dec.DecodeAll(compressed, nil)
		require.NoError(t, err)
		assert.Equal(t, testTOC, data)
	})
}

func TestWriteDumpDigest(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	f := newMemFile([]byte("dump me"))
	d, err := writeDump(fsys, "/out/x.utoc", f, false)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes([]byte("dump me")), d)

	d, err = writeDump(fsys, "/out/x.utoc.zst", f, true)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes([]byte("dump me")), d, "digest covers uncompressed bytes")
}

func TestClose(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	g := fx.gatekeeper(t)

	f, ok := g.Lookup(casPath)
	require.True(t, ok)
	_, ok = g.Lookup(pakPath)
	require.True(t, ok)

	require.NoError(t, g.Close())
	_, err := f.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, compose.ErrClosed)

	_, ok = g.Lookup(tocPath)
	assert.False(t, ok)
}
