package testutil

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/meigma/overlay/compose"
	"github.com/meigma/overlay/emulate"
	"github.com/meigma/overlay/internal/pathutil"
	"github.com/meigma/overlay/internal/sizing"
)

// ContainerHeader is the header every Builder container ends with.
var ContainerHeader = []byte("TEST-CONTAINER-HEADER")

// Builder lays out every staged file under the root it is given, in
// lexical order, as one container. The TOC lists the staged file names.
// Archive files in the root (the placeholders the engine looks for) are
// skipped.
type Builder struct {
	Fs        afero.Fs
	Alignment int64
	Err       error

	calls atomic.Int32
}

var _ emulate.Builder = (*Builder)(nil)

// Calls returns how often Build ran.
func (b *Builder) Calls() int {
	return int(b.calls.Load())
}

// Build implements emulate.Builder.
func (b *Builder) Build(root string, _ emulate.TocVersion) (*emulate.Build, error) {
	b.calls.Add(1)
	if b.Err != nil {
		return nil, b.Err
	}
	var paths []string
	err := afero.Walk(b.Fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		switch pathutil.Ext(path) {
		case ".utoc", ".ucas", ".pak":
			return nil
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	out := &emulate.Build{Header: ContainerHeader}
	var names []string
	var next int64
	for _, p := range paths {
		info, err := b.Fs.Stat(p)
		if err != nil {
			return nil, err
		}
		out.Blocks = append(out.Blocks, compose.Block{Path: p, Start: next, Length: info.Size()})
		next, _ = sizing.AlignUp(next+info.Size(), b.Alignment)
		rel, _ := filepath.Rel(root, p)
		names = append(names, filepath.ToSlash(rel))
	}
	out.TOC = []byte(strings.Join(names, "\n"))
	return out, nil
}

// WriteFiles writes files, keyed by path, into fsys.
func WriteFiles(tb testing.TB, fsys afero.Fs, files map[string]string) {
	tb.Helper()
	for path, content := range files {
		require.NoError(tb, afero.WriteFile(fsys, path, []byte(content), 0o644))
	}
}
