package emulate

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/overlay/compose"
)

// File is a read-only emulated file. Files are shared between callers and
// safe for concurrent ReadAt. They are released by [Gatekeeper.Close].
type File interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

// Build is the output of a [Builder] for one source.
type Build struct {
	// TOC is the table-of-contents file contents.
	TOC []byte

	// Blocks lay out the container, in order.
	Blocks []compose.Block

	// Header is appended after the last block.
	Header []byte
}

// Builder produces container metadata for a staged folder.
type Builder interface {
	Build(root string, version TocVersion) (*Build, error)
}

// BuilderFunc adapts a function to [Builder].
type BuilderFunc func(root string, version TocVersion) (*Build, error)

// Build calls f.
func (f BuilderFunc) Build(root string, version TocVersion) (*Build, error) {
	return f(root, version)
}

var (
	_ File = (*memFile)(nil)
	_ File = (*compose.Stream)(nil)
)

// memFile serves a byte slice.
type memFile struct {
	data []byte
	id   string
}

func newMemFile(data []byte) *memFile {
	return &memFile{
		data: bytes.Clone(data),
		id:   fmt.Sprintf("mem:%016x", xxhash.Sum64(data)),
	}
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "readat", Path: m.id, Err: fs.ErrInvalid}
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) Size() int64      { return int64(len(m.data)) }
func (m *memFile) SourceID() string { return m.id }
