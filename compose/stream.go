package compose

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/overlay/internal/sizing"
)

// DefaultAlignment is the partition alignment of the engine's container format.
const DefaultAlignment int64 = 0x800

// defaultOpenConcurrency bounds the number of files opened at once.
const defaultOpenConcurrency = 8

var (
	// ErrBlockLayout is returned when a block does not start where the
	// previous block (plus padding) ended, or has a negative length.
	ErrBlockLayout = errors.New("compose: block layout mismatch")

	// ErrShortFile is returned when a backing file is smaller than its block.
	ErrShortFile = errors.New("compose: backing file shorter than block")

	// ErrSizeOverflow is returned when the container would exceed int64 offsets.
	ErrSizeOverflow = errors.New("compose: size overflow")

	// ErrInvalidAlignment is returned for negative alignments.
	ErrInvalidAlignment = errors.New("compose: invalid alignment")

	// ErrClosed is returned when reading a closed stream.
	ErrClosed = errors.New("compose: stream closed")
)

// Option configures Compose.
type Option func(*config)

type config struct {
	alignment       int64
	openConcurrency int
	logger          *slog.Logger
}

// WithAlignment sets the partition alignment. 0 and 1 disable padding.
func WithAlignment(n int64) Option {
	return func(c *config) {
		c.alignment = n
	}
}

// WithOpenConcurrency sets how many backing files are opened in parallel.
// Values < 1 open files one at a time.
func WithOpenConcurrency(n int) Option {
	return func(c *config) {
		c.openConcurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// segment is a Segment plus whatever backs it.
type segment struct {
	Segment
	file io.ReaderAt // SegmentFile
	data []byte      // SegmentHeader
}

// Stream is a read-only view of a container assembled from segments.
type Stream struct {
	segments []segment
	size     int64
	id       string
	files    []afero.File

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Compose lays out blocks, then header, as one stream.
//
// Each block becomes a file window at the next free offset, followed by
// zero padding up to the next multiple of the alignment. The header is
// appended after the last block. Every backing file is opened from fsys
// before Compose returns; on error none remain open.
func Compose(fsys afero.Fs, blocks []Block, header []byte, opts ...Option) (*Stream, error) {
	cfg := config{
		alignment:       DefaultAlignment,
		openConcurrency: defaultOpenConcurrency,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.alignment < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAlignment, cfg.alignment)
	}

	segments, fileIdx, size, err := layout(blocks, header, cfg.alignment)
	if err != nil {
		return nil, err
	}

	files, err := openAll(fsys, blocks, cfg.openConcurrency)
	if err != nil {
		return nil, err
	}
	for i, si := range fileIdx {
		segments[si].file = concurrentReaderAt(files[i])
	}

	s := &Stream{
		segments: segments,
		size:     size,
		id:       streamID(blocks, header, cfg.alignment),
		files:    files,
	}
	log(cfg.logger).Debug("container composed",
		"blocks", len(blocks), "segments", len(segments), "size", size, "id", s.id)
	return s, nil
}

func log(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// layout computes the segment table. fileIdx maps each opened file, in
// order, to its segment index; zero-length blocks get no segment.
func layout(blocks []Block, header []byte, alignment int64) (segments []segment, fileIdx []int, size int64, err error) {
	segments = make([]segment, 0, 2*len(blocks)+1)
	var next int64
	for i, b := range blocks {
		if b.Length < 0 || b.Start != next {
			return nil, nil, 0, fmt.Errorf("%w: block %d (%s) at %d+%d, expected start %d",
				ErrBlockLayout, i, b.Path, b.Start, b.Length, next)
		}
		if b.Length == 0 {
			continue
		}
		end, ok := sizing.AddInt64(next, b.Length)
		if !ok {
			return nil, nil, 0, ErrSizeOverflow
		}
		fileIdx = append(fileIdx, len(segments))
		segments = append(segments, segment{Segment: Segment{Kind: SegmentFile, Offset: next, Length: b.Length, Path: b.Path}})

		aligned, ok := sizing.AlignUp(end, alignment)
		if !ok {
			return nil, nil, 0, ErrSizeOverflow
		}
		if aligned > end {
			segments = append(segments, segment{Segment: Segment{Kind: SegmentPadding, Offset: end, Length: aligned - end}})
		}
		next = aligned
	}
	if len(header) > 0 {
		end, ok := sizing.AddInt64(next, int64(len(header)))
		if !ok {
			return nil, nil, 0, ErrSizeOverflow
		}
		segments = append(segments, segment{
			Segment: Segment{Kind: SegmentHeader, Offset: next, Length: int64(len(header))},
			data:    bytes.Clone(header),
		})
		next = end
	}
	return segments, fileIdx, next, nil
}

// openAll opens the file behind every non-empty block and checks its size.
func openAll(fsys afero.Fs, blocks []Block, concurrency int) ([]afero.File, error) {
	var nonEmpty []Block
	for _, b := range blocks {
		if b.Length > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	files := make([]afero.File, len(nonEmpty))
	if concurrency < 1 {
		concurrency = 1
	}

	var eg errgroup.Group
	eg.SetLimit(concurrency)
	for i, b := range nonEmpty {
		eg.Go(func() error {
			f, err := fsys.Open(b.Path)
			if err != nil {
				return err
			}
			files[i] = f
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if info.Size() < b.Length {
				return &fs.PathError{
					Op:   "compose",
					Path: b.Path,
					Err:  fmt.Errorf("%w: %d < %d", ErrShortFile, info.Size(), b.Length),
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
		return nil, err
	}
	return files, nil
}

// concurrentReaderAt returns a ReaderAt safe for parallel calls.
// *os.File reads positionally; other afero files (notably the in-memory
// ones) implement ReadAt by moving a shared offset and need a lock.
func concurrentReaderAt(f afero.File) io.ReaderAt {
	if osf, ok := f.(*os.File); ok {
		return osf
	}
	return &lockedReaderAt{r: f}
}

type lockedReaderAt struct {
	mu sync.Mutex
	r  io.ReaderAt
}

func (l *lockedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.ReadAt(p, off)
}

// streamID hashes the layout into a stable identifier.
func streamID(blocks []Block, header []byte, alignment int64) string {
	h := xxhash.New()
	var buf [8]byte
	putInt := func(n int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(n)) //nolint:gosec // bit pattern only
		_, _ = h.Write(buf[:])
	}
	putInt(alignment)
	for _, b := range blocks {
		_, _ = h.WriteString(b.Path)
		putInt(b.Start)
		putInt(b.Length)
	}
	_, _ = h.Write(header)
	return fmt.Sprintf("compose:%016x", h.Sum64())
}

// Size returns the total stream length.
func (s *Stream) Size() int64 {
	return s.size
}

// SourceID returns a stable identifier derived from the stream's layout.
func (s *Stream) SourceID() string {
	return s.id
}

// Layout returns a copy of the segment table in offset order.
func (s *Stream) Layout() []Segment {
	out := make([]Segment, len(s.segments))
	for i, seg := range s.segments {
		out[i] = seg.Segment
	}
	return out
}

// Reader returns an independent seekable reader over the whole stream.
func (s *Stream) Reader() *io.SectionReader {
	return io.NewSectionReader(s, 0, s.size)
}

// ReadAt implements io.ReaderAt.
//
// A read spanning several segments is split at segment boundaries and each
// part served from its own backing. Padding is zero filled without touching
// any file.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "readat", Path: s.id, Err: fs.ErrInvalid}
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rest := s.size - off; want > rest {
		want = rest
	}

	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].End() > off
	})
	var done int64
	for done < want {
		seg := &s.segments[i]
		rel := off + done - seg.Offset
		n := min(want-done, seg.Length-rel)
		dst := p[done : done+n]

		switch seg.Kind {
		case SegmentPadding:
			clear(dst)
		case SegmentHeader:
			copy(dst, seg.data[rel:rel+n])
		case SegmentFile:
			m, err := seg.file.ReadAt(dst, rel)
			if int64(m) < n {
				if err == nil || errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return int(done) + m, &fs.PathError{Op: "read", Path: seg.Path, Err: err}
			}
		}
		done += n
		i++
	}

	if want < int64(len(p)) {
		return int(want), io.EOF
	}
	return int(want), nil
}

// Close releases every backing file. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		errs := make([]error, 0, len(s.files))
		for _, f := range s.files {
			errs = append(errs, f.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
