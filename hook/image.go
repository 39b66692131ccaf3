package hook

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/meigma/overlay/internal/platform"
)

var (
	// ErrInvalidImage is returned when an executable cannot be parsed.
	ErrInvalidImage = errors.New("hook: invalid executable image")

	// ErrUnmappedOffset is returned for image offsets the loader never maps.
	ErrUnmappedOffset = errors.New("hook: offset not mapped")
)

// Image is the host's main executable image.
type Image interface {
	// Name returns the executable file name, e.g. "Game-Win64-Shipping.exe".
	Name() string

	// Base returns the address the image is loaded at.
	Base() uintptr

	// Bytes returns the image contents scanned for patterns.
	Bytes() []byte

	// Address returns the loaded address of the byte at offset in Bytes.
	Address(offset int) (uintptr, error)
}

// MemoryImage is an Image over bytes already laid out as loaded, so an
// offset is relative to Base.
type MemoryImage struct {
	name string
	base uintptr
	data []byte
}

var _ Image = (*MemoryImage)(nil)

// NewMemoryImage returns an Image over data loaded at base.
func NewMemoryImage(name string, base uintptr, data []byte) *MemoryImage {
	return &MemoryImage{name: name, base: base, data: data}
}

func (m *MemoryImage) Name() string  { return m.name }
func (m *MemoryImage) Base() uintptr { return m.base }
func (m *MemoryImage) Bytes() []byte { return m.data }

// Address implements Image.
func (m *MemoryImage) Address(offset int) (uintptr, error) {
	if offset < 0 || offset >= len(m.data) {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnmappedOffset, offset)
	}
	return m.base + uintptr(offset), nil //nolint:gosec // offset checked above
}

// FileImage is an Image mapped read-only from a PE executable on disk.
//
// Bytes are the file as stored, not as loaded: Address goes through the
// section table to turn a file offset into base + RVA.
type FileImage struct {
	name     string
	base     uintptr
	data     []byte
	headers  int
	sections []section
	release  func() error
}

var _ Image = (*FileImage)(nil)

// section maps the raw bytes of one PE section to its RVA.
type section struct {
	offset int
	size   int
	rva    uintptr
}

// OpenImage maps the executable at path. A zero base means the image is
// loaded at the preferred base recorded in its optional header.
// Close releases the mapping.
func OpenImage(path string, base uintptr) (*FileImage, error) {
	data, release, err := platform.MapFile(path)
	if err != nil {
		return nil, err
	}
	img := &FileImage{name: filepath.Base(path), base: base, data: data, release: release}
	if err := img.parse(); err != nil {
		_ = release()
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	return img, nil
}

func (f *FileImage) parse() error {
	pf, err := pe.NewFile(bytes.NewReader(f.data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	defer pf.Close()

	var preferred uint64
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		preferred = oh.ImageBase
	case *pe.OptionalHeader32:
		preferred = uint64(oh.ImageBase)
	}
	if f.base == 0 {
		f.base = uintptr(preferred) //nolint:gosec // image base from the header
	}

	f.headers = len(f.data)
	for _, s := range pf.Sections {
		if s.Offset == 0 || s.Size == 0 {
			continue
		}
		size := s.Size
		if s.VirtualSize > 0 && s.VirtualSize < size {
			size = s.VirtualSize
		}
		f.sections = append(f.sections, section{
			offset: int(s.Offset),
			size:   int(size),
			rva:    uintptr(s.VirtualAddress),
		})
		f.headers = min(f.headers, int(s.Offset))
	}
	return nil
}

func (f *FileImage) Name() string  { return f.name }
func (f *FileImage) Base() uintptr { return f.base }
func (f *FileImage) Bytes() []byte { return f.data }

// Address implements Image. Offsets inside the headers map one to one;
// offsets in a section's raw data map into that section.
func (f *FileImage) Address(offset int) (uintptr, error) {
	if offset < 0 || offset >= len(f.data) {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnmappedOffset, offset)
	}
	if offset < f.headers {
		return f.base + uintptr(offset), nil //nolint:gosec // offset checked above
	}
	for _, s := range f.sections {
		if offset >= s.offset && offset < s.offset+s.size {
			return f.base + s.rva + uintptr(offset-s.offset), nil //nolint:gosec // offset checked above
		}
	}
	return 0, fmt.Errorf("%w: 0x%x is outside every section", ErrUnmappedOffset, offset)
}

// Close unmaps the image.
func (f *FileImage) Close() error {
	if f.release == nil {
		return nil
	}
	err := f.release()
	f.release = nil
	f.data = nil
	return err
}

// relativeTarget decodes the rel32 operand of a call or jump instruction
// at offset and returns the absolute address it branches to.
func relativeTarget(img Image, offset int) (uintptr, error) {
	data := img.Bytes()
	if offset < 0 || offset+5 > len(data) {
		return 0, fmt.Errorf("%w: relative operand at 0x%x out of range", ErrPatternNotFound, offset)
	}
	at, err := img.Address(offset)
	if err != nil {
		return 0, err
	}
	rel := int32(binary.LittleEndian.Uint32(data[offset+1 : offset+5])) //nolint:gosec // two's complement displacement
	return uintptr(int64(at) + 5 + int64(rel)), nil                       //nolint:gosec // address arithmetic
}
