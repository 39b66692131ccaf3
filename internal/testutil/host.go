// Package testutil provides a simulated engine host, a staging container
// builder and fixture helpers for tests.
package testutil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/meigma/overlay/hook"
	"github.com/meigma/overlay/internal/pathutil"
	"github.com/meigma/overlay/signature"
)

const (
	// HostName is the executable name of the simulated host.
	HostName = "TestGame-Win64-Shipping.exe"

	// HostBase is the load address of the simulated image.
	HostBase uintptr = 0x140000000

	// HostText is where the image's code section is loaded.
	HostText = HostBase + textRVA

	// HostOrder is the order the native pak order function returns.
	HostOrder = 4

	imageSize       = 0x400
	textRVA         = 0x1000
	textOffset      = 0x400
	entryStride     = 0x40
	signingCallSite = 0x20
	signingTarget   = 0x300
	versionResource = 0x380
)

// HostKeys is the signing key table the native accessor returns.
var HostKeys = &hook.SigningKeys{Function: 0xdead, Size: 1}

// entryPattern is the pattern locating kind's entry point. The fifth byte
// is a wildcard so scanning with wildcards is exercised end to end.
func entryPattern(kind hook.Kind) string {
	if kind == hook.KindSigningKeys {
		return "E8 ?? ?? ?? ?? 48 8B D8 39 78 ??"
	}
	return fmt.Sprintf("4C 8B DC 55 ?? 56 57 %02X", byte(kind))
}

// Host simulates an engine process: a code section with one entry point
// per kind, and native implementations backed by Fs. Image is that code
// section as loaded at HostText.
type Host struct {
	Image *hook.MemoryImage
	Table *hook.Table
	Fs    afero.Fs

	mu       sync.Mutex
	folders  []string
	archived map[string]bool
	calls    map[hook.Kind]int
}

// NewHost builds a host whose image reports engine version 4.27.
func NewHost(fsys afero.Fs) *Host {
	h := &Host{
		Fs:       fsys,
		Table:    hook.NewTable(),
		archived: make(map[string]bool),
		calls:    make(map[hook.Kind]int),
	}
	h.Image = hook.NewMemoryImage(HostName, HostText, buildImage(4, 27))
	for _, kind := range hook.Kinds() {
		h.Table.Define(h.address(kind), kind, h.native(kind))
	}
	return h
}

func buildImage(major, minor uint16) []byte {
	data := bytes.Repeat([]byte{0xCC}, imageSize)
	for _, kind := range hook.Kinds() {
		if kind == hook.KindSigningKeys {
			continue
		}
		copy(data[int(kind)*entryStride:], []byte{0x4C, 0x8B, 0xDC, 0x55, 0x53, 0x56, 0x57, byte(kind)})
	}
	data[signingCallSite] = 0xE8
	rel := int32(signingTarget - (signingCallSite + 5))
	binary.LittleEndian.PutUint32(data[signingCallSite+1:], uint32(rel)) //nolint:gosec // positive constant
	copy(data[signingCallSite+5:], []byte{0x48, 0x8B, 0xD8, 0x39, 0x78, 0x10})

	copy(data[versionResource:], []byte{0xBD, 0x04, 0xEF, 0xFE})
	binary.LittleEndian.PutUint16(data[versionResource+8:], minor)
	binary.LittleEndian.PutUint16(data[versionResource+10:], major)
	return data
}

// address returns where kind's native implementation lives.
func (h *Host) address(kind hook.Kind) uintptr {
	if kind == hook.KindSigningKeys {
		return HostText + signingTarget
	}
	return HostText + uintptr(kind)*entryStride
}

// Signatures returns a table describing the host, without patterns for omit.
func Signatures(tb testing.TB, omit ...hook.Kind) *signature.Table {
	tb.Helper()
	var b strings.Builder
	b.WriteString("signatures:\n")
	b.WriteString("  - name: test-host\n")
	fmt.Fprintf(&b, "    executables: [%s]\n", HostName)
	b.WriteString("    toc_version: partition_size\n")
	b.WriteString("    pak_version: fn64_bug_fix\n")
	b.WriteString("    patterns:\n")
	for _, kind := range hook.Kinds() {
		if slices.Contains(omit, kind) {
			continue
		}
		fmt.Fprintf(&b, "      %s: %q\n", kind, entryPattern(kind))
	}
	t, err := signature.Parse([]byte(b.String()))
	require.NoError(tb, err)
	return t
}

// Call invokes the entry point for kind the way the engine would.
func (h *Host) Call(kind hook.Kind, req *hook.Request) hook.Response {
	return h.Table.Call(h.address(kind), req)
}

// SetFolders sets the engine's own archive folders.
func (h *Host) SetFolders(folders ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.folders = folders
}

// Archive marks paths as present inside a mounted archive.
func (h *Host) Archive(paths ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range paths {
		h.archived[pathutil.Key(p)] = true
	}
}

// Calls returns how often the native implementation of kind ran.
func (h *Host) Calls(kind hook.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[kind]
}

func (h *Host) count(kind hook.Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[kind]++
}

func (h *Host) native(kind hook.Kind) hook.Func {
	return func(req *hook.Request) hook.Response {
		h.count(kind)
		switch kind {
		case hook.KindSigningKeys:
			return hook.Response{SigningKeys: HostKeys}
		case hook.KindPakFolders:
			h.mu.Lock()
			defer h.mu.Unlock()
			return hook.Response{Folders: slices.Clone(h.folders)}
		case hook.KindPakOrder:
			return hook.Response{Order: HostOrder}
		case hook.KindPakOpen, hook.KindPakOpenAsync:
			data, err := afero.ReadFile(h.Fs, pathutil.Slash(req.Path))
			if err != nil {
				return hook.Response{Path: req.Path, Err: err}
			}
			return hook.Response{Handle: bytes.NewReader(data), Path: req.Path, Exists: true, Size: int64(len(data))}
		case hook.KindFileExists:
			ok, err := afero.Exists(h.Fs, pathutil.Slash(req.Path))
			return hook.Response{Exists: ok, Path: req.Path, Err: err}
		case hook.KindFindFile:
			h.mu.Lock()
			defer h.mu.Unlock()
			return hook.Response{Exists: h.archived[pathutil.Key(req.Path)]}
		case hook.KindReadBlocks:
			f, err := h.Fs.Open(pathutil.Slash(req.Path))
			if err != nil {
				return hook.Response{Err: err}
			}
			defer f.Close()
			n, err := f.ReadAt(req.Buffer, req.Offset)
			return hook.Response{N: n, Err: err}
		case hook.KindOpenContainer:
			info, err := h.Fs.Stat(pathutil.Slash(req.Path))
			if err != nil {
				return hook.Response{Err: err}
			}
			return hook.Response{Exists: true, Size: info.Size()}
		default:
			return hook.Response{}
		}
	}
}

// WriteExecutable writes the host's code section into dir as a PE
// executable named HostName, with the section stored at a file offset
// that differs from its RVA. It returns the path.
func (h *Host) WriteExecutable(tb testing.TB, dir string) string {
	tb.Helper()
	code := h.Image.Bytes()

	var b bytes.Buffer
	dos := make([]byte, 0x40)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40)
	b.Write(dos)
	b.WriteString("PE\x00\x00")

	var opt pe.OptionalHeader64
	write := func(v any) {
		require.NoError(tb, binary.Write(&b, binary.LittleEndian, v))
	}
	write(pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(opt)), //nolint:gosec // fixed struct size
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	})
	opt = pe.OptionalHeader64{
		Magic:               0x20b,
		SizeOfCode:          uint32(len(code)), //nolint:gosec // small test image
		BaseOfCode:          textRVA,
		ImageBase:           uint64(HostBase),
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         textRVA + 0x1000,
		SizeOfHeaders:       textOffset,
		NumberOfRvaAndSizes: 16,
	}
	write(opt)
	text := pe.SectionHeader32{
		VirtualSize:      uint32(len(code)), //nolint:gosec // small test image
		VirtualAddress:   textRVA,
		SizeOfRawData:    uint32(len(code)), //nolint:gosec // small test image
		PointerToRawData: textOffset,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(text.Name[:], ".text")
	write(text)

	b.Write(make([]byte, textOffset-b.Len()))
	b.Write(code)

	path := filepath.Join(dir, HostName)
	require.NoError(tb, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}
