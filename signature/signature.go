// Package signature holds the per-engine-build table of entry point
// patterns and selects the entry matching a host image.
package signature

import (
	"bytes"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meigma/overlay/emulate"
	"github.com/meigma/overlay/hook"
	"github.com/meigma/overlay/internal/pathutil"
)

//go:embed signatures.yaml
var defaultTable []byte

var (
	// ErrNoSignatures is returned when no entry matches an image.
	ErrNoSignatures = errors.New("signature: no signatures for image")

	// ErrNoEngineVersion is returned when an image carries no version resource.
	ErrNoEngineVersion = errors.New("signature: engine version not found")

	// ErrInvalidTable is returned for malformed signature tables.
	ErrInvalidTable = errors.New("signature: invalid table")
)

// versionMarker opens the fixed file info block of the image's version
// resource. The file version follows 8 bytes later as minor, major.
var versionMarker = []byte{0xBD, 0x04, 0xEF, 0xFE}

const versionOffset = 8

// Signature describes one engine build.
type Signature struct {
	Name           string            `yaml:"name"`
	Executables    []string          `yaml:"executables"`
	EngineVersions []string          `yaml:"engine_versions"`
	TocVersion     string            `yaml:"toc_version"`
	PakVersion     string            `yaml:"pak_version"`
	Patterns       map[string]string `yaml:"patterns"`

	toc  emulate.TocVersion
	pak  emulate.PakVersion
	pats map[hook.Kind]string
}

// Toc returns the table-of-contents revision of the build.
func (s *Signature) Toc() emulate.TocVersion { return s.toc }

// Pak returns the archive revision of the build.
func (s *Signature) Pak() emulate.PakVersion { return s.pak }

// Pattern returns the pattern for kind, if the build has one.
func (s *Signature) Pattern(kind hook.Kind) (string, bool) {
	p, ok := s.pats[kind]
	return p, ok
}

// Table is an ordered list of signatures.
type Table struct {
	Signatures []*Signature `yaml:"signatures"`
}

// Default returns the built-in table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// Load reads a table from path. An empty path returns the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-provided
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML table.
func Parse(data []byte) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	for i, s := range t.Signatures {
		if s == nil {
			return nil, fmt.Errorf("%w: entry %d is empty", ErrInvalidTable, i)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s): %w", ErrInvalidTable, i, s.Name, err)
		}
	}
	return &t, nil
}

func (s *Signature) validate() error {
	if s.Name == "" {
		return errors.New("missing name")
	}
	if len(s.Executables) == 0 && len(s.EngineVersions) == 0 {
		return errors.New("no executables or engine versions")
	}
	var ok bool
	if s.TocVersion == "" {
		s.toc = emulate.TocNone
	} else if s.toc, ok = emulate.ParseTocVersion(s.TocVersion); !ok {
		return fmt.Errorf("unknown toc version %q", s.TocVersion)
	}
	if s.PakVersion == "" {
		s.pak = emulate.PakUnknown
	} else if s.pak, ok = emulate.ParsePakVersion(s.PakVersion); !ok {
		return fmt.Errorf("unknown pak version %q", s.PakVersion)
	}

	s.pats = make(map[hook.Kind]string, len(s.Patterns))
	for name, p := range s.Patterns {
		kind, ok := kindByName(name)
		if !ok {
			return fmt.Errorf("unknown entry point %q", name)
		}
		if _, err := hook.ParsePattern(p); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		s.pats[kind] = p
	}
	return nil
}

func kindByName(name string) (hook.Kind, bool) {
	for _, k := range hook.Kinds() {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// ForExecutable returns the entry listing the executable's file name.
func (t *Table) ForExecutable(name string) (*Signature, bool) {
	base := pathutil.Base(name)
	for _, s := range t.Signatures {
		for _, exe := range s.Executables {
			if strings.EqualFold(exe, base) {
				return s, true
			}
		}
	}
	return nil, false
}

// ForEngine returns the entry for an engine version such as "4.27".
func (t *Table) ForEngine(version string) (*Signature, bool) {
	for _, s := range t.Signatures {
		for _, v := range s.EngineVersions {
			if v == version {
				return s, true
			}
		}
	}
	return nil, false
}

// Select picks the entry for img: by executable name, then by the engine
// version found in the image.
func (t *Table) Select(img hook.Image) (*Signature, error) {
	if s, ok := t.ForExecutable(img.Name()); ok {
		return s, nil
	}
	version, err := DetectEngineVersion(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoSignatures, img.Name(), err)
	}
	if s, ok := t.ForEngine(version); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s, engine %s", ErrNoSignatures, img.Name(), version)
}

// DetectEngineVersion reads "major.minor" from the image's version resource.
func DetectEngineVersion(img hook.Image) (string, error) {
	data := img.Bytes()
	i := bytes.Index(data, versionMarker)
	if i < 0 || i+versionOffset+4 > len(data) {
		return "", ErrNoEngineVersion
	}
	minor := binary.LittleEndian.Uint16(data[i+versionOffset:])
	major := binary.LittleEndian.Uint16(data[i+versionOffset+2:])
	return fmt.Sprintf("%d.%d", major, minor), nil
}
