package resolve

import (
	"path/filepath"
	"slices"

	"github.com/meigma/overlay/internal/pathutil"
)

// Archive extensions are mounted by the engine rather than redirected.
var archiveExts = []string{".pak", ".utoc", ".ucas", ".sig"}

func isArchive(path string) bool {
	return slices.Contains(archiveExts, pathutil.Ext(path))
}

// Source is one registered content package.
type Source struct {
	// ID is the stable identifier supplied by the host, usually a mod id.
	ID string

	// Root is the physical folder the source's files were read from.
	Root string

	// Scratch is the per-source staging folder under the scratch area, or
	// "" when no scratch area is configured.
	Scratch string

	// Index is the zero-based registration index.
	Index int

	// PakFolders lists folders under Root holding archive files, in walk order.
	PakFolders []string

	// Files is the number of loose files the source redirects.
	Files int
}

// Owns reports whether path lies in the source's root or scratch folder.
func (s Source) Owns(path string) bool {
	if pathutil.Contains(s.Root, path) {
		return true
	}
	return s.Scratch != "" && pathutil.Contains(s.Scratch, path)
}

func scratchFolder(area, id string) string {
	if area == "" {
		return ""
	}
	return filepath.Join(area, id)
}
