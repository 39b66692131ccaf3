package overlay

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/meigma/overlay/internal/pathutil"
)

// folderList is a copy-on-write list of archive folders. Readers never lock.
type folderList struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]string]
}

func (f *folderList) list() []string {
	if p := f.snap.Load(); p != nil {
		return slices.Clone(*p)
	}
	return nil
}

func (f *folderList) add(folders ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.list()
	for _, dir := range folders {
		if !containsFolder(next, dir) {
			next = append(next, dir)
		}
	}
	f.snap.Store(&next)
}

func (f *folderList) remove(folders ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := slices.DeleteFunc(f.list(), func(dir string) bool {
		return containsFolder(folders, dir)
	})
	f.snap.Store(&next)
}

func containsFolder(folders []string, dir string) bool {
	key := pathutil.Key(dir)
	return slices.ContainsFunc(folders, func(d string) bool {
		return pathutil.Key(d) == key
	})
}

// merge appends the contributed folders to the engine's own list.
func (f *folderList) merge(engine []string) []string {
	out := slices.Clone(engine)
	if p := f.snap.Load(); p != nil {
		for _, dir := range *p {
			if !containsFolder(out, dir) {
				out = append(out, dir)
			}
		}
	}
	return out
}
