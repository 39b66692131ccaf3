//go:build unix

package platform

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// MapFile maps the named file read-only into memory.
// The returned release function unmaps it; the data must not be used afterwards.
func MapFile(name string) (data []byte, release func() error, err error) {
	f, err := os.Open(name) //nolint:gosec // caller-provided executable path
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		return []byte{}, func() error { return nil }, nil
	}
	if size > math.MaxInt {
		return nil, nil, fmt.Errorf("map %s: %w", name, ErrTooLarge)
	}

	data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE) //nolint:gosec // fd fits in int
	if err != nil {
		return nil, nil, &os.PathError{Op: "mmap", Path: name, Err: err}
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
