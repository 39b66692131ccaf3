//go:build !unix

package platform

import "os"

// MapFile reads the named file into memory.
// Platforms without mmap support get a plain copy; release is a no-op.
func MapFile(name string) (data []byte, release func() error, err error) {
	data, err = os.ReadFile(name) //nolint:gosec // caller-provided executable path
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
