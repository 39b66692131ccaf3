// Package platform holds the operating-system specific pieces used to load
// executable images.
package platform

import "errors"

// ErrTooLarge is returned when a file cannot be addressed in memory.
var ErrTooLarge = errors.New("file too large to map")
