package overlay

import (
	"errors"

	"github.com/meigma/overlay/compose"
	"github.com/meigma/overlay/emulate"
	"github.com/meigma/overlay/hook"
	"github.com/meigma/overlay/resolve"
	"github.com/meigma/overlay/signature"
)

// ErrAlreadyActive is returned when Activate is called twice.
var ErrAlreadyActive = errors.New("overlay: runtime already active")

// Errors re-exported from hook.
var (
	// ErrPatternNotFound is returned when an entry point pattern has no match.
	ErrPatternNotFound = hook.ErrPatternNotFound

	// ErrPatternAmbiguous is returned when an entry point pattern matches more than once.
	ErrPatternAmbiguous = hook.ErrPatternAmbiguous

	// ErrInvalidImage is returned when the host executable cannot be parsed.
	ErrInvalidImage = hook.ErrInvalidImage
)

// Errors re-exported from resolve.
var (
	// ErrInvalidSource is returned when a source has no id or root.
	ErrInvalidSource = resolve.ErrInvalidSource

	// ErrDuplicateSource is returned when a source id is registered twice.
	ErrDuplicateSource = resolve.ErrDuplicateSource
)

// Errors re-exported from compose and emulate.
var (
	// ErrBlockLayout is returned when a builder's blocks are not contiguous.
	ErrBlockLayout = compose.ErrBlockLayout

	// ErrUnsupportedVersion is returned when the engine has no container support.
	ErrUnsupportedVersion = emulate.ErrUnsupportedVersion
)

// ErrNoSignatures is returned when the signature table has no entry for the image.
var ErrNoSignatures = signature.ErrNoSignatures
