package hook

import "io"

// Kind identifies an intercepted engine entry point.
type Kind uint8

const (
	// KindSigningKeys returns the archive signing key table.
	// Response: SigningKeys.
	KindSigningKeys Kind = iota + 1

	// KindPakFolders enumerates the folders searched for archives.
	// Request: Folders (the engine's list). Response: Folders.
	KindPakFolders

	// KindPakOrder returns the mount priority of an archive.
	// Request: Path. Response: Order.
	KindPakOrder

	// KindPakOpen opens a file for synchronous reading.
	// Request: Path. Response: Handle, Path (the path actually opened).
	KindPakOpen

	// KindPakOpenAsync opens a file for asynchronous reading.
	// Request: Path. Response: Handle, Path.
	KindPakOpenAsync

	// KindFileExists reports whether a file exists.
	// Request: Path. Response: Exists, Path.
	KindFileExists

	// KindFindFile reports whether a file is found inside a mounted archive.
	// Request: Path. Response: Exists.
	KindFindFile

	// KindReadBlocks reads bytes from an open container.
	// Request: Path, Offset, Buffer. Response: N.
	KindReadBlocks

	// KindOpenContainer opens a streaming container and reports its size.
	// Request: Path. Response: Exists, Size.
	KindOpenContainer
)

var kindNames = [...]string{
	KindSigningKeys:   "signing_keys",
	KindPakFolders:    "pak_folders",
	KindPakOrder:      "pak_order",
	KindPakOpen:       "pak_open",
	KindPakOpenAsync:  "pak_open_async",
	KindFileExists:    "file_exists",
	KindFindFile:      "find_file",
	KindReadBlocks:    "read_blocks",
	KindOpenContainer: "open_container",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindSigningKeys, KindPakFolders, KindPakOrder, KindPakOpen, KindPakOpenAsync,
		KindFileExists, KindFindFile, KindReadBlocks, KindOpenContainer,
	}
}

// Handle is a readable file handed back to the engine.
type Handle interface {
	io.ReaderAt
	Size() int64
}

// SigningKeys mirrors the engine's archive signing key table.
// The zero value is an empty table, which disables signature checks.
type SigningKeys struct {
	Function uintptr
	Size     int32
}

// Request carries the arguments of one intercepted call.
type Request struct {
	Kind    Kind
	Path    string
	Folders []string
	Offset  int64
	Buffer  []byte

	// Native is an opaque host value (such as a this pointer) passed
	// through to the original unchanged.
	Native uintptr
}

// Response carries the result of one intercepted call.
type Response struct {
	SigningKeys *SigningKeys
	Folders     []string
	Order       int
	Exists      bool
	Path        string
	Handle      Handle
	Size        int64
	N           int
	Err         error
}

// Func is the uniform call shape of every entry point.
type Func func(req *Request) Response

// Handler replaces an entry point. original invokes the displaced implementation.
type Handler func(req *Request, original Func) Response
