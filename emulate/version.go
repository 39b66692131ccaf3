package emulate

import "strconv"

// TocVersion is the table-of-contents format revision of the host engine.
type TocVersion uint8

const (
	// TocNone means the engine has no streaming container support.
	TocNone TocVersion = iota
	TocInitial
	TocDirectoryIndex
	TocPartitionSize
	TocPerfectHash
)

var tocNames = [...]string{
	TocNone:           "none",
	TocInitial:        "initial",
	TocDirectoryIndex: "directory_index",
	TocPartitionSize:  "partition_size",
	TocPerfectHash:    "perfect_hash",
}

func (v TocVersion) String() string {
	if int(v) < len(tocNames) {
		return tocNames[v]
	}
	return "toc(" + strconv.Itoa(int(v)) + ")"
}

// ParseTocVersion maps a name, as written in signature tables, to a version.
func ParseTocVersion(s string) (TocVersion, bool) {
	for i, name := range tocNames {
		if name == s {
			return TocVersion(i), true //nolint:gosec // bounded by tocNames
		}
	}
	return TocNone, false
}

// PakVersion is the legacy archive format revision of the host engine.
type PakVersion uint8

const (
	PakUnknown PakVersion = iota
	PakNoTimestamps
	PakCompressionEncryption
	PakIndexEncryption
	PakRelativeChunkOffsets
	PakEncryptionKeyGUID
	PakFNameBasedCompressionA
	PakFNameBasedCompressionB
	PakFrozenIndex
	PakFn64BugFix
)

var pakNames = [...]string{
	PakUnknown:                "unknown",
	PakNoTimestamps:           "no_timestamps",
	PakCompressionEncryption:  "compression_encryption",
	PakIndexEncryption:        "index_encryption",
	PakRelativeChunkOffsets:   "relative_chunk_offsets",
	PakEncryptionKeyGUID:      "encryption_key_guid",
	PakFNameBasedCompressionA: "fname_based_compression_a",
	PakFNameBasedCompressionB: "fname_based_compression_b",
	PakFrozenIndex:            "frozen_index",
	PakFn64BugFix:             "fn64_bug_fix",
}

func (v PakVersion) String() string {
	if int(v) < len(pakNames) {
		return pakNames[v]
	}
	return "pak(" + strconv.Itoa(int(v)) + ")"
}

// ParsePakVersion maps a name, as written in signature tables, to a version.
func ParsePakVersion(s string) (PakVersion, bool) {
	for i, name := range pakNames {
		if name == s {
			return PakVersion(i), true //nolint:gosec // bounded by pakNames
		}
	}
	return PakUnknown, false
}

// supportsContainers reports whether archives of this revision can sit
// next to streaming containers.
func (v PakVersion) supportsContainers() bool {
	return v == PakFrozenIndex || v == PakFn64BugFix
}

// placeholderName returns the placeholder archive file for the revision.
func (v PakVersion) placeholderName() string {
	if v == PakFrozenIndex {
		return "FrozenIndex.pak"
	}
	return "Fn64BugFix.pak"
}
