// Package compose synthesizes one addressable byte stream from many
// discontiguous physical files.
//
// A container is described by an ordered list of [Block]s produced by an
// external builder. [Compose] lays each block out as a file window at the
// next free offset, pads it with zeros up to the alignment boundary the
// container format requires, and appends a fixed in-memory header after
// the last block. No bytes are copied: the resulting [Stream] is a view
// that resolves every read to the segment holding it.
//
// Backing files are opened once, when the stream is composed, and are
// only ever read through io.ReaderAt. A Stream is immutable and safe for
// concurrent readers.
package compose
