// Package emulate decides which container paths are served from synthetic
// files and builds those files on first use.
//
// A [Gatekeeper] sits between the intercepted file handlers and the
// [resolve.Resolver]. Table-of-contents, container and placeholder archive
// paths under a source's scratch folder are emulated; everything else is
// left to loose-file redirection or to the host.
//
// Each path moves through three states. Absent means never queried. The
// first query stores a sentinel before any construction starts, so a query
// for the same path issued while building (including one the builder
// itself triggers through the host) falls through to the host. Success
// replaces the sentinel with the ready file. Failure keeps the sentinel and
// retracts the owning source.
//
// A source's table of contents and container come from one build. While it
// runs, queries for the other file of that source fall through as well and
// are served by the next query once the build is stored.
package emulate
