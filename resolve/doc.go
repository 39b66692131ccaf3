// Package resolve merges content sources into one override view.
//
// Each source is registered once, in load order. Registration walks the
// source's tree and maps every loose file to the engine-relative virtual
// path it overrides. Lookups are case-insensitive and accept either path
// separator. When two sources provide the same virtual path the source
// registered later wins.
//
// Archive priority works the other way round: each source gets a pak order
// that grows with its registration index, and [Resolver.Order] answers the
// engine's priority query for archives inside a source's folders while
// leaving every other archive at the engine's own order.
//
// Registration is meant to run on the host's startup thread. Lookups read
// an immutable snapshot and are safe from any number of goroutines.
package resolve
