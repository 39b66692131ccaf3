// Package hook intercepts native entry points of a host process.
//
// An entry point is located by a wildcard byte pattern scanned over the
// host's main [Image]. [Registry.Install] resolves the match to an absolute
// address, hands a replacement to an [Interposer] and returns a [Hook]
// through which the replacement reaches the displaced original.
//
// Every intercepted entry point is one [Kind]. All kinds share a single
// call shape, [Func], taking a [Request] and returning a [Response]; each
// Kind documents which fields it reads and writes. This keeps installation
// and invocation uniform no matter how many native signatures are involved.
//
// Installation failures never panic: the failure is logged, recorded in
// [Registry.Failed], and returned so the caller can disable the feature
// that depended on the entry point. Handlers run on whichever host thread
// calls them.
package hook
