// Package worker owns the compiler worker and the RPC dispatcher that talks
// to it.
//
// ARCHITECTURE:
//
// The compiler runs in an isolated worker. The host and the worker share
// nothing; they exchange JSON array frames over a Handle (a subprocess
// speaking one frame per line, or an in-memory Pipe in tests).
//
// Frames from the worker are decoded exactly once, at the boundary, into a
// tagged Message:
//
//	[id, ok, result]       -> KindReply   (answers a host call)
//	[name, null, payload]  -> KindSpecial (out-of-band: ready, logging, load_file)
//
// Host correlates replies with in-flight calls by id. Every call carries a
// timeout so a worker that never answers cannot grow the pending table
// without bound.
//
// Lifecycle:
//  1. SetWorker terminates any previous worker and starts fresh tables.
//  2. The host posts ["ready"] every 500ms until the worker answers with a
//     "ready" special message (the worker has no other way to say it has
//     finished loading).
//  3. CallWorker / special handlers run until the worker is replaced,
//     closed, or exits.
package worker
