// Package harness runs multi-client board scenarios deterministically.
//
// A scenario is a YAML file describing a cast of clients and a sequence of
// steps: object mutations, lock operations, undo/redo, layout batches,
// connectivity changes, and clock advances. The harness wires one sync
// engine per client against a shared in-memory remote store, drains all
// engines after every step, and records a trace of steps and accepted
// remote events.
//
// Determinism comes from three substitutions: a manually advanced clock, a
// fixed object id sequence, and synchronous engine draining instead of the
// production run loop. Given the same scenario file, the trace is
// byte-identical run to run, which is what makes golden comparison viable.
package harness
