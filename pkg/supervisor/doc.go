// Package supervisor manages a locally spawned memory-server process: it
// resolves the interpreter, reclaims a stale port, spawns the bootstrap
// module, polls health until ready and hands out the client through a
// single-assignment readiness future.
//
// Invariants:
// - The lifecycle is a guarded state machine; illegal transitions are errors,
//   not silent corrections.
// - The readiness future resolves exactly once. Callers that ask for the
//   client before readiness block until the first health success or failure.
// - Health-timeout and premature-exit failures kill the child and surface a
//   descriptive error.
package supervisor
