// Package memory decides what a conversation turn is worth remembering and
// recalls stored memories back into later turns.
//
// Service wraps a viking backend in one of two modes. In local mode a
// supervisor owns the server child process and the readiness barrier; in
// remote mode the service talks to a pre-existing endpoint and only probes
// it at startup. On top of the backend it layers capture classification,
// recall ranking, the agent lifecycle hooks and the memory_* tools.
package memory
