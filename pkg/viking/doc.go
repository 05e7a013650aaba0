// Package viking is the JSON/HTTP client for an OpenViking memory server.
//
// Invariants:
// - Every request carries a single deadline; there are no retries. A failed
//   call surfaces as one wrapped, descriptive error.
// - Search requests always go out with a zero score threshold and an inflated
//   limit; real thresholding happens in the caller's ranking step.
// - Filesystem deletes are refused locally for URIs outside the recognized
//   memory namespaces.
package viking
