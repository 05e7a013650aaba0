// Package capture decides whether conversational text is worth storing as
// long-term memory.
//
// Invariants:
// - Normalize is total and idempotent: it never fails and re-normalizing
//   normalized text is a no-op.
// - Classification is an ordered rule chain; the first matching rule decides
//   and its reason tag is stable API.
// - Heuristic cue tables cover English and Chinese; adding a language means
//   extending the tables, not the control flow.
//
// Usage:
//
//	c := capture.NewClassifier(capture.Config{Mode: capture.ModeSemantic})
//	d := c.Decide("remember that I prefer tea")
//	if d.Capture {
//		store(d.Text)
//	}
package capture
