// Package scoring is the deterministic keep/revise/discard gate.
//
// Reviewer models supply raw ratings only. Every decision is computed here
// from those ratings and configured thresholds; nothing else in the
// pipeline may decide an item's fate.
package scoring
