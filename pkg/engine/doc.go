// Package engine implements durable workflow execution over an
// append-only event log. A workflow function is re-executed from the
// top on every entry; each task call computes a stable fingerprint
// and consults the log first, so completed work replays its recorded
// result instead of re-running side effects. The first fingerprint
// not found in the log is where real execution resumes.
//
// Pause, sleep, time, and random values are journaled through the
// same task runtime, which is what makes replay deterministic.
package engine
