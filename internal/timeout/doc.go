// Package timeout bounds how long a supervised unit of work may run.
//
// A [Coordinator] arms one deadline per unit. When the unit finishes first,
// [*Supervision.Complete] wins the race and nothing else happens. When the
// deadline fires first, the coordinator asks the unit to stop through its
// [Handle] and starts a [Watchdog] that reports, at a fixed cadence, whether
// the unit has stopped yet.
//
// Exactly one of the two outcomes is ever observed for a unit; the decision
// is a single compare-and-swap on the unit's [Deadline].
package timeout
