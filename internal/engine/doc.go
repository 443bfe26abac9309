// Package engine runs builds: sets of tasks linked by dependencies. Each
// task runs on the backend its isolation resolves to and is supervised by a
// timeout coordinator; the engine resolves the race between completion and
// expiry, applies the build's continue-on-failure policy, and records
// outcomes, log lines and timeout events in the store.
package engine
