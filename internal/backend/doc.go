// Package backend defines the contract every isolation backend implements
// (shared goroutine, isolated goroutine, child process, Firecracker microVM),
// along with the types exchanged between the engine and those backends.
package backend
