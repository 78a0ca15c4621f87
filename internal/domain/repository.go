package domain

import (
	"syscall"
	"time"
)

// GroupSupervisor handles process-group lifecycle for helper children.
// Implementation: fork/exec via self-invocation with a placeholder group
// member that keeps the group ID reserved until explicit termination.
type GroupSupervisor interface {
	// StartGroup spawns the helper in a fresh process group and
	// returns its handle. A failure leaves the role "not running"; the
	// caller retries on its next tick.
	StartGroup(spec ChildSpec) (*ChildHandle, error)

	// KillGroup delivers sig to the whole group. When the group has
	// already been fully reaped it degrades to signaling the remembered
	// leader PID.
	KillGroup(handle *ChildHandle, sig syscall.Signal) error

	// Wait reaps the group leader. With block=false it polls and may
	// report WaitOutcome{Running: true}; with block=true it returns only
	// once the leader terminated. On termination the handle is cleared
	// and, unless alreadyKilled, the group receives a defensive SIGTERM.
	Wait(handle *ChildHandle, block bool, alreadyKilled bool) (WaitOutcome, error)
}

// ProcessManager handles OS process inspection.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// AttemptLog records unlock attempts for later inspection.
// Implementation: SQLCipher-encrypted SQLite database.
type AttemptLog interface {
	// RecordAttempt stores one auth helper verdict.
	RecordAttempt(attempt AuthAttempt) error

	// RecentFailures returns failed attempts newer than since.
	RecentFailures(since time.Time) ([]AuthAttempt, error)

	// Close releases the underlying store.
	Close() error
}

// KeyProvider supplies the encryption key for the attempt log.
type KeyProvider interface {
	// GetKey reads the stored key.
	GetKey() ([]byte, error)

	// StoreKey persists a newly generated key.
	StoreKey(key []byte) error

	// KeyExists checks whether a key has been stored.
	KeyExists() bool
}
