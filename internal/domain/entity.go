// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"io"
	"time"
)

// ChildRole identifies the kind of helper process being supervised.
type ChildRole string

const (
	RoleAuth  ChildRole = "auth"
	RoleSaver ChildRole = "saver"
)

// ChildHandle represents one running supervised helper.
// A PGID of 0 means "not running". Stdin is non-nil only for the auth
// role; it is the write end of the child's input pipe and is exclusively
// owned by the watchdog holding the handle.
type ChildHandle struct {
	PGID  int
	PID   int // leader PID, remembered for the group-kill fallback
	Stdin io.WriteCloser
}

// Running reports whether the handle refers to a live helper.
func (h *ChildHandle) Running() bool {
	return h != nil && h.PGID != 0
}

// DesiredState is recomputed on every event-loop tick from external
// signals (screensaver-extension notifications, user input). It is never
// persisted.
type DesiredState int

const (
	// StateNormal runs the savers and no auth helper.
	StateNormal DesiredState = iota
	// StateSaverDisabled keeps the screen blanked without saver helpers.
	StateSaverDisabled
	// StateForceAuth requires the auth helper to run.
	StateForceAuth
)

func (s DesiredState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSaverDisabled:
		return "saver_disabled"
	case StateForceAuth:
		return "force_auth"
	default:
		return "unknown"
	}
}

// WaitOutcome is the result of one reap attempt on a supervised child.
type WaitOutcome struct {
	Running bool // still alive, nothing reaped
	Status  int  // exit status, valid only when !Running
}

// ChildSpec describes how to launch one helper role.
type ChildSpec struct {
	Role       ChildRole
	SaverIndex int    // meaningful only for RoleSaver
	WindowID   uint64 // exported as XSCREENSAVER_WINDOW
	NeedsStdin bool   // auth helper gets an input pipe
}

// AuthAttempt is one recorded unlock attempt.
type AuthAttempt struct {
	At      time.Time
	Verdict int // helper exit status; 0 means the unlock succeeded
}
