package usecase

import (
	"bytes"
	"errors"
	"syscall"
	"time"

	"github.com/locknest/xlockd/internal/domain"
)

// killCall records one KillGroup invocation.
type killCall struct {
	pgid int
	sig  syscall.Signal
}

// stdinRecorder captures bytes forwarded to a fake auth child.
type stdinRecorder struct {
	buf    bytes.Buffer
	closed bool
}

func (r *stdinRecorder) Write(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("pipe closed")
	}
	return r.buf.Write(p)
}

func (r *stdinRecorder) Close() error {
	r.closed = true
	return nil
}

// mockSupervisor implements domain.GroupSupervisor for testing. Exits
// are injected per PGID; a blocking wait on a live child simulates a
// SIGTERM death.
type mockSupervisor struct {
	nextPGID int
	startErr error

	started []domain.ChildSpec
	killed  []killCall
	stdins  map[int]*stdinRecorder
	exits   map[int]int // pgid -> exit status for the next poll
}

func newMockSupervisor() *mockSupervisor {
	return &mockSupervisor{
		stdins: make(map[int]*stdinRecorder),
		exits:  make(map[int]int),
	}
}

func (m *mockSupervisor) StartGroup(spec domain.ChildSpec) (*domain.ChildHandle, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.nextPGID++
	m.started = append(m.started, spec)
	handle := &domain.ChildHandle{PGID: m.nextPGID, PID: m.nextPGID}
	if spec.NeedsStdin {
		rec := &stdinRecorder{}
		m.stdins[m.nextPGID] = rec
		handle.Stdin = rec
	}
	return handle, nil
}

func (m *mockSupervisor) KillGroup(handle *domain.ChildHandle, sig syscall.Signal) error {
	m.killed = append(m.killed, killCall{pgid: handle.PGID, sig: sig})
	return nil
}

func (m *mockSupervisor) Wait(handle *domain.ChildHandle, block bool, alreadyKilled bool) (domain.WaitOutcome, error) {
	if status, ok := m.exits[handle.PGID]; ok {
		delete(m.exits, handle.PGID)
		m.clear(handle)
		return domain.WaitOutcome{Status: status}, nil
	}
	if !block {
		return domain.WaitOutcome{Running: true}, nil
	}
	// Blocking wait after a kill: the child dies of the signal.
	m.clear(handle)
	return domain.WaitOutcome{Status: 128 + int(syscall.SIGTERM)}, nil
}

func (m *mockSupervisor) clear(handle *domain.ChildHandle) {
	if handle.Stdin != nil {
		handle.Stdin.Close()
		handle.Stdin = nil
	}
	handle.PGID = 0
	handle.PID = 0
}

// exitNow injects an exit status for the most recently started child.
func (m *mockSupervisor) exitNow(status int) {
	m.exits[m.nextPGID] = status
}

// lastStdin returns the capture of the most recent auth child.
func (m *mockSupervisor) lastStdin() *stdinRecorder {
	return m.stdins[m.nextPGID]
}

// countStarted returns how many children of role were spawned in total.
func (m *mockSupervisor) countStarted(role domain.ChildRole) int {
	n := 0
	for _, spec := range m.started {
		if spec.Role == role {
			n++
		}
	}
	return n
}

// mockAttemptLog records verdicts in memory.
type mockAttemptLog struct {
	recorded []domain.AuthAttempt
	err      error
}

func (m *mockAttemptLog) RecordAttempt(attempt domain.AuthAttempt) error {
	if m.err != nil {
		return m.err
	}
	m.recorded = append(m.recorded, attempt)
	return nil
}

func (m *mockAttemptLog) RecentFailures(since time.Time) ([]domain.AuthAttempt, error) {
	return nil, nil
}

func (m *mockAttemptLog) Close() error { return nil }

// Ensure the mocks satisfy their interfaces.
var (
	_ domain.GroupSupervisor = (*mockSupervisor)(nil)
	_ domain.AttemptLog      = (*mockAttemptLog)(nil)
)
