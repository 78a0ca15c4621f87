// Package secret provides fixed-capacity buffers for credential material.
// Buffers are pinned out of swappable memory best-effort and must be
// wiped (zeroed) on every path that ends their lifetime.
package secret

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrFull is returned when an append would exceed the buffer capacity.
var ErrFull = errors.New("secret buffer full")

var mlockWarnOnce sync.Once

// mlockFailed is invoked once per process when pinning fails, so the
// caller can surface a user-visible advisory. Replaceable for tests.
var mlockFailed = func(err error) {}

// OnMlockFailure registers the one-time advisory callback.
func OnMlockFailure(fn func(err error)) {
	mlockFailed = fn
}

// Buffer holds at-rest credential bytes. It is exclusively owned by one
// component at a time; crossing a component boundary copies the bytes.
type Buffer struct {
	data   []byte
	n      int
	pinned bool
	wiped  bool
}

// New allocates a buffer of the given capacity and pins it out of
// swappable memory. Pinning failure is reported once and the buffer is
// still usable: availability of the unlock path outweighs the
// secondary protection.
func New(capacity int) *Buffer {
	b := &Buffer{data: make([]byte, capacity)}
	if capacity == 0 {
		return b
	}
	if err := unix.Mlock(b.data); err != nil {
		mlockWarnOnce.Do(func() { mlockFailed(err) })
	} else {
		b.pinned = true
	}
	return b
}

// FromBytes allocates a pinned buffer holding a copy of p.
func FromBytes(p []byte) *Buffer {
	b := New(len(p))
	copy(b.data, p)
	b.n = len(p)
	return b
}

// FillFrom reads exactly the buffer's capacity from r into the pinned
// backing array, so the bytes never transit an unpinned intermediate.
func (b *Buffer) FillFrom(r io.Reader) error {
	if b.wiped {
		return errors.New("secret buffer already wiped")
	}
	if _, err := io.ReadFull(r, b.data); err != nil {
		return err
	}
	b.n = len(b.data)
	return nil
}

// Append adds p to the buffer. Bytes beyond the capacity are refused
// without partial writes.
func (b *Buffer) Append(p []byte) error {
	if b.wiped {
		return errors.New("secret buffer already wiped")
	}
	if b.n+len(p) > len(b.data) {
		return ErrFull
	}
	copy(b.data[b.n:], p)
	b.n += len(p)
	return nil
}

// TrimLast removes and zeroes the last accumulated byte, if any.
func (b *Buffer) TrimLast() {
	if b.n == 0 {
		return
	}
	b.n--
	b.data[b.n] = 0
}

// Reset zeroes and discards the accumulated bytes, keeping the pinned
// backing array for reuse.
func (b *Buffer) Reset() {
	for i := 0; i < b.n; i++ {
		b.data[i] = 0
	}
	b.n = 0
}

// Bytes returns the accumulated bytes. The slice aliases the pinned
// backing array; callers must not retain it past Wipe.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Pinned reports whether the backing memory is excluded from swap.
func (b *Buffer) Pinned() bool {
	return b.pinned
}

// Wipe zeroes the backing memory and unpins it. It is idempotent and is
// the mandatory release path on success, cancel, error and process exit.
func (b *Buffer) Wipe() {
	if b.wiped {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	if b.pinned {
		_ = unix.Munlock(b.data)
		b.pinned = false
	}
	b.n = 0
	b.wiped = true
}
