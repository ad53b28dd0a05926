// Package affinity implements the per-object belonging-goroutine tag that
// enforces the runtime's thread-affinity model.
//
// Every long-lived object carries a Tag. The tag starts unset; the owning
// goroutine latches it on first entry to its runloop. Checks against an unset
// tag pass in non-strict mode, which covers the hand-off window where the
// engine goroutine configures an extension thread before the thread's own
// goroutine has started. Once latched, any access from a different goroutine
// is a programming error and aborts the process.
package affinity

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
)

// Unset is the zero tag value meaning "no belonging goroutine yet".
const Unset uint64 = 0

// CurrentID returns the current goroutine's id, parsed from the runtime
// stack header. The id is stable for the lifetime of the goroutine.
func CurrentID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header looks like "goroutine 123 [running]:".
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return Unset
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return Unset
	}
	return id
}

// Tag records the goroutine an object belongs to.
type Tag struct {
	id atomic.Uint64
}

// Latch sets the tag to the current goroutine. Called on first entry to the
// owning runloop, and again when ownership is deliberately handed off.
func (t *Tag) Latch() {
	t.id.Store(CurrentID())
}

// InheritFrom copies the belonging goroutine of src. Used when sub-objects
// (path tables, environment handles) are promoted to a newly spawned
// extension thread at the top of its main function.
func (t *Tag) InheritFrom(src *Tag) {
	t.id.Store(src.id.Load())
}

// Belongs returns the recorded goroutine id, or Unset.
func (t *Tag) Belongs() uint64 {
	return t.id.Load()
}

// Check reports whether the current goroutine may touch the tagged object.
// An unset tag passes unless strict is true.
func (t *Tag) Check(strict bool) bool {
	id := t.id.Load()
	if id == Unset {
		return !strict
	}
	return id == CurrentID()
}

// MustCheck aborts the process when the affinity check fails. Violations are
// programming errors; continuing would silently corrupt the ownership model.
func (t *Tag) MustCheck(what string) {
	if !t.Check(false) {
		panic(fmt.Sprintf(
			"affinity violation: %s belongs to goroutine %d, accessed from %d",
			what, t.id.Load(), CurrentID()))
	}
}
