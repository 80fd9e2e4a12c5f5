package errors

import (
	"time"

	cockroacherr "github.com/cockroachdb/errors"
)

// ErrCursorNotPositioned is returned when an operation that requires
// a positioned cursor (e.g. Next, Skip, DeleteAll) runs on one whose
// leaf frame is nil; the cursor is left untouched.
var ErrCursorNotPositioned = cockroacherr.New("btree: cursor is not positioned")

// ErrInvalidArgument wraps a rejected argument (nil key, nil
// observer, missing configuration, ...). Detected before any latch is
// taken.
type ErrInvalidArgument struct {
	Reason string
}

func (e *ErrInvalidArgument) Error() string {
	return "btree: invalid argument: " + e.Reason
}

// LockTimeoutError reports that a lock could not be acquired within
// the requested timeout.
type LockTimeoutError struct {
	TreeID  uint64
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return cockroacherr.Newf("btree: lock timeout after %s on tree %d", e.Timeout, e.TreeID).Error()
}

// DeadlockError reports that the lock manager detected a wait cycle.
// Zero-timeout try-paths swallow this as "not available" rather than
// propagating it.
type DeadlockError struct {
	TreeID uint64
}

func (e *DeadlockError) Error() string {
	return cockroacherr.Newf("btree: deadlock detected on tree %d", e.TreeID).Error()
}

// PreconditionFailedError is returned by a findAndModify-style call
// when the caller's expectation about whether a key already exists
// doesn't hold once the exclusive key lock is actually acquired.
type PreconditionFailedError struct {
	TreeID uint64
	Exists bool
}

func (e *PreconditionFailedError) Error() string {
	return cockroacherr.Newf("btree: precondition failed on tree %d: exists=%v", e.TreeID, e.Exists).Error()
}

// CorruptionError is raised by Cursor.Verify when the tree violates
// one of its structural invariants, and by any recoverable I/O fault
// the page cache detects on a short or garbled read.
type CorruptionError struct {
	Detail string
	Cause  error
}

func (e *CorruptionError) Error() string {
	if e.Cause != nil {
		return cockroacherr.Wrapf(e.Cause, "btree: corruption: %s", e.Detail).Error()
	}
	return "btree: corruption: " + e.Detail
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// FatalError marks a failure discovered while a commit-lock-protected
// structural mutation was underway: the database is considered
// corrupting and must be closed. Recoverable errors propagate and
// optionally reset the cursor; fatal errors are additionally passed
// to Report.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return cockroacherr.Wrapf(e.Cause, "btree: fatal").Error()
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Wrap attaches a cockroachdb/errors stack trace to err, the way the
// rest of this module's error paths do instead of bare fmt.Errorf.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cockroacherr.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return cockroacherr.Wrapf(err, format, args...)
}
