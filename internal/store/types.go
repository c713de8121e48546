package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Config configures the durable account store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// WorkerState is the per-account failure bookkeeping record.
// It is created lazily on first failure and reset when a worker reaches the
// active state. A non-nil BlockedReason means the account is terminally
// blocked and only an explicit reset makes it admissible again.
type WorkerState struct {
	AccountID        int64
	FailureCount     int
	LastErrorMessage string
	LastErrorAt      *time.Time
	NextRetryAt      *time.Time
	BlockedReason    *string
}

// Blocked reports whether the account is in the terminal blocked state.
func (w WorkerState) Blocked() bool { return w.BlockedReason != nil }

// WorkerStatePatch updates a subset of WorkerState fields.
// Nil pointer fields are left untouched; ClearNextRetry/ClearBlocked force
// the respective columns back to NULL.
type WorkerStatePatch struct {
	FailureCount     *int
	LastErrorMessage *string
	LastErrorAt      *time.Time
	NextRetryAt      *time.Time
	ClearNextRetry   bool
	BlockedReason    *string
	ClearBlocked     bool
}

// ActivityEntry is one row of the append-only activity log.
// Keep it compact and schema-stable.
type ActivityEntry struct {
	At        time.Time
	AccountID int64
	UserID    int64
	Event     string
	Message   string
	MetaJSON  string
}
