// iface.go defines the narrow interfaces other components depend on.
//
// The queue and executor accept a Recorder rather than *Store so tests can
// inject failing or in-memory recorders.
package audit

import (
	"time"

	"github.com/daviddao/gaia/pkg/model"
)

// Recorder appends audit rows.
type Recorder interface {
	// Record inserts one row and returns its id.
	Record(action, actor, commandID, detail string) (int64, error)
}

// Tracer appends coarse lifecycle records.
type Tracer interface {
	RecordTrace(action, agentID, status, details string) (int64, error)
}

// CursorStore persists named monotone cursors.
type CursorStore interface {
	GetCursor(name string) int64
	SetCursor(name string, value int64) error
}

// StoreInterface is the full set of store operations.
type StoreInterface interface {
	Recorder
	Tracer
	CursorStore

	// Close closes the database connection.
	Close() error

	// CountSince returns the number of audit rows at or after ts.
	CountSince(ts time.Time) (int64, error)

	// ListRecent returns up to n rows, newest first.
	ListRecent(n int) ([]model.AuditRow, error)

	// ListForCommand returns one command's rows in insertion order.
	ListForCommand(commandID string) ([]model.AuditRow, error)

	// ListTraces returns up to n traces, newest first.
	ListTraces(n int) ([]model.Trace, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
