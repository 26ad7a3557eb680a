// transient.go classifies SQLite errors worth retrying.
//
// Under concurrent access from the listener and executor processes,
// WAL-mode SQLite can produce transient errors like SQLITE_BUSY,
// SQLITE_LOCKED, and IOERR_SHORT_READ (error 522). The busy_timeout pragma
// handles SQLITE_BUSY at the connection level, but the others need
// application-level retries.
package audit

import (
	"strings"
	"time"

	"github.com/daviddao/gaia/pkg/retry"
)

// sqlitePolicy is used for all store write operations.
var sqlitePolicy = retry.Policy{
	MaxAttempts:  4,
	InitialDelay: 50 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     500 * time.Millisecond,
	Classify:     isTransientSQLiteErr,
	Jitter:       true,
}

// isTransientSQLiteErr returns true if the error is a transient SQLite error
// that can be resolved by retrying.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// SQLite error codes embedded in error messages from modernc.org/sqlite.
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY code
		"(6)",   // SQLITE_LOCKED code
		"(522)", // SQLITE_IOERR_SHORT_READ code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
