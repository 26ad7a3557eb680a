// Package cursor implements the monotone update cursor the approval
// listener polls with.
//
// The cursor holds the next update id to request. Observing update u moves
// it to max(cursor, u+1), so it never goes backwards and replayed or
// out-of-order updates cannot rewind it. A Persisted cursor survives
// restarts by saving its value in the audit store's cursors table.
//
// Note: Cursor is not goroutine-safe. The listener is a single cooperative
// loop and owns its cursor exclusively.
package cursor

import "github.com/daviddao/gaia/pkg/audit"

// Cursor is a monotone update cursor. Not goroutine-safe; see package doc.
type Cursor struct {
	next int64
}

// Observe records that update id has been seen and returns the new value.
func (c *Cursor) Observe(id int64) int64 {
	if id+1 > c.next {
		c.next = id + 1
	}
	return c.next
}

// Value returns the next update id to request.
func (c *Cursor) Value() int64 { return c.next }

// Set seeds the cursor. Used to restore a persisted value at startup.
func (c *Cursor) Set(v int64) { c.next = v }

// Persisted is a Cursor backed by a named row in a CursorStore.
type Persisted struct {
	Cursor
	name  string
	store audit.CursorStore
}

// Load returns the cursor named name, seeded from store.
func Load(store audit.CursorStore, name string) *Persisted {
	p := &Persisted{name: name, store: store}
	p.Set(store.GetCursor(name))
	return p
}

// Save writes the current value back to the store.
func (p *Persisted) Save() error {
	return p.store.SetCursor(p.name, p.Value())
}
