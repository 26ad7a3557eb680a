// Package eventlog implements the append-only, newline-delimited JSON event
// log shared by every gate process.
//
// Each Append serializes the whole record first and issues a single write
// on an O_APPEND descriptor, so lines from concurrent processes interleave
// but never tear. The log is not a queue; readers tail it and must be
// idempotent.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/daviddao/gaia/pkg/model"
)

// Emitter is the narrow interface gate components write events through.
type Emitter interface {
	Emit(typ model.EventType, payload any) error
}

// Log is a file-backed event log.
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New returns a log writing to path. Nothing is created until the first
// append.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Emit wraps payload in an envelope and appends it.
func (l *Log) Emit(typ model.EventType, payload any) error {
	e, err := model.NewEvent(typ, payload)
	if err != nil {
		return err
	}
	return l.Append(e)
}

// Append writes e as one line. An empty timestamp is filled with the
// current time; a nil payload is written as an empty object.
func (l *Log) Append(e model.Event) error {
	if e.Timestamp == "" {
		e.Timestamp = model.FormatTimestamp(l.now())
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write event: %w", err)
	}
	return f.Close()
}

// ReadAll returns every well-formed event in file order. A missing log is
// an empty log. Malformed lines (including a trailing partial line from a
// crashed writer) are skipped and counted.
func (l *Log) ReadAll() ([]model.Event, int, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	events, skipped, _, err := decodeFrom(f)
	return events, skipped, err
}

// Filter returns the events of the given types (all events if none given).
func Filter(events []model.Event, types ...model.EventType) []model.Event {
	if len(types) == 0 {
		return events
	}
	want := make(map[model.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []model.Event
	for _, e := range events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// decodeFrom reads complete lines from r. It returns the number of bytes
// consumed, which stops before any trailing line without a newline so a
// follower can resume there once the writer finishes it.
func decodeFrom(r io.Reader) ([]model.Event, int, int64, error) {
	var (
		events   []model.Event
		skipped  int
		consumed int64
	)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			consumed += int64(len(line))
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var e model.Event
				if jerr := json.Unmarshal(trimmed, &e); jerr != nil || e.Type == "" {
					skipped++
				} else {
					events = append(events, e)
				}
			}
		}
		if err == io.EOF {
			return events, skipped, consumed, nil
		}
		if err != nil {
			return events, skipped, consumed, err
		}
	}
}
