// Package matcher pairs approval.request events with approval.received
// events after the fact.
//
// Requests are processed in log order. For each request the earliest
// unconsumed received event that follows it is taken, trying the
// correlators in priority order request_id, trace_id, task_id. A received
// event is eligible at a level only if no higher-priority correlator set
// on both sides disagrees. A received event whose payload repeats an
// earlier received event byte for byte is a redelivery and never pairs.
package matcher

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/daviddao/gaia/pkg/model"
)

// Key names the correlator a pair was matched on.
type Key string

const (
	ByRequestID Key = "request_id"
	ByTraceID   Key = "trace_id"
	ByTaskID    Key = "task_id"
)

// Pair is one matched request/received couple. Indexes are positions in
// the input slice.
type Pair struct {
	Request       model.Event `json:"request"`
	Received      model.Event `json:"received"`
	RequestIndex  int         `json:"request_index"`
	ReceivedIndex int         `json:"received_index"`
	By            Key         `json:"by"`
}

// Result is the outcome of one matching pass.
type Result struct {
	Matched           []Pair        `json:"matched"`
	MissingRequests   []model.Event `json:"missing_requests"`
	UnmatchedReceived []model.Event `json:"unmatched_received"`
}

type entry struct {
	idx  int
	ev   model.Event
	corr model.Correlators
	at   time.Time
	ok   bool // at parsed
}

// Match runs one pass over events. Events of other types are ignored.
func Match(events []model.Event) Result {
	var requests, received []*entry
	var seen [][]byte
	dup := map[int]bool{}

	for i, ev := range events {
		switch ev.Type {
		case model.EventApprovalRequest, model.EventApprovalReceived:
		default:
			continue
		}
		e := &entry{idx: i, ev: ev, corr: ev.Correlators()}
		e.at, e.ok = parseTime(ev)
		if ev.Type == model.EventApprovalRequest {
			requests = append(requests, e)
			continue
		}
		canon := canonical(ev.Payload)
		for _, s := range seen {
			if bytes.Equal(s, canon) {
				dup[i] = true
				break
			}
		}
		seen = append(seen, canon)
		received = append(received, e)
	}

	consumed := map[int]bool{}
	res := Result{
		Matched:           []Pair{},
		MissingRequests:   []model.Event{},
		UnmatchedReceived: []model.Event{},
	}
	for _, req := range requests {
		rcv, key := pick(req, received, consumed, dup)
		if rcv == nil {
			res.MissingRequests = append(res.MissingRequests, req.ev)
			continue
		}
		consumed[rcv.idx] = true
		res.Matched = append(res.Matched, Pair{
			Request:       req.ev,
			Received:      rcv.ev,
			RequestIndex:  req.idx,
			ReceivedIndex: rcv.idx,
			By:            key,
		})
	}
	for _, r := range received {
		if !consumed[r.idx] {
			res.UnmatchedReceived = append(res.UnmatchedReceived, r.ev)
		}
	}
	return res
}

func pick(req *entry, received []*entry, consumed, dup map[int]bool) (*entry, Key) {
	levels := []struct {
		key   Key
		field func(model.Correlators) string
	}{
		{ByRequestID, func(c model.Correlators) string { return c.RequestID }},
		{ByTraceID, func(c model.Correlators) string { return c.TraceID }},
		{ByTaskID, func(c model.Correlators) string { return c.TaskID }},
	}
	for lvl, l := range levels {
		want := l.field(req.corr)
		if want == "" {
			continue
		}
	candidates:
		for _, r := range received {
			if consumed[r.idx] || dup[r.idx] || r.idx < req.idx || l.field(r.corr) != want {
				continue
			}
			if req.ok && r.ok && r.at.Before(req.at) {
				continue
			}
			for _, higher := range levels[:lvl] {
				a, b := higher.field(req.corr), higher.field(r.corr)
				if a != "" && b != "" && a != b {
					continue candidates
				}
			}
			return r, l.key
		}
	}
	return nil, ""
}

func parseTime(ev model.Event) (time.Time, bool) {
	t, err := ev.Time()
	return t, err == nil
}

// canonical compacts a payload so formatting differences do not hide a
// redelivery.
func canonical(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append([]byte(nil), raw...)
	}
	return buf.Bytes()
}
