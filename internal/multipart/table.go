// Package multipart reassembles concatenated MO messages keyed by
// (sender, concatenation reference), with timeout-driven eviction of
// incomplete entries.
package multipart

import (
	"sort"
	"sync"
	"time"

	"github.com/vaska94/kannel/internal/logging"
	"github.com/vaska94/kannel/internal/smsmsg"
)

// Concat header forms recognised on a message's UDH bytes (spec §4.3).
const (
	form8BitLen  = 6
	form16BitLen = 7
)

type concatHeader struct {
	ref   int
	total int
	seq   int
	form  int // length of the recognised header prefix, 0 if none
}

// detectConcat inspects udh for one of the two recognised concatenation
// header forms. The second return value is false when udh does not
// begin with either form.
func detectConcat(udh []byte) (concatHeader, bool) {
	if len(udh) >= form8BitLen && udh[0] == 0x05 && udh[1] == 0x00 && udh[2] == 0x03 {
		return concatHeader{
			ref:   int(udh[3]),
			total: int(udh[4]),
			seq:   int(udh[5]),
			form:  form8BitLen,
		}, true
	}
	if len(udh) >= form16BitLen && udh[0] == 0x06 && udh[1] == 0x08 && udh[2] == 0x04 {
		ref := int(udh[3])<<8 | int(udh[4])
		return concatHeader{
			ref:   ref,
			total: int(udh[5]),
			seq:   int(udh[6]),
			form:  form16BitLen,
		}, true
	}
	return concatHeader{}, false
}

type key struct {
	sender string
	ref    int
}

type entry struct {
	parts     map[int]*smsmsg.Message // keyed by seq
	total     int
	createdAt time.Time
}

// Table reassembles concatenated MO messages. A single mutex guards
// every operation, matching spec §4.3's thread-safety requirement.
type Table struct {
	mu       sync.Mutex
	entries  map[key]*entry
	timeout  time.Duration
	disabled bool
}

// New builds a reassembly table with the given eviction timeout.
func New(timeout time.Duration) *Table {
	return &Table{entries: make(map[key]*entry), timeout: timeout}
}

// Disabled builds a table that passes every message through unchanged,
// for disable_multipart_catenation.
func Disabled() *Table {
	return &Table{disabled: true}
}

// Offer hands msg to the table. If msg does not carry a recognised
// concatenation UDH, or the table is disabled, msg is returned
// unchanged. Otherwise Offer returns nil until the final part arrives,
// at which point it returns a freshly synthesised, fully assembled
// message and removes the entry.
func (t *Table) Offer(msg *smsmsg.Message) *smsmsg.Message {
	if t.disabled {
		return msg
	}
	hdr, ok := detectConcat(msg.UDH)
	if !ok {
		return msg
	}
	if hdr.total < 1 || hdr.total > 255 || hdr.seq < 1 || hdr.seq > hdr.total {
		return msg
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{sender: msg.Sender, ref: hdr.ref}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{parts: make(map[int]*smsmsg.Message), total: hdr.total, createdAt: time.Now()}
		t.entries[k] = e
	}
	e.parts[hdr.seq] = msg

	if len(e.parts) < e.total {
		return nil
	}

	// len(parts) == total: assemble, but a later part declaring a larger
	// total can carry a seq beyond the entry's own total, satisfying the
	// count while still leaving a gap — verify completeness.
	assembled, complete := assemble(e)
	delete(t.entries, k)
	if !complete {
		logging.Warnf("multipart: incomplete parts for sender=%s ref=%d despite count match, discarding", msg.Sender, hdr.ref)
		return nil
	}
	return assembled
}

func assemble(e *entry) (*smsmsg.Message, bool) {
	seqs := make([]int, 0, len(e.parts))
	for s := range e.parts {
		seqs = append(seqs, s)
	}
	sort.Ints(seqs)
	if len(seqs) != e.total {
		return nil, false
	}
	for i, s := range seqs {
		if s != i+1 {
			return nil, false
		}
	}

	first := e.parts[1]
	out := first.Clone()
	out.ID = smsmsg.NewID()
	out.UDH = nil

	var text []byte
	for _, s := range seqs {
		text = append(text, e.parts[s].Text...)
	}
	out.Text = text
	return out, true
}

// Sweep removes entries older than the table's timeout, returning the
// count of expired entries. Invoked from the inbound loop's idle
// branch, never from a timer callback, avoiding the re-entrant-lock
// hazard noted in spec §9.
func (t *Table) Sweep() int {
	if t.disabled {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	expired := 0
	for k, e := range t.entries {
		if now.Sub(e.createdAt) > t.timeout {
			delete(t.entries, k)
			expired++
			logging.Warnf("multipart: expired incomplete multipart sender=%s ref=%d (%d/%d parts)",
				k.sender, k.ref, len(e.parts), e.total)
		}
	}
	return expired
}

// Len reports the number of in-flight reassembly entries, for tests
// and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
