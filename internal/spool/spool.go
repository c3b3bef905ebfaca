// Package spool implements the append-only on-disk queue of
// undelivered outbound messages (spec §4.5). Records are packed as
// [length:int64 little-endian][opaque bytes]; a fixed little-endian
// width is used instead of the original's host-native long, per the
// portability recommendation in spec §9.
package spool

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/vaska94/kannel/internal/errs"
	"github.com/vaska94/kannel/internal/logging"
	"github.com/vaska94/kannel/internal/smsmsg"
)

const maxRecordLen = 1 << 20 // 1 MiB, spec §4.5 / §3

// Spool is an append-only file of packed SmsMessage records. A spool
// built with an empty path is a no-op spool: append and drain do
// nothing, matching the "store_file unset" behaviour of spec §4.5.
type Spool struct {
	mu   sync.Mutex
	path string
}

// New builds a Spool backed by path. An empty path produces a no-op
// spool.
func New(path string) *Spool {
	return &Spool{path: path}
}

func (s *Spool) enabled() bool { return s.path != "" }

// Enabled reports whether this spool is backed by a file (store-file
// set) rather than being the no-op spool used when it is unset.
// Callers crediting a "spooled" outcome must check this first: Append
// on a disabled spool returns nil without having stored anything.
func (s *Spool) Enabled() bool { return s.enabled() }

// wireRecord is the packed representation of an outbound SmsMessage.
// Packing as JSON keeps the record format legible and reuses the same
// codec as the broker boundary rather than inventing a second binary
// format, matching the spirit of "opaque byte packing" in spec §3.
type wireRecord struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Text      []byte `json:"text"`
	UDH       []byte `json:"udh"`
	Coding    int    `json:"coding"`
	MClass    int    `json:"mclass"`
	Priority  int    `json:"priority"`
	DLRMask   int    `json:"dlr_mask"`
	Validity  int64  `json:"validity"`
	Deferred  int64  `json:"deferred"`
	SMSCRoute string `json:"smsc_route"`
	BoxID     string `json:"box_id"`
	Charset   string `json:"charset"`
	ID        string `json:"id"`
}

func pack(m *smsmsg.Message) ([]byte, error) {
	return json.Marshal(wireRecord{
		Sender: m.Sender, Receiver: m.Receiver, Text: m.Text, UDH: m.UDH,
		Coding: m.Coding, MClass: m.MClass, Priority: m.Priority,
		DLRMask: m.DLRMask, Validity: m.Validity, Deferred: m.Deferred,
		SMSCRoute: m.SMSCRoute, BoxID: m.BoxID, Charset: m.Charset, ID: m.ID,
	})
}

func unpack(b []byte) (*smsmsg.Message, error) {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &smsmsg.Message{
		ID: w.ID, Kind: smsmsg.KindMTPush, Sender: w.Sender, Receiver: w.Receiver,
		Text: w.Text, UDH: w.UDH, Coding: w.Coding, MClass: w.MClass,
		Priority: w.Priority, DLRMask: w.DLRMask, Validity: w.Validity,
		Deferred: w.Deferred, SMSCRoute: w.SMSCRoute, BoxID: w.BoxID, Charset: w.Charset,
	}, nil
}

// Append writes msg to the end of the spool file. Best-effort: never
// fsyncs. A no-op when the spool is disabled.
func (s *Spool) Append(m *smsmsg.Message) error {
	if !s.enabled() {
		return nil
	}
	body, err := pack(m)
	if err != nil {
		return err
	}
	return s.AppendRaw(body)
}

// AppendRaw writes an already-packed record. Used directly by the
// inbound-publish-failure spool (§9 extension), whose records are
// JSON broker envelopes rather than packed SmsMessage values.
func (s *Spool) AppendRaw(body []byte) error {
	if !s.enabled() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = f.Write(body)
	return err
}

// Drain reads every valid record from the spool file sequentially,
// stopping at the first record whose declared length is out of range
// (length <= 0 or > 1 MiB) — the file is presumed corrupt from that
// point on (spec §4.5 / §3). On full success the file is truncated to
// zero length. A no-op returning nil when the spool is disabled.
func (s *Spool) Drain() ([]*smsmsg.Message, error) {
	records, err := s.drainRecords()
	var msgs []*smsmsg.Message
	for _, body := range records {
		m, uerr := unpack(body)
		if uerr != nil {
			logging.Errorf("spool: failed to unpack record: %v", uerr)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, err
}

// DrainRaw is Drain's raw-bytes counterpart, used by the inbound
// publish-failure spool whose records are already-encoded JSON
// envelopes rather than packed SmsMessage values.
func (s *Spool) DrainRaw() ([][]byte, error) {
	return s.drainRecords()
}

func (s *Spool) drainRecords() ([][]byte, error) {
	if !s.enabled() {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	var records [][]byte
	var readErr error
	complete := true

	for {
		var lenBuf [8]byte
		_, err := io.ReadFull(f, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			complete = false
			break
		}
		length := int64(binary.LittleEndian.Uint64(lenBuf[:]))
		if length <= 0 || length > maxRecordLen {
			readErr = &errs.InternalInvariantError{Reason: "spool record length out of range"}
			logging.Errorf("spool: %v, aborting drain", readErr)
			complete = false
			break
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(f, body); err != nil {
			readErr = err
			complete = false
			break
		}
		records = append(records, body)
	}
	f.Close()

	if complete {
		if err := os.Truncate(s.path, 0); err != nil {
			return records, err
		}
	}
	return records, readErr
}
