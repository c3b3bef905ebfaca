// Package smsmsg holds the in-memory SMS message representation
// exchanged at both the broker and bearer boundaries, along with its
// JSON envelope codec.
package smsmsg

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pborman/uuid"
)

// Kind distinguishes the four message classes named in the data model.
type Kind int

const (
	KindMTPush Kind = iota
	KindMO
	KindReportMO
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindMTPush:
		return "mt_push"
	case KindMO:
		return "mo"
	case KindReportMO:
		return "report_mo"
	default:
		return "other"
	}
}

// Coding enumerates the three SMS text encodings this daemon reasons
// about for segmentation purposes.
const (
	CodingGSM7 = 0
	CodingBin8 = 1
	CodingUCS2 = 2
)

// Unset is the sentinel value for validity/deferred timestamps that
// were never set.
const Unset int64 = -1

// Message is the in-memory representation of a single SMS, produced
// or consumed at exactly one pipeline boundary at a time.
type Message struct {
	ID         string
	Kind       Kind
	Sender     string
	Receiver   string
	Text       []byte
	UDH        []byte
	Coding     int
	MClass     int
	Priority   int
	DLRMask    int
	DLRType    int
	Validity   int64
	Deferred   int64
	SMSCRoute  string
	BoxID      string
	Charset    string
	Timestamp  int64
}

// NewID generates a fresh 128-bit UUID for a message that arrived
// without one.
func NewID() string {
	return uuid.NewRandom().String()
}

// EnsureID stamps msg.ID with a fresh UUID if it is empty.
func (m *Message) EnsureID() {
	if m.ID == "" {
		m.ID = NewID()
	}
}

// Clone produces an independent copy of msg, used when splitting a
// message into concatenated parts so each part is owned by exactly
// one pipeline step.
func (m *Message) Clone() *Message {
	c := *m
	c.Text = append([]byte(nil), m.Text...)
	c.UDH = append([]byte(nil), m.UDH...)
	return &c
}

// outboundJSON mirrors the recognised fields of the sms.send envelope
// (spec §6).
type outboundJSON struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	SMSCID    string `json:"smsc-id"`
	UDH       string `json:"udh"`
	Charset   string `json:"charset"`
	Coding    *int   `json:"coding"`
	MClass    *int   `json:"mclass"`
	DLRMask   *int   `json:"dlr-mask"`
	Priority  *int   `json:"priority"`
	Validity  *int   `json:"validity"`
	Deferred  *int   `json:"deferred"`
}

// DecodeOutbound parses a sms.send broker body into a Message. It
// returns an error for bodies that are not valid JSON or are missing
// any of the required from/to/text fields; callers surface that as a
// MalformedInput failure, not a panic.
func DecodeOutbound(body []byte) (*Message, error) {
	var raw outboundJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.From == "" || raw.To == "" || raw.Text == "" {
		return nil, errors.New("missing required field (from/to/text)")
	}

	m := &Message{
		Kind:      KindMTPush,
		Sender:    raw.From,
		Receiver:  raw.To,
		Text:      []byte(raw.Text),
		SMSCRoute: raw.SMSCID,
		Charset:   raw.Charset,
		Validity:  Unset,
		Deferred:  Unset,
	}
	m.EnsureID()

	if raw.UDH != "" {
		if udh, err := hex.DecodeString(raw.UDH); err == nil {
			m.UDH = udh
		}
		// Invalid hex: silently dropped per spec §9's UDH hex
		// validation note, not a message failure.
	}
	if raw.Coding != nil {
		m.Coding = *raw.Coding
	}
	if raw.MClass != nil {
		m.MClass = *raw.MClass
	}
	if raw.DLRMask != nil {
		m.DLRMask = *raw.DLRMask
	}
	if raw.Priority != nil {
		m.Priority = *raw.Priority
	}
	// validity/deferred arrive as relative minutes; the bearer protocol
	// and the spool both want absolute epoch seconds, matching the
	// original's msg->sms.validity = time(NULL) + validity * 60.
	if raw.Validity != nil && *raw.Validity >= 0 {
		m.Validity = time.Now().Unix() + int64(*raw.Validity)*60
	}
	if raw.Deferred != nil && *raw.Deferred >= 0 {
		m.Deferred = time.Now().Unix() + int64(*raw.Deferred)*60
	}
	return m, nil
}

// inboundJSON mirrors the produced fields of the sms.mo / sms.dlr
// envelope (spec §6).
type inboundJSON struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	SMSCID    string `json:"smsc-id"`
	Coding    int    `json:"coding"`
	DLRType   *int   `json:"dlr-type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeInbound serialises msg as the "mo" or "dlr" envelope named by
// kind.
func EncodeInbound(m *Message, kind string) ([]byte, error) {
	raw := inboundJSON{
		Type:      kind,
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Receiver,
		Text:      string(m.Text),
		SMSCID:    m.SMSCRoute,
		Coding:    m.Coding,
		Timestamp: m.Timestamp,
	}
	if kind == "dlr" {
		dt := m.DLRType
		raw.DLRType = &dt
	}
	return json.Marshal(&raw)
}

// DecodeInbound parses a sms.mo / sms.dlr envelope back into a
// Message. Used by tests exercising the encode/decode round-trip and
// by debugging tools; the daemon itself never consumes its own
// inbound output.
func DecodeInbound(body []byte) (*Message, error) {
	var raw inboundJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	m := &Message{
		ID:        raw.ID,
		Sender:    raw.From,
		Receiver:  raw.To,
		Text:      []byte(raw.Text),
		SMSCRoute: raw.SMSCID,
		Coding:    raw.Coding,
		Timestamp: raw.Timestamp,
	}
	switch raw.Type {
	case "mo":
		m.Kind = KindMO
	case "dlr":
		m.Kind = KindReportMO
		if raw.DLRType != nil {
			m.DLRType = *raw.DLRType
		}
	}
	return m, nil
}

// FailedEnvelope builds the error payload published to sms.failed.
func FailedEnvelope(reason string, fields map[string]string, original []byte) []byte {
	env := map[string]interface{}{"error": reason}
	for k, v := range fields {
		env[k] = v
	}
	if original != nil {
		env["original"] = string(original)
	}
	b, _ := json.Marshal(env)
	return b
}
