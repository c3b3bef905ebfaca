// Package bearer implements BearerLink: a thin wrapper over the
// bearer server's length-framed binary protocol (spec §4.2). The wire
// format itself is treated as an opaque library concern (spec §1); this
// package defines a length-prefixed JSON framing for it, in the same
// spirit as heka's plugins/tcp length-framed protocol handling.
package bearer

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vaska94/kannel/internal/errs"
	"github.com/vaska94/kannel/internal/smsmsg"
)

// FrameType distinguishes the two message shapes the bearer protocol
// carries.
type FrameType byte

const (
	FrameSMS FrameType = iota
	FrameAdmin
)

// AdminCommand enumerates the admin commands exchanged with the
// bearer server. Only CmdShutdown and CmdRestart are recognised on
// ingress (spec §4.2); CmdIdentify is sent on connect.
type AdminCommand string

const (
	CmdIdentify AdminCommand = "identify"
	CmdShutdown AdminCommand = "shutdown"
	CmdRestart  AdminCommand = "restart"
)

// Frame is a single message read from or written to the bearer
// server.
type Frame struct {
	Type  FrameType
	Admin AdminCommand
	BoxID string // set on identify frames
	SMS   *smsmsg.Message
}

// Status describes the outcome of a Read call.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusDisconnected
)

// wireFrame is the on-the-wire JSON shape, length-prefixed with a
// big-endian uint32.
type wireFrame struct {
	Type     string `json:"type"`
	Admin    string `json:"cmd,omitempty"`
	BoxID    string `json:"box_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Text     []byte `json:"text,omitempty"`
	UDH      []byte `json:"udh,omitempty"`
	Coding   int    `json:"coding,omitempty"`
	MClass   int    `json:"mclass,omitempty"`
	Priority int    `json:"priority,omitempty"`
	DLRMask  int    `json:"dlr_mask,omitempty"`
	DLRType  int    `json:"dlr_type,omitempty"`
	Validity int64  `json:"validity,omitempty"`
	Deferred int64  `json:"deferred,omitempty"`
	SMSC     string `json:"smsc_route,omitempty"`
	Charset  string `json:"charset,omitempty"`
	ID       string `json:"id,omitempty"`
}

func encodeFrame(f *Frame) ([]byte, error) {
	w := wireFrame{}
	switch f.Type {
	case FrameAdmin:
		w.Type = "admin"
		w.Admin = string(f.Admin)
		w.BoxID = f.BoxID
	case FrameSMS:
		w.Type = "sms"
		m := f.SMS
		w.Kind = m.Kind.String()
		w.Sender, w.Receiver = m.Sender, m.Receiver
		w.Text, w.UDH = m.Text, m.UDH
		w.Coding, w.MClass, w.Priority, w.DLRMask, w.DLRType = m.Coding, m.MClass, m.Priority, m.DLRMask, m.DLRType
		w.Validity, w.Deferred = m.Validity, m.Deferred
		w.SMSC, w.Charset, w.ID = m.SMSCRoute, m.Charset, m.ID
	}
	return json.Marshal(&w)
}

func decodeFrame(b []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "admin":
		return &Frame{Type: FrameAdmin, Admin: AdminCommand(w.Admin), BoxID: w.BoxID}, nil
	case "sms":
		kind := smsmsg.KindOther
		switch w.Kind {
		case "mo":
			kind = smsmsg.KindMO
		case "report_mo":
			kind = smsmsg.KindReportMO
		case "mt_push":
			kind = smsmsg.KindMTPush
		}
		return &Frame{Type: FrameSMS, SMS: &smsmsg.Message{
			ID: w.ID, Kind: kind, Sender: w.Sender, Receiver: w.Receiver,
			Text: w.Text, UDH: w.UDH, Coding: w.Coding, MClass: w.MClass,
			Priority: w.Priority, DLRMask: w.DLRMask, DLRType: w.DLRType,
			Validity: w.Validity, Deferred: w.Deferred,
			SMSCRoute: w.SMSC, Charset: w.Charset,
			Timestamp: time.Now().Unix(),
		}}, nil
	default:
		return &Frame{Type: FrameSMS, SMS: &smsmsg.Message{Kind: smsmsg.KindOther}}, nil
	}
}

// Link is BearerLink: a single framed socket to the bearer server.
type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	boxID  string
}

// New builds a disconnected Link identified as boxID in its identify
// frame.
func New(boxID string) *Link {
	return &Link{boxID: boxID}
}

// Connect dials host:port (TLS when tlsConf is non-nil) and sends an
// identify admin frame.
func (l *Link) Connect(host string, port int, tlsConf *tls.Config) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	var conn net.Conn
	var err error
	if tlsConf != nil {
		conn, err = tls.Dial("tcp", addr, tlsConf)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return errs.NewNetworkError("connect", err)
	}
	l.conn = conn
	l.reader = bufio.NewReader(conn)
	return l.Write(&Frame{Type: FrameAdmin, Admin: CmdIdentify, BoxID: l.boxID})
}

// Read waits up to timeout for the next frame. A StatusTimeout result
// is not an error; StatusDisconnected means the underlying connection
// is gone and the caller must reconnect.
func (l *Link) Read(timeout time.Duration) (*Frame, Status, error) {
	if l.conn == nil {
		return nil, StatusDisconnected, errs.NewNetworkError("read", fmt.Errorf("not connected"))
	}
	l.conn.SetReadDeadline(time.Now().Add(timeout))

	var lenBuf [4]byte
	if _, err := io.ReadFull(l.reader, lenBuf[:]); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, StatusTimeout, nil
		}
		return nil, StatusDisconnected, errs.NewNetworkError("read", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(l.reader, body); err != nil {
		return nil, StatusDisconnected, errs.NewNetworkError("read", err)
	}
	frame, err := decodeFrame(body)
	if err != nil {
		return nil, StatusDisconnected, errs.NewNetworkError("read", err)
	}
	return frame, StatusOK, nil
}

// Write sends a single frame, fire-and-forget.
func (l *Link) Write(f *Frame) error {
	if l.conn == nil {
		return errs.NewNetworkError("write", fmt.Errorf("not connected"))
	}
	body, err := encodeFrame(f)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := l.conn.Write(lenBuf[:]); err != nil {
		return errs.NewNetworkError("write", err)
	}
	if _, err := l.conn.Write(body); err != nil {
		return errs.NewNetworkError("write", err)
	}
	return nil
}

// WriteSMS is a convenience wrapper sending an mt_push SMS frame.
func (l *Link) WriteSMS(m *smsmsg.Message) error {
	return l.Write(&Frame{Type: FrameSMS, SMS: m})
}

// Close tears down the underlying connection.
func (l *Link) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.reader = nil
	return err
}

func (l *Link) IsConnected() bool { return l.conn != nil }
