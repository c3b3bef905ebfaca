package bearer

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/vaska94/kannel/internal/smsmsg"
)

func pipeLinks() (client *Link, server *Link) {
	c, s := net.Pipe()
	client = &Link{conn: c, reader: bufio.NewReader(c), boxID: "box-a"}
	server = &Link{conn: s, reader: bufio.NewReader(s), boxID: "box-b"}
	return
}

func TestWriteReadRoundTripSMS(t *testing.T) {
	client, server := pipeLinks()
	defer client.Close()
	defer server.Close()

	msg := &smsmsg.Message{Kind: smsmsg.KindMTPush, Sender: "A", Receiver: "B", Text: []byte("hi")}
	done := make(chan error, 1)
	go func() { done <- client.WriteSMS(msg) }()

	frame, status, err := server.Read(time.Second)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", status)
	}
	if frame.Type != FrameSMS || frame.SMS.Sender != "A" || string(frame.SMS.Text) != "hi" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if err := <-done; err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func TestAdminFrameRoundTrip(t *testing.T) {
	client, server := pipeLinks()
	defer client.Close()
	defer server.Close()

	go client.Write(&Frame{Type: FrameAdmin, Admin: CmdRestart, BoxID: "box-a"})

	frame, status, err := server.Read(time.Second)
	if err != nil || status != StatusOK {
		t.Fatalf("read failed: status=%v err=%v", status, err)
	}
	if frame.Type != FrameAdmin || frame.Admin != CmdRestart {
		t.Fatalf("unexpected admin frame: %+v", frame)
	}
}

func TestReadTimesOutWithoutError(t *testing.T) {
	_, server := pipeLinks()
	defer server.Close()

	frame, status, err := server.Read(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error on timeout: %v", err)
	}
	if status != StatusTimeout {
		t.Fatalf("expected StatusTimeout, got %v", status)
	}
	if frame != nil {
		t.Fatal("expected nil frame on timeout")
	}
}

func TestReadOnClosedConnReportsDisconnected(t *testing.T) {
	client, server := pipeLinks()
	client.Close()

	_, status, err := server.Read(time.Second)
	if status != StatusDisconnected {
		t.Fatalf("expected StatusDisconnected, got %v", status)
	}
	if err == nil {
		t.Fatal("expected an error on disconnect")
	}
}

func TestConnectDialsAndSendsIdentify(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	l := New("box-1")
	if err := l.Connect(addr.IP.String(), addr.Port, nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer l.Close()

	serverConn := <-accepted
	defer serverConn.Close()
	server := &Link{conn: serverConn, reader: bufio.NewReader(serverConn)}

	frame, status, err := server.Read(time.Second)
	if err != nil || status != StatusOK {
		t.Fatalf("failed reading identify frame: status=%v err=%v", status, err)
	}
	if frame.Type != FrameAdmin || frame.Admin != CmdIdentify || frame.BoxID != "box-1" {
		t.Fatalf("unexpected identify frame: %+v", frame)
	}
}

func TestWriteOnDisconnectedLinkErrors(t *testing.T) {
	l := New("box-1")
	if err := l.WriteSMS(&smsmsg.Message{}); err == nil {
		t.Fatal("expected an error writing on a disconnected link")
	}
}
