package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/streadway/amqp"

	"github.com/vaska94/kannel/internal/bearer"
	"github.com/vaska94/kannel/internal/broker"
	"github.com/vaska94/kannel/internal/metrics"
	"github.com/vaska94/kannel/internal/multipart"
	"github.com/vaska94/kannel/internal/policy"
	"github.com/vaska94/kannel/internal/smsmsg"
	"github.com/vaska94/kannel/internal/spool"
)

// fakePublishChannel is a hand-rolled broker.Channel fake, local to
// the pipeline tests so they don't need to reach into package broker.
type fakePublishChannel struct {
	published map[string][][]byte
}

func newFakePublishChannel() *fakePublishChannel {
	return &fakePublishChannel{published: make(map[string][][]byte)}
}

func (f *fakePublishChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}
func (f *fakePublishChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (f *fakePublishChannel) Qos(int, int, bool) error { return nil }
func (f *fakePublishChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}
func (f *fakePublishChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	f.published[key] = append(f.published[key], msg.Body)
	return nil
}
func (f *fakePublishChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return c }
func (f *fakePublishChannel) Close() error                                   { return nil }

type failingDialer struct{}

func (failingDialer) Dial(string) (broker.Connection, error) {
	return nil, errFakeDial
}

var errFakeDial = &fakeDialErr{}

type fakeDialErr struct{}

func (*fakeDialErr) Error() string { return "fake dial failure" }

func newTestBroker(ch broker.Channel) *broker.Link {
	l := broker.New(broker.Config{URL: "amqp://unused"})
	l.SetChannelForTest(ch)
	return l
}

func newTestDaemon(t *testing.T, ch broker.Channel, bl *bearer.Link) *Daemon {
	t.Helper()
	d := New(newTestBroker(ch), bl, multipart.New(300*time.Second),
		spool.New(""), spool.New(""), policy.Disabled(), metrics.New())
	d.BoxID = "box-test"
	d.SMSCRoute = "default"
	return d
}

func TestHandleOutboundDeliveryMalformedGoesToFailedQueue(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test"))

	acked := false
	delivery := broker.NewDeliveryForTest([]byte("not json"),
		func(bool) error { acked = true; return nil },
		func(bool, bool) error { return nil })

	d.handleOutboundDelivery(delivery)

	if !acked {
		t.Fatal("expected malformed delivery to be acked")
	}
	if len(ch.published["sms.failed"]) != 1 {
		t.Fatalf("expected 1 message on failed queue, got %d", len(ch.published["sms.failed"]))
	}
}

func TestHandleOutboundDeliveryPolicyRejectGoesToFailedQueue(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test"))
	d.RequireAuth = true
	d.Policy = loadTestPolicy(t, "+1111")

	body := []byte(`{"from":"+9999","to":"+2222","text":"hi"}`)
	acked := false
	delivery := broker.NewDeliveryForTest(body,
		func(bool) error { acked = true; return nil },
		func(bool, bool) error { return nil })

	d.handleOutboundDelivery(delivery)

	if !acked {
		t.Fatal("expected policy-rejected delivery to be acked")
	}
	if len(ch.published["sms.failed"]) != 1 {
		t.Fatalf("expected 1 message on failed queue, got %d", len(ch.published["sms.failed"]))
	}
}

func TestHandleOutboundDeliveryBearerDownSpoolsAndAcks(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test")) // never connected: WriteSMS always fails
	spoolPath := t.TempDir() + "/out.spool"
	d.Spool = spool.New(spoolPath)

	body := []byte(`{"from":"+1111","to":"+2222","text":"hi"}`)
	acked, nacked := false, false
	delivery := broker.NewDeliveryForTest(body,
		func(bool) error { acked = true; return nil },
		func(bool, bool) error { nacked = true; return nil })

	d.handleOutboundDelivery(delivery)

	if !acked || nacked {
		t.Fatalf("expected ack after successful spool, not nack (acked=%v nacked=%v)", acked, nacked)
	}
	msgs, err := d.Spool.Drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "+1111" {
		t.Fatalf("expected spooled message from +1111, got %+v", msgs)
	}
}

func TestHandleOutboundDeliveryBearerDownSpoolDisabledNacks(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test")) // never connected: WriteSMS always fails
	// d.Spool is spool.New("") from newTestDaemon: disabled.

	body := []byte(`{"from":"+1111","to":"+2222","text":"hi"}`)
	acked, nacked := false, false
	delivery := broker.NewDeliveryForTest(body,
		func(bool) error { acked = true; return nil },
		func(bool, bool) error { nacked = true; return nil })

	d.handleOutboundDelivery(delivery)

	if acked || !nacked {
		t.Fatalf("expected nack when spool is disabled, not ack (acked=%v nacked=%v)", acked, nacked)
	}
	if got := testutil.ToFloat64(d.Metrics.SpooledTotal); got != 0 {
		t.Fatalf("expected SpooledTotal to stay at 0 with spool disabled, got %v", got)
	}
}

func TestHandleInboundMessageMOPublishesAndCountsMetric(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test"))

	msg := &smsmsg.Message{Kind: smsmsg.KindMO, Sender: "+1111", Receiver: "+2222", Text: []byte("hello")}
	d.handleInboundMessage(msg)

	if len(ch.published["sms.mo"]) != 1 {
		t.Fatalf("expected 1 MO publish, got %d", len(ch.published["sms.mo"]))
	}
}

func TestHandleInboundMessageDLRPublishesToDLRQueue(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test"))

	msg := &smsmsg.Message{Kind: smsmsg.KindReportMO, Sender: "+1111", Receiver: "+2222"}
	d.handleInboundMessage(msg)

	if len(ch.published["sms.dlr"]) != 1 {
		t.Fatalf("expected 1 DLR publish, got %d", len(ch.published["sms.dlr"]))
	}
}

func TestHandleInboundMessageMultipartHoldsUntilComplete(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test"))

	udh := func(seq byte) []byte { return []byte{0x05, 0x00, 0x03, 42, 2, seq} }
	d.handleInboundMessage(&smsmsg.Message{Kind: smsmsg.KindMO, Sender: "+1111", Text: []byte("part1"), UDH: udh(1)})
	if len(ch.published["sms.mo"]) != 0 {
		t.Fatal("expected no publish before all parts arrive")
	}
	d.handleInboundMessage(&smsmsg.Message{Kind: smsmsg.KindMO, Sender: "+1111", Text: []byte("part2"), UDH: udh(2)})
	if len(ch.published["sms.mo"]) != 1 {
		t.Fatalf("expected exactly 1 publish once all parts arrive, got %d", len(ch.published["sms.mo"]))
	}
}

func TestHandleInboundMessagePublishFailureSpoolsEnvelope(t *testing.T) {
	ch := newFakePublishChannel()
	d := newTestDaemon(t, ch, bearer.New("box-test"))
	d.InboundSpool = spool.New(t.TempDir() + "/in.spool")
	// A disconnected broker forces the publish path to reconnect,
	// which fails against the always-failing fake dialer and falls
	// back to spooling.
	d.Broker = broker.New(broker.Config{URL: "amqp://unused"})
	d.Broker.SetDialer(failingDialer{})

	d.handleInboundMessage(&smsmsg.Message{Kind: smsmsg.KindMO, Sender: "+1111", Text: []byte("x")})

	bodies, err := d.InboundSpool.DrainRaw()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected 1 spooled inbound envelope, got %d", len(bodies))
	}
}

func loadTestPolicy(t *testing.T, allowed string) *policy.SenderPolicy {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowed.txt")
	if err := os.WriteFile(path, []byte(allowed+"\n"), 0o644); err != nil {
		t.Fatalf("write allow-list: %v", err)
	}
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return p
}
