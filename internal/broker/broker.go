// Package broker implements BrokerLink: the single AMQP 0-9-1
// connection/channel pair used to consume outbound send-requests and
// publish MO/DLR/failed traffic. Grounded on the AMQPChannel interface
// and Init/Run wiring of heka's plugins/amqp package, built directly
// on streadway/amqp.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/vaska94/kannel/internal/errs"
	"github.com/vaska94/kannel/internal/logging"
)

// Channel is the subset of *amqp.Channel this package depends on,
// narrowed so tests can substitute a fake, the same interface-over-
// concrete-type seam heka's plugins/amqp/amqp.go uses for AMQPChannel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection this package depends
// on, narrowed the same way Channel is so a fake Dialer can hand back
// a fake Channel without a real socket.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Dialer abstracts amqp.Dial for testability.
type Dialer interface {
	Dial(url string) (Connection, error)
}

type amqpDialer struct{}

func (amqpDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// amqpConnection adapts *amqp.Connection to Connection; *amqp.Channel
// already satisfies Channel structurally.
type amqpConnection struct{ conn *amqp.Connection }

func (c amqpConnection) Channel() (Channel, error) { return c.conn.Channel() }
func (c amqpConnection) Close() error              { return c.conn.Close() }

// Queues names the four well-known queues (spec §6), each overridable
// via config.
type Queues struct {
	Send   string
	MO     string
	DLR    string
	Failed string
}

func DefaultQueues() Queues {
	return Queues{Send: "sms.send", MO: "sms.mo", DLR: "sms.dlr", Failed: "sms.failed"}
}

// Config carries everything Connect needs to open the link.
type Config struct {
	URL      string
	Prefetch int
	Queues   Queues
}

// Delivery wraps a single consumed message together with the ack
// discipline the pipeline drives: the durability correction from
// SPEC_FULL §4.6 defers acking until the message has safely reached
// the bearer server or the spool, rather than auto-acking at consume
// time as spec §4.1 describes and §9 flags as a known weakness.
type Delivery struct {
	Body []byte
	ack  func(multiple bool) error
	nack func(multiple, requeue bool) error
}

func (d *Delivery) Ack() error  { return d.ack(false) }
func (d *Delivery) Nack(requeue bool) error { return d.nack(false, requeue) }

// NewDeliveryForTest builds a Delivery around hand-rolled ack/nack
// callbacks, for package pipeline's tests to observe the durability
// correction without a real AMQP connection.
func NewDeliveryForTest(body []byte, ack func(multiple bool) error, nack func(multiple, requeue bool) error) *Delivery {
	return &Delivery{Body: body, ack: ack, nack: nack}
}

// Link is BrokerLink: owns one AMQP connection + channel pair.
type Link struct {
	mu        sync.Mutex
	cfg       Config
	dialer    Dialer
	conn      Connection
	ch        Channel
	deliveries <-chan amqp.Delivery
	closeChan chan *amqp.Error
	connected bool
}

// New builds a Link, defaulting queue names and prefetch if unset.
func New(cfg Config) *Link {
	if cfg.Queues == (Queues{}) {
		cfg.Queues = DefaultQueues()
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 100
	}
	return &Link{cfg: cfg, dialer: amqpDialer{}}
}

// SetDialer overrides the dialer, for tests.
func (l *Link) SetDialer(d Dialer) { l.dialer = d }

// SetChannelForTest injects a fake Channel directly, bypassing Dial,
// for unit tests that don't want a real connection.
func (l *Link) SetChannelForTest(ch Channel) {
	l.ch = ch
	l.connected = true
}

// Connect opens the connection, channel, sets prefetch, declares the
// four well-known queues durable/non-exclusive/non-auto-delete, and
// starts a single no-auto-ack consumer on the send queue. Idempotent
// when already connected.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return nil
	}

	conn, err := l.dialer.Dial(l.cfg.URL)
	if err != nil {
		return errs.NewNetworkError("connect", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errs.NewNetworkError("channel", err)
	}
	if err := ch.Qos(l.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return errs.NewNetworkError("qos", err)
	}

	for _, q := range []string{l.cfg.Queues.Send, l.cfg.Queues.MO, l.cfg.Queues.DLR, l.cfg.Queues.Failed} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return errs.NewNetworkError(fmt.Sprintf("declare %s", q), err)
		}
	}

	deliveries, err := ch.Consume(l.cfg.Queues.Send, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return errs.NewNetworkError("consume", err)
	}

	l.conn = conn
	l.ch = ch
	l.deliveries = deliveries
	l.closeChan = ch.NotifyClose(make(chan *amqp.Error, 1))
	l.connected = true
	return nil
}

// IsConnected reports the link's last-known connection state.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// markDisconnected flags the link down; callers drive reconnection.
func (l *Link) markDisconnected() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

// Consume waits up to timeout for the next send-queue delivery. A nil
// Delivery (with nil error) means the wait timed out, which is not an
// error. Any other failure marks the link disconnected.
func (l *Link) Consume(timeout time.Duration) (*Delivery, error) {
	l.mu.Lock()
	deliveries := l.deliveries
	closeChan := l.closeChan
	l.mu.Unlock()

	if deliveries == nil {
		return nil, errs.NewNetworkError("consume", fmt.Errorf("not connected"))
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			l.markDisconnected()
			return nil, nil
		}
		delivery := d
		return &Delivery{
			Body: delivery.Body,
			ack:  func(multiple bool) error { return delivery.Ack(multiple) },
			nack: func(multiple, requeue bool) error { return delivery.Nack(multiple, requeue) },
		}, nil
	case amqpErr := <-closeChan:
		l.markDisconnected()
		if amqpErr != nil {
			return nil, errs.NewNetworkError("consume", amqpErr)
		}
		return nil, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// Publish publishes body to the default exchange with routing_key =
// queue, content_type = application/json, delivery_mode = persistent.
// Serialised under the link's mutex.
func (l *Link) Publish(queue string, body []byte) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	if ch == nil {
		return errs.NewNetworkError("publish", fmt.Errorf("not connected"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err := ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		l.connected = false
		return errs.NewNetworkError("publish", err)
	}
	return nil
}

// Disconnect tears down the channel and connection.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.ch != nil {
		if e := l.ch.Close(); e != nil {
			err = e
		}
		l.ch = nil
	}
	if l.conn != nil {
		if e := l.conn.Close(); e != nil {
			err = e
		}
		l.conn = nil
	}
	l.deliveries = nil
	l.connected = false
	return err
}

// Reconnect disconnects, pauses one second, then reconnects.
func (l *Link) Reconnect() error {
	if err := l.Disconnect(); err != nil {
		logging.Warnf("broker: error during disconnect before reconnect: %v", err)
	}
	time.Sleep(time.Second)
	return l.Connect()
}

// Queues exposes the configured queue names to the pipeline.
func (l *Link) Queues() Queues { return l.cfg.Queues }
