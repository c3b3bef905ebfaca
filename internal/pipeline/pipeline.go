package pipeline

import (
	"context"
	"time"

	"github.com/vaska94/kannel/internal/bearer"
	"github.com/vaska94/kannel/internal/broker"
	"github.com/vaska94/kannel/internal/logging"
	"github.com/vaska94/kannel/internal/segment"
	"github.com/vaska94/kannel/internal/smsmsg"
)

// RunOutbound is the outbound loop of spec §4.6: BrokerLink -> JSON
// decode -> authorisation -> optional segmentation -> BearerLink
// write (or spool).
func (d *Daemon) RunOutbound(ctx context.Context) {
	for d.Running() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !d.Broker.IsConnected() {
			if err := d.Broker.Reconnect(); err != nil {
				logging.Warnf("outbound: broker reconnect failed: %v", err)
				time.Sleep(reconnectPause)
				continue
			}
			// A reconnect re-drains the spool before resuming sends,
			// per spec §4.5, and replays any spooled inbound envelopes.
			d.drainAndRetrySpool()
			d.drainAndRetryInboundSpool()
		}

		delivery, err := d.Broker.Consume(consumeTimeout)
		if err != nil {
			logging.Warnf("outbound: consume error: %v", err)
			continue
		}
		if delivery == nil {
			continue
		}

		d.handleOutboundDelivery(delivery)
	}
}

func (d *Daemon) handleOutboundDelivery(delivery *broker.Delivery) {
	msg, err := smsmsg.DecodeOutbound(delivery.Body)
	if err != nil {
		logging.Warnf("outbound: invalid message: %v", err)
		env := smsmsg.FailedEnvelope("Invalid message format", nil, delivery.Body)
		d.Broker.Publish(d.Queues.Failed, env)
		if d.Metrics != nil {
			d.Metrics.FailedTotal.Inc()
		}
		delivery.Ack()
		return
	}

	if d.RequireAuth && !d.Policy.Allowed(msg.Sender) {
		logging.Warnf("outbound: sender not authorized: %s", msg.Sender)
		env := smsmsg.FailedEnvelope("Sender not authorized", map[string]string{
			"from": msg.Sender, "to": msg.Receiver,
		}, nil)
		d.Broker.Publish(d.Queues.Failed, env)
		if d.Metrics != nil {
			d.Metrics.FailedTotal.Inc()
		}
		delivery.Ack()
		return
	}

	msg.BoxID = d.BoxID
	if msg.SMSCRoute == "" {
		msg.SMSCRoute = d.SMSCRoute
	}

	parts := segment.Split(msg)
	delivered := true
	for _, p := range parts {
		if err := d.Bearer.WriteSMS(p); err != nil {
			if !d.Spool.Enabled() {
				logging.Warnf("outbound: bearer write failed and spool disabled, requeuing: %v", err)
				delivered = false
				continue
			}
			logging.Warnf("outbound: bearer write failed, spooling: %v", err)
			if err := d.Spool.Append(p); err != nil {
				logging.Errorf("outbound: spool append failed: %v", err)
				delivered = false
			} else if d.Metrics != nil {
				d.Metrics.SpooledTotal.Inc()
			}
			continue
		}
		if d.Metrics != nil {
			d.Metrics.SentTotal.Inc()
		}
	}

	// Ack only after every part has either reached the bearer server
	// or the spool — the durability correction adopted from spec §9's
	// known-limitation note, strengthening invariant §8.5 beyond the
	// literal auto-ack-at-consume wording of spec §4.1.
	if delivered {
		delivery.Ack()
	} else {
		delivery.Nack(true)
	}
}

// RunInbound is the inbound loop of spec §4.6: BearerLink -> type
// dispatch -> (MO: multipart reassembly) -> JSON encode -> BrokerLink
// publish. Also drives the periodic reassembly sweep and administrative
// commands.
func (d *Daemon) RunInbound(ctx context.Context) {
	for d.Running() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, status, err := d.Bearer.Read(readTimeout)
		if status == bearer.StatusDisconnected {
			logging.Warnf("inbound: bearer disconnected: %v", err)
			d.Stop()
			break
		}
		if status == bearer.StatusTimeout {
			if n := d.Multipart.Sweep(); n > 0 && d.Metrics != nil {
				d.Metrics.MultipartExpiredTotal.Add(float64(n))
			}
			continue
		}

		if frame.Type == bearer.FrameAdmin {
			switch frame.Admin {
			case bearer.CmdShutdown:
				d.Stop()
			case bearer.CmdRestart:
				d.restartRequested.Store(true)
				d.Stop()
			}
			continue
		}

		d.handleInboundMessage(frame.SMS)
	}
}

func (d *Daemon) handleInboundMessage(msg *smsmsg.Message) {
	var body []byte
	var queue string
	var err error

	switch msg.Kind {
	case smsmsg.KindMO:
		assembled := d.Multipart.Offer(msg)
		if assembled == nil {
			return
		}
		body, err = smsmsg.EncodeInbound(assembled, "mo")
		queue = d.Queues.MO
	case smsmsg.KindReportMO:
		body, err = smsmsg.EncodeInbound(msg, "dlr")
		queue = d.Queues.DLR
	default:
		return
	}
	if err != nil {
		logging.Errorf("inbound: failed to encode message: %v", err)
		return
	}

	if !d.Broker.IsConnected() {
		if rerr := d.Broker.Reconnect(); rerr != nil {
			logging.Warnf("inbound: broker reconnect failed: %v", rerr)
			time.Sleep(reconnectPause)
			d.spoolInbound(body)
			return
		}
		d.drainAndRetryInboundSpool()
	}

	if perr := d.Broker.Publish(queue, body); perr != nil {
		logging.Errorf("inbound: publish to %s failed: %v", queue, perr)
		d.spoolInbound(body)
		return
	}

	if d.Metrics != nil {
		if queue == d.Queues.MO {
			d.Metrics.MOTotal.Inc()
		} else {
			d.Metrics.DLRTotal.Inc()
		}
	}
}

// spoolInbound is the §9 "desirable extension": spool a failed
// MO/DLR publish symmetrically with outbound, rather than dropping it.
func (d *Daemon) spoolInbound(body []byte) {
	if d.InboundSpool == nil {
		return
	}
	if err := d.InboundSpool.AppendRaw(body); err != nil {
		logging.Errorf("inbound: spool append failed: %v", err)
	}
}
