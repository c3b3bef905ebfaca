// Package pipeline is the translation core: the Daemon object owning
// BrokerLink, BearerLink, the multipart table, the spool and the
// sender policy, and the two cooperating outbound/inbound loops built
// around them (spec §4.6/§4.7). Modeled as a single top-level struct
// rather than file-scope globals, per spec §9's guidance on global
// mutable state.
package pipeline

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vaska94/kannel/internal/bearer"
	"github.com/vaska94/kannel/internal/broker"
	"github.com/vaska94/kannel/internal/logging"
	"github.com/vaska94/kannel/internal/metrics"
	"github.com/vaska94/kannel/internal/multipart"
	"github.com/vaska94/kannel/internal/policy"
	"github.com/vaska94/kannel/internal/spool"
)

const (
	consumeTimeout  = time.Second
	readTimeout     = time.Second
	reconnectPause  = 5 * time.Second
)

// Daemon is the single top-level state object shared by both loops.
type Daemon struct {
	Broker       *broker.Link
	Bearer       *bearer.Link
	Multipart    *multipart.Table
	Spool        *spool.Spool
	InboundSpool *spool.Spool
	Policy       *policy.SenderPolicy
	Metrics      *metrics.Metrics

	BoxID            string
	SMSCRoute        string
	RequireAuth      bool
	Queues           broker.Queues
	BearerHost       string
	BearerPort       int
	BearerTLSConfig  *tls.Config // nil disables TLS; dial BearerPort in that case

	running           atomic.Bool
	restartRequested  atomic.Bool
	wg                sync.WaitGroup
}

// New builds a Daemon from its already-constructed collaborators.
func New(b *broker.Link, br *bearer.Link, mp *multipart.Table, sp, inboundSp *spool.Spool,
	pol *policy.SenderPolicy, m *metrics.Metrics) *Daemon {
	d := &Daemon{
		Broker: b, Bearer: br, Multipart: mp, Spool: sp, InboundSpool: inboundSp,
		Policy: pol, Metrics: m, Queues: b.Queues(),
	}
	d.running.Store(true)
	return d
}

// InstallSignalHandlers wires SIGINT/SIGTERM to a graceful stop,
// SIGHUP to stop-and-restart, and ignores SIGPIPE, per spec §4.7/§6.
func (d *Daemon) InstallSignalHandlers() {
	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logging.Infof("pipeline: received %s, shutting down", sig)
				d.Stop()
			case syscall.SIGHUP:
				logging.Infof("pipeline: received SIGHUP, will restart")
				d.restartRequested.Store(true)
				d.Stop()
			case syscall.SIGPIPE:
				// ignored
			}
		}
	}()
}

// Stop requests both loops to exit at their next iteration boundary.
func (d *Daemon) Stop() { d.running.Store(false) }

// Running reports whether the loops should keep iterating.
func (d *Daemon) Running() bool { return d.running.Load() }

// RestartRequested reports whether shutdown was triggered by SIGHUP or
// a bearer-side cmd_restart admin frame.
func (d *Daemon) RestartRequested() bool { return d.restartRequested.Load() }

// Run connects both links, drains and retries the spool, then spawns
// and joins the outbound and inbound loops, per spec §4.7.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Broker.Connect(); err != nil {
		return err
	}
	if err := d.Bearer.Connect(d.BearerHost, d.BearerPort, d.BearerTLSConfig); err != nil {
		return err
	}

	d.drainAndRetrySpool()
	d.drainAndRetryInboundSpool()

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.RunOutbound(ctx) }()
	go func() { defer d.wg.Done(); d.RunInbound(ctx) }()
	d.wg.Wait()

	d.Bearer.Close()
	d.Broker.Disconnect()
	return nil
}

func (d *Daemon) drainAndRetrySpool() {
	msgs, err := d.Spool.Drain()
	if err != nil {
		logging.Errorf("pipeline: spool drain error: %v", err)
	}
	for _, m := range msgs {
		if err := d.Bearer.WriteSMS(m); err != nil {
			logging.Warnf("pipeline: retry write failed, re-spooling: %v", err)
			d.Spool.Append(m)
			continue
		}
		if d.Metrics != nil {
			d.Metrics.SentTotal.Inc()
		}
	}
}

// drainAndRetryInboundSpool is the §9 inbound-publish-durability
// extension's counterpart to drainAndRetrySpool: replay MO/DLR
// envelopes that previously failed to publish.
func (d *Daemon) drainAndRetryInboundSpool() {
	if d.InboundSpool == nil {
		return
	}
	bodies, err := d.InboundSpool.DrainRaw()
	if err != nil {
		logging.Errorf("pipeline: inbound spool drain error: %v", err)
	}
	for _, body := range bodies {
		// The queue a replayed envelope belongs to was not retained;
		// re-derive it from the envelope's own "type" field.
		queue := d.Queues.MO
		if isDLREnvelope(body) {
			queue = d.Queues.DLR
		}
		if err := d.Broker.Publish(queue, body); err != nil {
			logging.Warnf("pipeline: inbound spool retry failed, re-spooling: %v", err)
			d.InboundSpool.AppendRaw(body)
		}
	}
}

func isDLREnvelope(body []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Type == "dlr"
}
