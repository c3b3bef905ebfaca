// Command rabbitmqbox runs the bidirectional bridging daemon between
// an AMQP broker and a local SMS-gateway bearer server.
//
// Built around cobra for its CLI surface (flag parsing style adopted
// from oriys-nova's cmd/nova), while the daemon lifecycle itself
// follows hekad's cmd/hekad/main.go: load config, construct the owned
// collaborators, run, and exit with a status reflecting startup
// success or failure.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaska94/kannel/internal/bearer"
	"github.com/vaska94/kannel/internal/broker"
	"github.com/vaska94/kannel/internal/config"
	"github.com/vaska94/kannel/internal/logging"
	"github.com/vaska94/kannel/internal/metrics"
	"github.com/vaska94/kannel/internal/multipart"
	"github.com/vaska94/kannel/internal/pipeline"
	"github.com/vaska94/kannel/internal/policy"
	"github.com/vaska94/kannel/internal/spool"
)

const version = "1.0.0"

var debug bool

func main() {
	root := &cobra.Command{
		Use:     "rabbitmqbox <config-file>",
		Short:   "Bridge an AMQP broker and an SMS bearer server",
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(args[0])
		},
	}
	root.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	root.SetVersionTemplate("{{.Version}}\n")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}
	logging.SetDebug(debug)

	d, err := buildDaemon(cfg)
	if err != nil {
		return fmt.Errorf("error starting daemon: %w", err)
	}
	d.InstallSignalHandlers()

	for {
		ctx, cancel := context.WithCancel(context.Background())
		go d.Metrics.Serve(ctx, cfg.Daemon.MetricsAddr)

		if err := d.Run(ctx); err != nil {
			cancel()
			return fmt.Errorf("daemon run failed: %w", err)
		}
		cancel()

		if !d.RestartRequested() {
			break
		}
		logging.Infof("rabbitmqbox: restarting from config %s", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("error reloading config: %w", err)
		}
		d, err = buildDaemon(cfg)
		if err != nil {
			return fmt.Errorf("error rebuilding daemon on restart: %w", err)
		}
		d.InstallSignalHandlers()
	}
	return nil
}

func setupLogging(cfg *config.Config) error {
	level := logging.ParseLevel(cfg.Core.LogLevel)
	if cfg.Core.LogFile == "" {
		logging.SetDefault(logging.New(os.Stderr, level))
		return nil
	}
	f, err := os.OpenFile(cfg.Core.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	logging.SetDefault(logging.New(f, level))
	return nil
}

func buildDaemon(cfg *config.Config) (*pipeline.Daemon, error) {
	dc := cfg.Daemon

	queues := broker.Queues{Send: dc.QueueSend, MO: dc.QueueMO, DLR: dc.QueueDLR, Failed: dc.QueueFailed}
	bl := broker.New(broker.Config{
		URL:      dc.BrokerURL(),
		Prefetch: dc.BrokerPrefetch,
		Queues:   queues,
	})

	br := bearer.New(dc.BoxID)

	var mp *multipart.Table
	if dc.DisableMultipartCatenation {
		mp = multipart.Disabled()
	} else {
		timeout := dc.MultipartTimeoutSeconds
		if timeout == 0 {
			timeout = 300
		}
		mp = multipart.New(time.Duration(timeout) * time.Second)
	}

	sp := spool.New(dc.StoreFile)
	var inboundSp *spool.Spool
	if dc.StoreFile != "" {
		inboundSp = spool.New(dc.StoreFile + ".inbound")
	}

	var pol *policy.SenderPolicy
	if dc.AllowedSenders == "" {
		pol = policy.Disabled()
	} else {
		var err error
		pol, err = policy.Load(dc.AllowedSenders)
		if err != nil {
			return nil, fmt.Errorf("loading allow-list: %w", err)
		}
	}

	m := metrics.New()

	d := pipeline.New(bl, br, mp, sp, inboundSp, pol, m)
	d.BoxID = dc.BoxID
	d.SMSCRoute = dc.RouteToSMSC
	d.RequireAuth = dc.RequireAuth || dc.AllowedSenders != ""
	d.BearerHost = dc.BearerHost

	if dc.BearerUseTLS {
		tlsConf, err := bearer.CreateTLSConfig(&bearer.TLSConfig{
			ServerName:         dc.BearerTLS.ServerName,
			CertFile:           dc.BearerTLS.CertFile,
			KeyFile:            dc.BearerTLS.KeyFile,
			RootCAFile:         dc.BearerTLS.RootCAFile,
			InsecureSkipVerify: dc.BearerTLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("building bearer TLS config: %w", err)
		}
		d.BearerTLSConfig = tlsConf
		d.BearerPort = dc.BearerPortSSL
	} else {
		d.BearerPort = dc.BearerPort
	}

	return d, nil
}
