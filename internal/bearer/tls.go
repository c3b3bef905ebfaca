// TLS configuration helper adapted from heka's plugins/tcp/tls.go:
// translate a small config struct into a *tls.Config, used when
// dialing the bearer server over AMQPS-style TLS.
package bearer

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
)

// TLSConfig mirrors the subset of heka's tcp.TlsConfig this daemon's
// bearer-side TLS dial actually needs.
type TLSConfig struct {
	ServerName         string
	CertFile           string
	KeyFile            string
	RootCAFile         string
	InsecureSkipVerify bool
}

// CreateTLSConfig builds a *tls.Config from cfg, in the same shape as
// heka's tcp.CreateGoTlsConfig.
func CreateTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	goConf := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading bearer TLS keypair: %w", err)
		}
		goConf.Certificates = []tls.Certificate{cert}
	}

	if cfg.RootCAFile != "" {
		pem, err := ioutil.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading bearer root CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.RootCAFile)
		}
		goConf.RootCAs = pool
	}

	return goConf, nil
}
