package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const (
	envNATSTLSCA         = "NATS_TLS_CA"
	envNATSTLSCert       = "NATS_TLS_CERT"
	envNATSTLSKey        = "NATS_TLS_KEY"
	envNATSTLSInsecure   = "NATS_TLS_INSECURE"
	envNATSTLSServerName = "NATS_TLS_SERVER_NAME"

	defaultFlushTimeout = 2 * time.Second
)

var (
	errNilBus      = errors.New("nats bus not initialized")
	errEmptyTopic  = errors.New("empty subject")
	errNilHandler  = errors.New("nil handler")
	errEmptyPacket = errors.New("empty payload")
)

// Handler receives raw message bytes for the subject they arrived on.
type Handler func(subject string, data []byte) error

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// NatsBus is a thin wrapper over a NATS connection that moves opaque bytes.
type NatsBus struct {
	nc   *nats.Conn
	name string
}

// NewNatsBus dials NATS at the provided URL. name identifies the connection in
// server monitoring and in logs.
func NewNatsBus(url, name string) (*NatsBus, error) {
	if name == "" {
		name = "backplane-bus"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "name", name, "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "name", name, "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed", "name", name)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logging.Error("bus", "async error", "subject", subject, "error", err)
		}),
	}
	tlsConfig, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, &ConnectivityError{Op: "connect", Err: err}
	}
	return &NatsBus{nc: nc, name: name}, nil
}

// Close drains subscriptions and shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Publish sends data on the given subject. Failures are reported as
// ConnectivityError so callers can tell them apart from local mistakes.
func (b *NatsBus) Publish(subject string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if len(data) == 0 {
		return errEmptyPacket
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return &ConnectivityError{Op: "publish " + subject, Err: err}
	}
	return nil
}

// Flush round-trips to the server so that everything published so far has
// been accepted by it.
func (b *NatsBus) Flush() error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if err := b.nc.FlushTimeout(defaultFlushTimeout); err != nil {
		return &ConnectivityError{Op: "flush", Err: err}
	}
	return nil
}

// Subscribe attaches a queue subscription. NATS invokes the callback of one
// subscription serially, so messages on a subject are handled in delivery
// order. Handler errors are logged; there is no redelivery.
func (b *NatsBus) Subscribe(subject, queue string, handler Handler) (Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		return nil, errEmptyTopic
	}
	if handler == nil {
		return nil, errNilHandler
	}
	cb := func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		sub, err := b.nc.Subscribe(subject, cb)
		if err != nil {
			return nil, &ConnectivityError{Op: "subscribe " + subject, Err: err}
		}
		return sub, nil
	}
	sub, err := b.nc.QueueSubscribe(subject, queue, cb)
	if err != nil {
		return nil, &ConnectivityError{Op: "subscribe " + subject, Err: err}
	}
	return sub, nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envNATSTLSServerName))
	insecure := parseBoolEnv(envNATSTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		// #nosec G402 -- operator opt-in for dev clusters.
		cfg.InsecureSkipVerify = true
	}
	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("nats tls ca read: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("nats tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("nats tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("nats tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
