package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const DefaultSubjectPrefix = "realmctl.events"

type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix,omitempty"`
	ConnectWait   time.Duration `yaml:"connect_wait,omitempty"`
}

// publisher is the subset of *nats.Conn the sink needs
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards bus events as envelopes to "<prefix>.<kind>"
type NATSPublisher struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger logging.Logger
}

// NewNATSPublisher connects to the configured server
func NewNATSPublisher(config NATSConfig, logger logging.Logger) (*NATSPublisher, error) {
	if config.URL == "" {
		return nil, errors.NewValidationError("NATS URL is required", nil)
	}

	opts := []nats.Option{
		nats.Name("realmctl"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected, error: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("NATS reconnected, url: %s", c.ConnectedUrl())
		}),
	}
	if config.ConnectWait > 0 {
		opts = append(opts, nats.Timeout(config.ConnectWait))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.NewNetworkError("failed to connect to NATS", err).WithContext("url", config.URL)
	}

	logger.Infof("NATS event publisher connected, url: %s", config.URL)

	p := newNATSPublisher(conn, config.SubjectPrefix, logger)
	p.conn = conn
	return p, nil
}

func newNATSPublisher(pub publisher, prefix string, logger logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		pub:    pub,
		prefix: prefix,
		logger: logger,
	}
}

// Subject returns the subject an event kind is published on
func (p *NATSPublisher) Subject(kind Kind) string {
	return fmt.Sprintf("%s.%s", p.prefix, kind)
}

// Listener adapts the publisher for Bus.Subscribe. Publish failures are
// logged and dropped.
func (p *NATSPublisher) Listener() Listener {
	return func(ev Event) {
		if err := p.Publish(ev); err != nil {
			p.logger.Warnf("Failed to publish event, kind: %s, error: %v", ev.Kind(), err)
		}
	}
}

func (p *NATSPublisher) Publish(ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return errors.NewInternalError("failed to marshal event", err)
	}
	if err := p.pub.Publish(p.Subject(ev.Kind()), data); err != nil {
		return errors.NewNetworkError("failed to publish event", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warnf("NATS drain failed, error: %v", err)
		p.conn.Close()
	}
}
