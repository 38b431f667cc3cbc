package monitor

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// AlertPublisher delivers alerts to an external sink.
type AlertPublisher interface {
	PublishAlert(alert Alert) error
}

// NATSConfig holds NATS alert-bus configuration.
type NATSConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Subject string        `yaml:"subject" json:"subject"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// NATSPublisher publishes alerts to a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "context.alerts"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[AlertBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[AlertBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: nc, subject: cfg.Subject}, nil
}

// PublishAlert sends the alert as JSON on the configured subject.
func (p *NATSPublisher) PublishAlert(alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// notify logs the alert and forwards it to the publisher when one is
// configured.
func (m *Monitor) notify(alert Alert) {
	log.Printf("[ALERT] %s: %s", alert.Severity, alert.Message)

	if m.publisher != nil {
		if err := m.publisher.PublishAlert(alert); err != nil {
			log.Printf("[AlertBus] publish failed: %v", err)
		}
	}
}
