package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject is where events are published unless configured otherwise.
const DefaultSubject = "arcstore.events"

// NATSConfig holds connection settings for the NATS notifier.
type NATSConfig struct {
	URL           string
	Subject       string        // events go to <Subject>.<kind> (default: DefaultSubject)
	Name          string        // client name shown by the server
	Timeout       time.Duration // connect timeout (default: 5s)
	ReconnectWait time.Duration // default: 2s
	MaxReconnects int           // -1 reconnects forever (default: -1)
	Logger        zerolog.Logger
}

// publisher is the part of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes events as JSON to a NATS subject per event kind.
type NATSNotifier struct {
	conn    *nats.Conn
	pub     publisher
	subject string
	logger  zerolog.Logger
}

// NewNATSNotifier connects to the server. Later disconnects are retried by
// the client in the background; events raised meanwhile are buffered by it.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats notifier: url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	logger := cfg.Logger.With().Str("component", "notify").Str("sink", "nats").Logger()
	opts := []nats.Option{
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	n := newNATSNotifier(conn, cfg.Subject, logger)
	n.conn = conn
	return n, nil
}

func newNATSNotifier(pub publisher, subject string, logger zerolog.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject, logger: logger}
}

// Subject returns the subject events of kind are published to.
func (n *NATSNotifier) Subject(kind Kind) string {
	return n.subject + "." + string(kind)
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to encode event")
		return
	}
	if err := n.pub.Publish(n.Subject(ev.Kind), data); err != nil {
		n.logger.Warn().Err(err).Str("event_id", ev.ID).Str("kind", string(ev.Kind)).Msg("failed to publish event")
	}
}

// Close flushes pending events and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
