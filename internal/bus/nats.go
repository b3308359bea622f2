package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/retry"
)

// NATSForwarder republishes broadcast events to NATS subjects of the form
// <subject>.<run_id>.
type NATSForwarder struct {
	conn    *nats.Conn
	subject string
	retry   retry.Config
	logger  zerolog.Logger
}

// NewNATSForwarder connects to url. The connection reconnects on its own;
// publishes during an outage are retried with backoff.
func NewNATSForwarder(url, subject string, logger zerolog.Logger) (*NATSForwarder, error) {
	if subject == "" {
		subject = "forge.events"
	}
	log := logger.With().Str("component", "nats-forwarder").Logger()
	conn, err := nats.Connect(url,
		nats.Name("agentforge"),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, ferrors.Communication("connect nats", fmt.Errorf("%s: %w", url, err))
	}

	cfg := retry.DefaultConfig()
	cfg.Retryable = natsRetryable
	return &NATSForwarder{conn: conn, subject: subject, retry: cfg, logger: log}, nil
}

// Subject returns the subject an event is published on.
func (f *NATSForwarder) Subject(ev Event) string {
	if ev.RunID == "" {
		return f.subject
	}
	return f.subject + "." + ev.RunID
}

// Publish implements Publisher.
func (f *NATSForwarder) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return ferrors.Communication("encode event", err)
	}
	subject := f.Subject(ev)
	err = retry.Do(ctx, f.retry, func(ctx context.Context) error {
		return f.conn.Publish(subject, data)
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("subject", subject).Str("event_id", ev.ID).Msg("forward failed")
		return ferrors.Communication("forward event", err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (f *NATSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
		return err
	}
	return nil
}

func natsRetryable(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		ferrors.IsRetryable(err)
}
