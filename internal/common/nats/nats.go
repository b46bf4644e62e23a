// Package nats carries airtime events over JetStream: callback hand-off
// from the webhook to its consumer, transaction events and alerts.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"airtimebridge/internal/common/events"
)

// SubjectPrefix namespaces every subject on the airtime stream.
const SubjectPrefix = "airtime."

// Config holds NATS configuration
type Config struct {
	Enabled       bool          `envconfig:"NATS_ENABLED" default:"false"`
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"airtimebridge"`
	Stream        string        `envconfig:"NATS_STREAM" default:"AIRTIME"`
	Retention     time.Duration `envconfig:"NATS_RETENTION" default:"168h"`
	DedupeWindow  time.Duration `envconfig:"NATS_DEDUPE_WINDOW" default:"2m"`
	MaxDeliver    int           `envconfig:"NATS_MAX_DELIVER" default:"10"`
	AckWait       time.Duration `envconfig:"NATS_ACK_WAIT" default:"30s"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// Client is a JetStream connection bound to the airtime stream.
type Client struct {
	cfg    Config
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New connects to NATS.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "nats")
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			var subject string
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return &Client{cfg: cfg, conn: conn, js: js, logger: logger}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// HealthCheck reports whether the connection is up.
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// Subject is the subject an event type is published on.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// EnsureStream creates or updates the airtime stream. Message IDs are
// deduplicated for the configured window, so a republished event is stored
// once.
func (c *Client) EnsureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "airtime purchase events",
		Subjects:    []string{SubjectPrefix + ">"},
		MaxAge:      c.cfg.Retention,
		Duplicates:  c.cfg.DedupeWindow,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("stream ensured", "stream", c.cfg.Stream, "retention", c.cfg.Retention)
	return nil
}

// Durable creates or updates a durable consumer for one event type.
func (c *Client) Durable(ctx context.Context, name, eventType string) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: Subject(eventType),
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s: %w", name, err)
	}
	c.logger.Info("consumer ensured", "name", name, "event_type", eventType)
	return consumer, nil
}

// Publisher publishes events to the airtime stream.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher creates a publisher on the client's connection.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{js: client.js, logger: logger}
}

// Publish publishes an event. The event ID is the JetStream message ID.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := Subject(event.Type)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	p.logger.Debug("event published",
		"event_id", event.ID,
		"subject", subject,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// MessageHandler handles one decoded event.
type MessageHandler func(ctx context.Context, event *events.Event) error

// maxRedeliveryDelay caps the Nak delay.
const maxRedeliveryDelay = 30 * time.Second

// Subscriber consumes events from a durable consumer.
type Subscriber struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewSubscriber creates a subscriber.
func NewSubscriber(consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{consumer: consumer, logger: logger}
}

// Start consumes until ctx is cancelled. A handler error Naks the message
// with a delay that grows with the delivery count; undecodable payloads are
// terminated.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("opening message iterator: %w", err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			s.logger.Error("reading next message", "error", err)
			continue
		}

		var event events.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.Error("undecodable message terminated", "error", err, "subject", msg.Subject())
			_ = msg.Term()
			continue
		}

		if err := handler(ctx, &event); err != nil {
			delay := redeliveryDelay(msg)
			s.logger.Error("event handling failed",
				"error", err,
				"event_id", event.ID,
				"type", event.Type,
				"retry_in", delay,
			)
			_ = msg.NakWithDelay(delay)
			continue
		}
		if err := msg.Ack(); err != nil {
			s.logger.Error("acknowledging message", "error", err, "event_id", event.ID)
		}
	}
}

func redeliveryDelay(msg jetstream.Msg) time.Duration {
	meta, err := msg.Metadata()
	if err != nil {
		return time.Second
	}
	delay := time.Duration(meta.NumDelivered) * time.Second
	if delay > maxRedeliveryDelay {
		delay = maxRedeliveryDelay
	}
	return delay
}
