package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/merlab/mer-backend/pkg/logging"
	"github.com/merlab/mer-backend/pkg/retry"
	"github.com/merlab/mer-backend/pkg/tracing"
)

// DefaultCloseGrace is how long a publish connection stays open after the
// message is handed to the broker
const DefaultCloseGrace = 500 * time.Millisecond

// Publisher sends messages to the pipeline. Each publish uses its own
// short-lived connection.
type Publisher struct {
	url    string
	dial   Dialer
	grace  time.Duration
	logger *logging.Logger

	closing sync.WaitGroup
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithDialer replaces the broker dialer
func WithDialer(d Dialer) PublisherOption {
	return func(p *Publisher) { p.dial = d }
}

// WithCloseGrace overrides DefaultCloseGrace
func WithCloseGrace(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.grace = d }
}

// NewPublisher creates a publisher for the broker at url
func NewPublisher(url string, logger *logging.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Publisher{
		url:    url,
		dial:   DialAMQP,
		grace:  DefaultCloseGrace,
		logger: logger.WithField("component", "publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish declares queue and sends env to it as a persistent JSON message
func (p *Publisher) Publish(ctx context.Context, queue string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to encode message: %w", err))
	}

	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	headers := amqp.Table{}
	tracing.Propagator.Inject(ctx, headerCarrier(headers))

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(env.Type),
		Headers:      headers,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	p.logger.Debug("Published message", map[string]interface{}{
		"queue":      queue,
		"type":       string(env.Type),
		"message_id": msg.MessageId,
	})

	// Give the broker time to take the message before tearing down
	p.closing.Add(1)
	time.AfterFunc(p.grace, func() {
		defer p.closing.Done()
		ch.Close()
		conn.Close()
	})
	return nil
}

// PublishSubmitted announces an accepted song on the management queue
func (p *Publisher) PublishSubmitted(ctx context.Context, s Submitted) error {
	env, err := NewEnvelope(TypeSubmitted, s)
	if err != nil {
		return err
	}
	return p.Publish(ctx, QueueManagement, env)
}

// Close waits for connections still inside their grace period
func (p *Publisher) Close() error {
	p.closing.Wait()
	return nil
}
