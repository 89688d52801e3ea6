package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/merlab/mer-backend/pkg/logging"
	"github.com/merlab/mer-backend/pkg/metrics"
	"github.com/merlab/mer-backend/pkg/retry"
	"github.com/merlab/mer-backend/pkg/tracing"
)

// AckMode selects when a delivery is acknowledged
type AckMode string

const (
	// AckAfterSuccess acks once the handler succeeds, retrying it first
	AckAfterSuccess AckMode = "after_success"
	// AckBeforeProcess acks on receipt; handler failures lose the message
	AckBeforeProcess AckMode = "before_process"
)

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	URL         string
	Queues      []string // defaults to every inbound queue
	AckMode     AckMode
	MaxAttempts int // handler attempts per delivery in AckAfterSuccess mode
	Prefetch    int
	Retry       retry.Config // backoff between handler attempts
	Reconnect   retry.Config // backoff between broker reconnects
}

// DefaultConsumerConfig returns the production defaults
func DefaultConsumerConfig(url string) ConsumerConfig {
	return ConsumerConfig{
		URL:         url,
		AckMode:     AckAfterSuccess,
		MaxAttempts: 3,
		Prefetch:    10,
		Retry: retry.Config{
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		Reconnect: retry.Config{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
	}
}

// Consumer reads pipeline messages and dispatches them to a Handler
type Consumer struct {
	cfg     ConsumerConfig
	dial    Dialer
	handler Handler
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *logging.Logger, m *metrics.Metrics, tp *tracing.Provider) *Consumer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if len(cfg.Queues) == 0 {
		for q := range InboundQueues {
			cfg.Queues = append(cfg.Queues, q)
		}
		sort.Strings(cfg.Queues)
	}
	if cfg.AckMode == "" {
		cfg.AckMode = AckAfterSuccess
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		cfg:     cfg,
		dial:    DialAMQP,
		handler: handler,
		logger:  logger.WithField("component", "consumer"),
		metrics: m,
		tracer:  tp,
	}
}

// SetDialer replaces the broker dialer
func (c *Consumer) SetDialer(d Dialer) {
	c.dial = d
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever
// the broker connection is lost
func (c *Consumer) Run(ctx context.Context) error {
	b := retry.NewBackOff(c.cfg.Reconnect)
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A session that stayed up for a while resets the backoff
		if time.Since(started) > c.cfg.Reconnect.MaxBackoff {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("Broker session ended, reconnecting", map[string]interface{}{
			"error": fmt.Sprint(err),
			"wait":  wait.String(),
		})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails or ctx is cancelled
func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	deliveries := make(map[string]<-chan amqp.Delivery, len(c.cfg.Queues))
	for _, q := range c.cfg.Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
		d, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume %s: %w", q, err)
		}
		deliveries[q] = d
	}

	c.logger.Info("Consuming pipeline queues", map[string]interface{}{
		"queues":   c.cfg.Queues,
		"ack_mode": string(c.cfg.AckMode),
	})

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	g, gctx := errgroup.WithContext(ctx)
	for q, d := range deliveries {
		q, d := q, d
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case delivery, ok := <-d:
					if !ok {
						return fmt.Errorf("delivery channel for %s closed", q)
					}
					c.HandleDelivery(gctx, q, delivery)
				}
			}
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("broker connection closed")
			}
			return amqpErr
		}
	})
	return g.Wait()
}

// HandleDelivery decodes, dispatches and settles one delivery
func (c *Consumer) HandleDelivery(ctx context.Context, queue string, d amqp.Delivery) {
	msg, err := Decode(d.Body, InboundQueues[queue])
	if err != nil {
		c.logger.Error("Dropping malformed message", map[string]interface{}{
			"queue": queue,
			"error": err.Error(),
		})
		c.metrics.MessageHandled("unknown", metrics.MessageMalformed, 0)
		c.settle(d.Nack(false, false), d)
		return
	}

	if d.Headers != nil {
		ctx = tracing.Propagator.Extract(ctx, headerCarrier(d.Headers))
	}
	ctx, span := c.tracer.StartSpan(ctx, "queue.handle "+string(msg.Kind()),
		attribute.String("messaging.destination", queue),
		attribute.String("song_id", msg.SongID()),
	)
	defer span.End()

	fields := map[string]interface{}{
		"queue":   queue,
		"type":    string(msg.Kind()),
		"song_id": msg.SongID(),
	}

	if c.cfg.AckMode == AckBeforeProcess {
		c.settle(d.Ack(false), d)
		if err := Dispatch(ctx, c.handler, msg); err != nil {
			tracing.SetError(ctx, err)
			fields["error"] = err.Error()
			c.logger.Error("Handler failed after ack, message lost", fields)
			c.metrics.MessageHandled(string(msg.Kind()), metrics.MessageFailed, 1)
			return
		}
		c.metrics.MessageHandled(string(msg.Kind()), metrics.MessageOK, 1)
		return
	}

	attempts := 0
	cfg := c.cfg.Retry
	cfg.MaxRetries = c.cfg.MaxAttempts - 1
	err = retry.Do(ctx, cfg, func() error {
		attempts++
		return Dispatch(ctx, c.handler, msg)
	})
	switch {
	case err == nil:
		c.settle(d.Ack(false), d)
		c.metrics.MessageHandled(string(msg.Kind()), metrics.MessageOK, attempts)
	case ctx.Err() != nil:
		// Shutting down; hand the message back to the broker
		c.settle(d.Nack(false, true), d)
	default:
		tracing.SetError(ctx, err)
		fields["error"] = err.Error()
		fields["attempts"] = attempts
		c.logger.Error("Handler failed, dropping message", fields)
		c.metrics.MessageHandled(string(msg.Kind()), metrics.MessageFailed, attempts)
		c.settle(d.Nack(false, false), d)
	}
}

func (c *Consumer) settle(err error, d amqp.Delivery) {
	if err != nil {
		c.logger.Warn("Failed to settle delivery", map[string]interface{}{
			"delivery_tag": d.DeliveryTag,
			"error":        err.Error(),
		})
	}
}
