package queue

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcknowledger records how deliveries were settled
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) counts() (acked, nacked int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked), len(f.nacked)
}

type declared struct {
	name    string
	durable bool
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []declared
	published  []amqp.Publishing
	keys       []string
	deliveries map[string]chan amqp.Delivery
	closed     bool
	publishErr error
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, declared{name: name, durable: durable})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery)
		c.deliveries[queue] = ch
	}
	return ch, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnection struct {
	ch       *fakeChannel
	mu       sync.Mutex
	notify   []chan *amqp.Error
	isClosed bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{ch: &fakeChannel{deliveries: make(map[string]chan amqp.Delivery)}}
}

func (c *fakeConnection) Channel() (Channel, error) { return c.ch, nil }

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// drop simulates the broker closing the connection
func (c *fakeConnection) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.notify {
		n <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	}
	c.notify = nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isClosed = true
	return nil
}

func (c *fakeConnection) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

// recordingHandler counts dispatches and can fail a fixed number of times
type recordingHandler struct {
	mu       sync.Mutex
	calls    []Message
	failures int
}

var errHandler = errors.New("handler failed")

func (h *recordingHandler) record(m Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, m)
	if h.failures > 0 {
		h.failures--
		return errHandler
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) HandleCompleted(_ context.Context, m *Completed) error {
	return h.record(m)
}
func (h *recordingHandler) HandleLog(_ context.Context, m *Log) error { return h.record(m) }
func (h *recordingHandler) HandleSegments(_ context.Context, m *Segments) error {
	return h.record(m)
}
func (h *recordingHandler) HandleStageUpdate(_ context.Context, m *StageUpdate) error {
	return h.record(m)
}
func (h *recordingHandler) HandleFailure(_ context.Context, m *Failure) error {
	return h.record(m)
}
