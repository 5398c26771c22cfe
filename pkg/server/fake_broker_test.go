package server

import (
	"errors"
	"sync"
	"sync/atomic"
)

// fakeBroker is an in-memory stand-in for the AMQP broker. It records
// declarations and publications and lets tests inject deliveries and
// failures.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string // name -> kind
	queues    map[string]bool
	bindings  map[string]string // queue -> exchange|key
	consumers map[string]chan Delivery

	published   []fakePublished
	publishedCh chan fakePublished

	dialCount       atomic.Int32
	failDials       atomic.Int32 // fail this many dials before succeeding
	failPublishes   atomic.Int32 // fail this many publishes before succeeding
	deliveryTagNext atomic.Uint64
}

type fakePublished struct {
	exchange   string
	routingKey string
	msg        Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:   map[string]string{},
		queues:      map[string]bool{},
		bindings:    map[string]string{},
		consumers:   map[string]chan Delivery{},
		publishedCh: make(chan fakePublished, 64),
	}
}

func (b *fakeBroker) dialer() Dialer {
	return func(string) (Connection, error) {
		b.dialCount.Add(1)
		if b.failDials.Load() > 0 {
			b.failDials.Add(-1)
			return nil, errors.New("connection refused")
		}
		return &fakeConnection{broker: b}, nil
	}
}

func (b *fakeBroker) consumerChan(queue string) chan Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.consumers[queue]
	if !ok {
		ch = make(chan Delivery, 16)
		b.consumers[queue] = ch
	}
	return ch
}

// deliver injects one request delivery into the named queue's consumer.
func (b *fakeBroker) deliver(queue, exchange, routingKey, replyTo string, body []byte, ack *fakeAcknowledger) {
	b.consumerChan(queue) <- Delivery{
		Acknowledger: ack,
		DeliveryTag:  b.deliveryTagNext.Add(1),
		Exchange:     exchange,
		RoutingKey:   routingKey,
		ConsumerTag:  queue,
		ReplyTo:      replyTo,
		Body:         body,
	}
}

func (b *fakeBroker) exchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

func (b *fakeBroker) hasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

type fakeConnection struct {
	broker *fakeBroker
	closed atomic.Bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	return &fakeChannel{broker: c.broker}, nil
}

func (c *fakeConnection) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeChannel struct {
	broker *fakeBroker
	closed atomic.Bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive bool) (string, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.queues[name] = true
	return name, nil
}

func (c *fakeChannel) QueueBind(queue, routingKey, exchange string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.bindings[queue] = exchange + "|" + routingKey
	return nil
}

func (c *fakeChannel) Qos(prefetchCount int) error { return nil }

func (c *fakeChannel) Consume(queue, consumerTag string) (<-chan Delivery, error) {
	return c.broker.consumerChan(queue), nil
}

func (c *fakeChannel) Cancel(consumerTag string) error { return nil }

func (c *fakeChannel) Publish(exchange, routingKey string, msg Publishing) error {
	if c.broker.failPublishes.Load() > 0 {
		c.broker.failPublishes.Add(-1)
		return errors.New("channel gone")
	}
	p := fakePublished{exchange: exchange, routingKey: routingKey, msg: msg}
	c.broker.mu.Lock()
	c.broker.published = append(c.broker.published, p)
	c.broker.mu.Unlock()
	c.broker.publishedCh <- p
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeAcknowledger counts acks so tests can assert the record-then-ack
// ordering contract.
type fakeAcknowledger struct {
	acked atomic.Int32
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked.Add(1)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }
