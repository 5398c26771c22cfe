// Package server implements the AMQP-facing RPC runtime: the manager
// consumes requests and spawns task workers, the responder publishes
// results, and the Server value ties both to a method tree and drives
// their lifecycle.
package server

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery and Publishing are the broker message types, aliased so fakes
// and callers share them without importing the AMQP client directly.
type (
	Delivery   = amqp.Delivery
	Publishing = amqp.Publishing
)

// Persistent marks a message to survive broker restarts.
const Persistent = amqp.Persistent

// Connection is the subset of an AMQP connection the runtime needs.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is the subset of an AMQP channel the runtime needs. Consumers
// are keyed by consumer tag, which the manager sets to the queue name.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive bool) (string, error)
	QueueBind(queue, routingKey, exchange string) error
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string) (<-chan Delivery, error)
	Cancel(consumerTag string) error
	Publish(exchange, routingKey string, msg Publishing) error
	Close() error
}

// Dialer opens a broker connection. Tests substitute an in-memory fake.
type Dialer func(url string) (Connection, error)

// DialAMQP is the production dialer.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing AMQP broker: %w", err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening AMQP channel: %w", err)
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	return c.ch.ExchangeDeclare(name, kind, durable, autoDelete, false, false, nil)
}

func (c *amqpChannel) QueueDeclare(name string, durable, autoDelete, exclusive bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) QueueBind(queue, routingKey, exchange string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *amqpChannel) Qos(prefetchCount int) error {
	return c.ch.Qos(prefetchCount, 0, false)
}

func (c *amqpChannel) Consume(queue, consumerTag string) (<-chan Delivery, error) {
	return c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
}

func (c *amqpChannel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *amqpChannel) Publish(exchange, routingKey string, msg Publishing) error {
	return c.ch.Publish(exchange, routingKey, false, false, msg)
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
