package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosek/mtrpc/pkg/protocol"
	"github.com/gnosek/mtrpc/pkg/server"
)

// fakeResponder stands in for the broker plus a serving peer: every
// request published to the request exchange is answered by the handler,
// routed back through the reply queue binding.
type fakeResponder struct {
	mu        sync.Mutex
	exchanges map[string]string
	consumers map[string]chan server.Delivery
	requests  []publishedRequest
	cancelled []string

	// handle builds the raw response body for one request body.
	handle func(body []byte) []byte
}

type publishedRequest struct {
	exchange   string
	routingKey string
	msg        server.Publishing
}

func newFakeResponder(handle func(body []byte) []byte) *fakeResponder {
	return &fakeResponder{
		exchanges: map[string]string{},
		consumers: map[string]chan server.Delivery{},
		handle:    handle,
	}
}

func (f *fakeResponder) dialer() server.Dialer {
	return func(string) (server.Connection, error) {
		return &fakeConn{f: f}, nil
	}
}

func (f *fakeResponder) lastRequest(t *testing.T) publishedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type fakeConn struct{ f *fakeResponder }

func (c *fakeConn) Channel() (server.Channel, error) { return &fakeChan{f: c.f}, nil }
func (c *fakeConn) Close() error                     { return nil }

type fakeChan struct{ f *fakeResponder }

func (c *fakeChan) ExchangeDeclare(name, kind string, durable, autoDelete bool) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.exchanges[name] = kind
	return nil
}

func (c *fakeChan) QueueDeclare(name string, durable, autoDelete, exclusive bool) (string, error) {
	return name, nil
}

func (c *fakeChan) QueueBind(queue, routingKey, exchange string) error { return nil }

func (c *fakeChan) Qos(prefetchCount int) error { return nil }

func (c *fakeChan) Consume(queue, consumerTag string) (<-chan server.Delivery, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	ch, ok := c.f.consumers[queue]
	if !ok {
		ch = make(chan server.Delivery, 1)
		c.f.consumers[queue] = ch
	}
	return ch, nil
}

func (c *fakeChan) Cancel(consumerTag string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.cancelled = append(c.f.cancelled, consumerTag)
	delete(c.f.consumers, consumerTag)
	return nil
}

func (c *fakeChan) Publish(exchange, routingKey string, msg server.Publishing) error {
	c.f.mu.Lock()
	c.f.requests = append(c.f.requests, publishedRequest{exchange, routingKey, msg})
	replies := c.f.consumers[msg.ReplyTo]
	c.f.mu.Unlock()

	if c.f.handle == nil || replies == nil {
		return nil
	}
	replies <- server.Delivery{
		Acknowledger: noopAck{},
		RoutingKey:   msg.ReplyTo,
		Body:         c.f.handle(msg.Body),
	}
	return nil
}

func (c *fakeChan) Close() error { return nil }

type noopAck struct{}

func (noopAck) Ack(uint64, bool) error          { return nil }
func (noopAck) Nack(uint64, bool, bool) error   { return nil }
func (noopAck) Reject(uint64, bool) error       { return nil }

// echoID answers every request with the given result under the
// request's own id.
func echoID(result any) func([]byte) []byte {
	return func(body []byte) []byte {
		req, err := protocol.DecodeRequest(body)
		if err != nil {
			panic(err)
		}
		out, err := protocol.EncodeResponse(&protocol.Response{ID: req.ID, Result: result})
		if err != nil {
			panic(err)
		}
		return out
	}
}

func dialTestProxy(t *testing.T, f *fakeResponder, rkPattern string) *Proxy {
	t.Helper()
	p, err := Dial(Config{
		URL:               "amqp://fake",
		RequestExchange:   "request",
		RoutingKeyPattern: rkPattern,
	}, WithDialer(f.dialer()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestCallRoundTrip(t *testing.T) {
	f := newFakeResponder(echoID(42.0))
	p := dialTestProxy(t, f, "")

	result, err := p.Call(context.Background(), "math.add", []any{40, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result)

	req := f.lastRequest(t)
	assert.Equal(t, "request", req.exchange)
	assert.Equal(t, "math.add", req.routingKey)
	assert.Equal(t, uint8(server.Persistent), req.msg.DeliveryMode)
	assert.NotEmpty(t, req.msg.ReplyTo)

	// the request id equals the reply queue name
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(req.msg.Body, &envelope))
	assert.Equal(t, req.msg.ReplyTo, envelope["id"])
	assert.Equal(t, "math.add", envelope["method"])
}

func TestCallRendersRoutingKeyPattern(t *testing.T) {
	f := newFakeResponder(echoID("ok"))
	p := dialTestProxy(t, f, "rpc.{parentmod_name}.{local_name}")

	_, err := p.Call(context.Background(), "math.stats.mean", []any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "rpc.math.stats.mean", f.lastRequest(t).routingKey)
}

func TestCallWireError(t *testing.T) {
	f := newFakeResponder(func(body []byte) []byte {
		req, _ := protocol.DecodeRequest(body)
		out, _ := protocol.EncodeResponse(&protocol.Response{
			ID:  req.ID,
			Err: protocol.NewNotFound("math.nope"),
		})
		return out
	})
	p := dialTestProxy(t, f, "")

	_, err := p.Call(context.Background(), "math.nope", nil, nil)
	require.Error(t, err)
	var we *protocol.WireError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "NotFound", we.Name)
	assert.Contains(t, we.Message, "math.nope")
}

func TestCallMismatchedID(t *testing.T) {
	f := newFakeResponder(func(body []byte) []byte {
		out, _ := protocol.EncodeResponse(&protocol.Response{ID: "someone-else", Result: 1})
		return out
	})
	p := dialTestProxy(t, f, "")

	_, err := p.Call(context.Background(), "math.add", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differs from request id")
}

func TestCallCancelsReplyConsumer(t *testing.T) {
	f := newFakeResponder(echoID(1.0))
	p := dialTestProxy(t, f, "")

	_, err := p.Call(context.Background(), "math.add", []any{1, 0}, nil)
	require.NoError(t, err)
	_, err = p.Call(context.Background(), "math.add", []any{1, 1}, nil)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.cancelled, 2)
	assert.Equal(t, f.requests[0].msg.ReplyTo, f.cancelled[0])
	assert.Equal(t, f.requests[1].msg.ReplyTo, f.cancelled[1])
	assert.Empty(t, f.consumers, "reply consumers must not accumulate across calls")
}

func TestCallContextTimeout(t *testing.T) {
	// no handler: the request is published but never answered
	f := newFakeResponder(nil)
	p := dialTestProxy(t, f, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, "math.add", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallAfterClose(t *testing.T) {
	f := newFakeResponder(echoID(1))
	p := dialTestProxy(t, f, "")
	require.NoError(t, p.Close())

	_, err := p.Call(context.Background(), "math.add", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent
	assert.NoError(t, p.Close())
}
