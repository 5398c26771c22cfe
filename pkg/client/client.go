// Package client implements a synchronous RPC proxy over AMQP. Each
// call publishes one persistent request and blocks until the matching
// response arrives on a private reply queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/protocol"
	"github.com/gnosek/mtrpc/pkg/server"
)

// ErrClosed is returned by calls on a closed proxy.
var ErrClosed = errors.New("client proxy is already closed")

// Config carries the proxy settings.
type Config struct {
	// URL is the broker address.
	URL string

	// RequestExchange is the exchange requests are published to.
	RequestExchange string

	// RoutingKeyPattern renders the routing key of each call. It may
	// reference {full_name}, {local_name} and {parentmod_name}.
	RoutingKeyPattern string

	// ResponseExchange is where responses come back; empty picks the
	// server default.
	ResponseExchange string
}

// Option customizes a proxy.
type Option func(*Proxy)

// WithDialer substitutes the broker dialer, for tests.
func WithDialer(dial server.Dialer) Option {
	return func(p *Proxy) { p.dial = dial }
}

// Proxy is a synchronous RPC client. Calls are serialized: one request
// is in flight at a time. A Proxy is safe for concurrent use.
type Proxy struct {
	cfg  Config
	dial server.Dialer

	mu     sync.Mutex
	conn   server.Connection
	ch     server.Channel
	closed bool
}

// Dial connects to the broker and returns a ready proxy.
func Dial(cfg Config, opts ...Option) (*Proxy, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL must not be empty")
	}
	if cfg.RequestExchange == "" {
		return nil, errors.New("client: RequestExchange must not be empty")
	}
	if cfg.RoutingKeyPattern == "" {
		cfg.RoutingKeyPattern = "{full_name}"
	}
	if cfg.ResponseExchange == "" {
		cfg.ResponseExchange = server.DefaultResponseExchange
	}

	p := &Proxy{cfg: cfg, dial: server.DialAMQP}
	for _, opt := range opts {
		opt(p)
	}

	conn, err := p.dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.ResponseExchange, "direct", true, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declaring response exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return p, nil
}

// Close releases the broker connection. Safe to call more than once.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// Call invokes the named method and blocks until its response arrives
// or the context ends. A wire error comes back as a *protocol.WireError.
func (p *Proxy) Call(ctx context.Context, fullName string, params []any, kwparams map[string]any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	// One exclusive auto-delete queue per call, bound to the response
	// exchange by its own name. The request id doubles as the reply-to
	// key so the server can route even unparseable-request errors back.
	replyQueue := "mtrpc_client." + uuid.NewString()
	if _, err := p.ch.QueueDeclare(replyQueue, true, true, true); err != nil {
		return nil, fmt.Errorf("declaring reply queue: %w", err)
	}
	if err := p.ch.QueueBind(replyQueue, replyQueue, p.cfg.ResponseExchange); err != nil {
		return nil, fmt.Errorf("binding reply queue: %w", err)
	}
	deliveries, err := p.ch.Consume(replyQueue, replyQueue)
	if err != nil {
		return nil, fmt.Errorf("consuming reply queue: %w", err)
	}
	// The consumer dies with the call, otherwise every call would leave
	// one behind on the shared channel.
	defer func() { _ = p.ch.Cancel(replyQueue) }()

	body, err := protocol.EncodeRequest(&protocol.Request{
		ID:       replyQueue,
		Method:   fullName,
		Params:   params,
		Kwparams: kwparams,
	})
	if err != nil {
		return nil, err
	}

	routingKey := p.routingKey(fullName)
	logger.Debug("remote call",
		logger.Method(fullName),
		logger.Exchange(p.cfg.RequestExchange),
		logger.RoutingKey(routingKey))

	err = p.ch.Publish(p.cfg.RequestExchange, routingKey, server.Publishing{
		ContentType:  "application/json",
		DeliveryMode: server.Persistent,
		ReplyTo:      replyQueue,
		Body:         body,
	})
	if err != nil {
		return nil, fmt.Errorf("publishing request: %w", err)
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, errors.New("reply channel closed before a response arrived")
		}
		_ = d.Ack(false)
		return p.decode(replyQueue, d.Body)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Proxy) decode(replyQueue string, body []byte) (any, error) {
	resp, err := protocol.DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	if id, ok := resp.ID.(string); !ok || id != replyQueue {
		return nil, fmt.Errorf("response id %v differs from request id %q", resp.ID, replyQueue)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// routingKey renders the configured pattern for one method name.
func (p *Proxy) routingKey(fullName string) string {
	local := fullName
	parent := ""
	if i := strings.LastIndex(fullName, "."); i >= 0 {
		local = fullName[i+1:]
		parent = fullName[:i]
	}
	r := strings.NewReplacer(
		"{full_name}", fullName,
		"{local_name}", local,
		"{parentmod_name}", parent,
	)
	return r.Replace(p.cfg.RoutingKeyPattern)
}
