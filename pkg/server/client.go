package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/metrics"
)

// ErrAMQP marks failures of the broker connection itself, as opposed to
// failures of individual operations.
var ErrAMQP = errors.New("AMQP failure")

// errStopRequested aborts a retried action immediately; it travels out of
// the action closure when a forced stop arrives mid-retry.
var errStopRequested = errors.New("stop requested")

// RetryPolicy controls reconnection behavior. Zero attempt counts mean
// unbounded retrying; a zero interval means no pause between attempts.
type RetryPolicy struct {
	ConnectAttempts   int
	ActionAttempts    int
	ReconnectInterval time.Duration
}

// DefaultRetryPolicy mirrors the conservative production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ConnectAttempts:   3,
		ActionAttempts:    2,
		ReconnectInterval: time.Second,
	}
}

// amqpClient is the shared connection-handling base of the manager and
// the responder.
type amqpClient struct {
	actor     string
	url       string
	dial      Dialer
	policy    RetryPolicy
	metrics   *metrics.RPCMetrics
	conn      Connection
	ch        Channel
	connected bool
}

// connect dials the broker and opens a channel, retrying per the policy.
func (c *amqpClient) connect() error {
	attempt := 0
	for {
		attempt++
		logger.Info("connecting to AMQP broker", logger.Actor(c.actor), logger.Attempt(attempt))
		conn, err := c.dial(c.url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				c.conn = conn
				c.ch = ch
				c.connected = true
				return nil
			}
			err = chErr
			_ = conn.Close()
		}
		logger.Warn("AMQP connection failed", logger.Actor(c.actor), logger.Err(err))
		if c.policy.ConnectAttempts != 0 && attempt >= c.policy.ConnectAttempts {
			return fmt.Errorf("%w: giving up after %d unsuccessful connect attempts", ErrAMQP, attempt)
		}
		c.metrics.Reconnect(c.actor)
		c.sleep()
	}
}

func (c *amqpClient) closeAMQP() {
	if !c.connected {
		return
	}
	logger.Info("closing AMQP channel and connection", logger.Actor(c.actor))
	if err := c.ch.Close(); err != nil {
		logger.Warn("error closing AMQP channel", logger.Actor(c.actor), logger.Err(err))
	}
	if err := c.conn.Close(); err != nil {
		logger.Warn("error closing AMQP connection", logger.Actor(c.actor), logger.Err(err))
	}
	c.connected = false
}

// withRetry runs action, reinitializing the connection and retrying per
// the policy on failure. An errStopRequested from the action aborts
// immediately without reconnecting.
func (c *amqpClient) withRetry(name string, action func() error) error {
	attempt := 0
	for {
		err := action()
		if err == nil {
			return nil
		}
		if errors.Is(err, errStopRequested) {
			return err
		}
		attempt++
		logger.Warn("error during AMQP action",
			logger.Actor(c.actor), "action", name, logger.Attempt(attempt), logger.Err(err))
		if c.policy.ActionAttempts != 0 && attempt >= c.policy.ActionAttempts {
			logger.Error("AMQP action failed, giving up",
				logger.Actor(c.actor), "action", name, "attempts", attempt, logger.Err(err))
			return err
		}
		c.closeAMQP()
		c.metrics.Reconnect(c.actor)
		c.sleep()
		if connErr := c.connect(); connErr != nil {
			logger.Error("AMQP reinitialization failed",
				logger.Actor(c.actor), "action", name, logger.Err(connErr))
			return connErr
		}
	}
}

func (c *amqpClient) sleep() {
	if c.policy.ReconnectInterval > 0 {
		time.Sleep(c.policy.ReconnectInterval)
	}
}
