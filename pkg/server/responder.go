package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/internal/telemetry"
	"github.com/gnosek/mtrpc/pkg/metrics"
)

// Responder publishes task results to the response exchange. It keeps
// running until a stop sentinel arrives through the result FIFO, then
// drains the remaining in-flight tasks unless the stop is forced.
type Responder struct {
	amqpClient
	exchange string
	sh       *shared

	stopping atomic.Pointer[Stopping]
	done     chan struct{}
}

func newResponder(url string, dial Dialer, policy RetryPolicy, exchange string, sh *shared, m *metrics.RPCMetrics) *Responder {
	if exchange == "" {
		exchange = DefaultResponseExchange
	}
	return &Responder{
		amqpClient: amqpClient{actor: "responder", url: url, dial: dial, policy: policy, metrics: m},
		exchange:   exchange,
		sh:         sh,
		done:       make(chan struct{}),
	}
}

// Stopping returns the stop descriptor once the responder has accepted
// one, nil before that.
func (r *Responder) Stopping() *Stopping {
	return r.stopping.Load()
}

// forceStop makes a forced stop visible immediately, so a publish retry
// in progress aborts instead of waiting for the FIFO sentinel.
func (r *Responder) forceStop(st *Stopping) {
	r.stopping.Store(st)
}

// run is the responder goroutine body.
func (r *Responder) run() {
	defer close(r.done)
	logger.Info("responder started", logger.Actor(r.actor))

	if err := r.start(); err != nil {
		logger.Error("responder AMQP initialization failed", logger.Actor(r.actor), logger.Err(err))
		r.stopping.Store(&Stopping{Reason: fmt.Sprintf("error: %v", err), Severity: "error"})
	} else {
		r.mainLoop()
	}

	st := r.stopping.Load()
	logger.Log(st.Severity, "responder is being stopped", logger.Actor(r.actor), "reason", st.Reason)
	r.finalAction(st)
}

func (r *Responder) start() error {
	if err := r.connect(); err != nil {
		return err
	}
	logger.Info("declaring responder exchange", logger.Actor(r.actor), logger.Exchange(r.exchange))
	if err := r.ch.ExchangeDeclare(r.exchange, "direct", true, false); err != nil {
		return fmt.Errorf("%w: declaring response exchange: %v", ErrAMQP, err)
	}
	return nil
}

// mainLoop publishes results until stopped. With a non-forced stop it
// keeps going while tasks remain in flight, so accepted requests still
// get their responses.
func (r *Responder) mainLoop() {
	for {
		if st := r.stopping.Load(); st != nil && (st.Force || r.sh.taskCount() == 0) {
			return
		}
		item := <-r.sh.fifo
		if item.stop != nil {
			r.stopping.Store(item.stop)
			continue
		}
		if err := r.publish(item.result); err != nil {
			// An abort caused by a forced stop keeps the stop's own
			// descriptor; only a genuine publish failure stops with an error.
			if !errors.Is(err, errStopRequested) {
				r.stopping.Store(&Stopping{
					Reason:   fmt.Sprintf("error: publishing response failed: %v", err),
					Severity: "error",
				})
			}
			return
		}
		r.sh.completeTask(item.result.TaskID)
		r.metrics.TaskFinished()
		r.metrics.ResponsePublished()
	}
}

func (r *Responder) publish(result *Result) error {
	ctx, span := telemetry.StartPublishSpan(context.Background(), r.exchange, result.ReplyTo,
		telemetry.TaskID(result.TaskID))
	defer span.End()

	msg := Publishing{
		ContentType:  "application/json",
		DeliveryMode: Persistent,
		Body:         result.Body,
	}
	err := r.withRetry("publish response", func() error {
		if st := r.stopping.Load(); st != nil && st.Force {
			return fmt.Errorf("%w: forced stop during publish", errStopRequested)
		}
		return r.ch.Publish(r.exchange, result.ReplyTo, msg)
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}

// finalAction wakes the manager when the stop did not originate there,
// then reports any tasks left unanswered. A mismatch between unanswered
// tasks and live workers means some worker died without producing a
// result.
func (r *Responder) finalAction(st *Stopping) {
	r.sh.stopAccepting()
	if !st.fromManager {
		r.sh.wakeManager()
	}
	r.closeAMQP()

	notCompleted, workers := r.sh.snapshot()
	if len(notCompleted) == 0 {
		return
	}
	for range notCompleted {
		r.metrics.ResponseDropped()
	}
	if workers > 0 {
		logger.Warn("tasks not completed, responses of still-working workers will be dropped",
			"not_completed", len(notCompleted), "workers", workers)
		if len(notCompleted) != workers {
			logger.Warn("unanswered task count differs from live worker count, some workers probably crashed without sending a response",
				"not_completed", len(notCompleted), "workers", workers)
		}
	} else {
		logger.Warn("tasks not completed and no workers left, some workers probably crashed without sending a response",
			"not_completed", len(notCompleted))
	}
}
