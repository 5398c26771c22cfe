package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one RPC task.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	TaskID    int64     // server-assigned task id
	Method    string    // full dotted method name, once known
	Queue     string    // AMQP queue the request arrived on
	ReplyTo   string    // response routing key
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a freshly recorded task.
func NewLogContext(taskID int64, queue, replyTo string) *LogContext {
	return &LogContext{
		TaskID:    taskID,
		Queue:     queue,
		ReplyTo:   replyTo,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	out := *lc
	return &out
}

// WithMethod returns a copy with the method name set
func (lc *LogContext) WithMethod(method string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Method = method
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
