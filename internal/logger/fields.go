package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements for log aggregation and querying.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// RPC request/task
	KeyTaskID    = "task_id"    // server-assigned monotonic task id
	KeyMethod    = "method"     // full dotted RPC method name
	KeyRequestID = "request_id" // client-supplied request id
	KeyReplyTo   = "reply_to"   // response routing key
	KeyArgs      = "args"       // truncated argument representation
	KeyResult    = "result"     // truncated result representation

	// AMQP plumbing
	KeyExchange    = "exchange"
	KeyQueue       = "queue"
	KeyRoutingKey  = "routing_key"
	KeyConsumerTag = "consumer_tag"
	KeyBroker      = "broker"

	// Actor lifecycle
	KeyActor    = "actor"  // manager, responder, worker
	KeyReason   = "reason" // stop reason
	KeyForce    = "force"
	KeyAttempt  = "attempt"
	KeyInFlight = "in_flight"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// TaskID returns a slog.Attr for the server-assigned task id
func TaskID(id int64) slog.Attr {
	return slog.Int64(KeyTaskID, id)
}

// Method returns a slog.Attr for the full dotted method name
func Method(name string) slog.Attr {
	return slog.String(KeyMethod, name)
}

// ReplyTo returns a slog.Attr for the response routing key
func ReplyTo(rk string) slog.Attr {
	return slog.String(KeyReplyTo, rk)
}

// Exchange returns a slog.Attr for an AMQP exchange name
func Exchange(name string) slog.Attr {
	return slog.String(KeyExchange, name)
}

// Queue returns a slog.Attr for an AMQP queue name
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// RoutingKey returns a slog.Attr for an AMQP routing key
func RoutingKey(rk string) slog.Attr {
	return slog.String(KeyRoutingKey, rk)
}

// Actor returns a slog.Attr naming the service actor (manager, responder, worker)
func Actor(name string) slog.Attr {
	return slog.String(KeyActor, name)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
