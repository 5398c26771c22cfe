package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for RPC processing. RPC keys follow the
// OpenTelemetry semantic conventions; AMQP and access keys use their
// own prefixes.
const (
	// RPC attributes
	AttrRPCSystem    = "rpc.system"
	AttrRPCMethod    = "rpc.method"
	AttrRPCRequestID = "rpc.request_id"
	AttrRPCErrorName = "rpc.error_name"

	// AMQP transport attributes
	AttrAMQPExchange   = "amqp.exchange"
	AttrAMQPRoutingKey = "amqp.routing_key"
	AttrAMQPQueue      = "amqp.queue"
	AttrAMQPReplyTo    = "amqp.reply_to"
	AttrAMQPRedelivery = "amqp.redelivered"

	// Access control attributes
	AttrAccessKey     = "access.key"
	AttrAccessKeyhole = "access.keyhole"
	AttrAccessGranted = "access.granted"

	// Task lifecycle attributes
	AttrTaskID = "task.id"
)

// Span names.
// Format: <component>.<operation>.
const (
	// Root span for one RPC task from delivery to published response
	SpanRPCTask = "rpc.task"

	SpanRPCDecode    = "rpc.decode"
	SpanRPCLookup    = "rpc.lookup"
	SpanRPCAuthorize = "rpc.authorize"
	SpanRPCInvoke    = "rpc.invoke"
	SpanRPCRespond   = "rpc.respond"

	SpanAMQPConsume = "amqp.consume"
	SpanAMQPPublish = "amqp.publish"

	SpanHTTPHelp = "http.help"
	SpanHTTPCall = "http.call"
)

// RPCMethod returns an attribute for the full dotted method name
func RPCMethod(name string) attribute.KeyValue {
	return attribute.String(AttrRPCMethod, name)
}

// RPCRequestID returns an attribute for the request id
func RPCRequestID(id string) attribute.KeyValue {
	return attribute.String(AttrRPCRequestID, id)
}

// RPCErrorName returns an attribute for the wire error name
func RPCErrorName(name string) attribute.KeyValue {
	return attribute.String(AttrRPCErrorName, name)
}

// Exchange returns an attribute for the AMQP exchange
func Exchange(name string) attribute.KeyValue {
	return attribute.String(AttrAMQPExchange, name)
}

// RoutingKey returns an attribute for the AMQP routing key
func RoutingKey(key string) attribute.KeyValue {
	return attribute.String(AttrAMQPRoutingKey, key)
}

// Queue returns an attribute for the AMQP queue name
func Queue(name string) attribute.KeyValue {
	return attribute.String(AttrAMQPQueue, name)
}

// ReplyTo returns an attribute for the reply-to routing key
func ReplyTo(key string) attribute.KeyValue {
	return attribute.String(AttrAMQPReplyTo, key)
}

// Redelivered returns an attribute for the redelivery flag
func Redelivered(redelivered bool) attribute.KeyValue {
	return attribute.Bool(AttrAMQPRedelivery, redelivered)
}

// AccessKey returns an attribute for the rendered access key
func AccessKey(key string) attribute.KeyValue {
	return attribute.String(AttrAccessKey, key)
}

// AccessGranted returns an attribute for the access check outcome
func AccessGranted(granted bool) attribute.KeyValue {
	return attribute.Bool(AttrAccessGranted, granted)
}

// TaskID returns an attribute for the task id
func TaskID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrTaskID, id)
}

// StartTaskSpan starts the root span for one RPC task. The span carries
// the transport coordinates of the delivery it was born from.
func StartTaskSpan(ctx context.Context, taskID int64, queue, routingKey string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		attribute.String(AttrRPCSystem, "mtrpc"),
		TaskID(taskID),
		Queue(queue),
		RoutingKey(routingKey),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanRPCTask, trace.WithAttributes(allAttrs...))
}

// StartInvokeSpan starts a span for the execution of one procedure.
func StartInvokeSpan(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		RPCMethod(method),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanRPCInvoke, trace.WithAttributes(allAttrs...))
}

// StartPublishSpan starts a span for publishing one response.
func StartPublishSpan(ctx context.Context, exchange, replyTo string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Exchange(exchange),
		ReplyTo(replyTo),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanAMQPPublish, trace.WithAttributes(allAttrs...))
}
