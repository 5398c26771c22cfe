package server

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// DefaultExchangeType is used for request exchanges not listed in the
// exchange-type map.
const DefaultExchangeType = "topic"

// DefaultResponseExchange is the direct exchange responses are published
// to unless configured otherwise.
const DefaultResponseExchange = "MTRPCResponses"

// Binding ties one request exchange and routing key to the access-key
// policy governing requests arriving through it.
type Binding struct {
	Exchange          string
	RoutingKey        string
	AccessKeyPatt     string
	AccessKeyholePatt string
}

// QueueName derives the request queue name for this binding. The name is
// stable across restarts so the durable queue is reused, and distinct per
// exchange/routing-key pair.
func (b Binding) QueueName(clientID string) string {
	sum := sha1.Sum([]byte(b.Exchange + "|" + b.RoutingKey))
	return strings.Join([]string{"mtrpc_queue", clientID, hex.EncodeToString(sum[:])[:6]}, ".")
}
