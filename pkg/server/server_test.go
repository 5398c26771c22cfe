package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/internal/telemetry"
	"github.com/gnosek/mtrpc/pkg/methodtree"
	"github.com/gnosek/mtrpc/pkg/sysunit"
)

// ZeroDivisionError is a domain error raised by math.div.
type ZeroDivisionError struct{}

func (ZeroDivisionError) Error() string { return "division by zero" }

// testTree builds the method tree tests run against. The returned channel
// parks math.slow handlers: sending releases one of them, and the cleanup
// close releases any still parked at test end.
func testTree(t *testing.T) (*methodtree.Tree, chan struct{}) {
	t.Helper()
	slowRelease := make(chan struct{})
	t.Cleanup(func() { close(slowRelease) })

	root := &methodtree.Unit{
		Units: map[string]*methodtree.Unit{
			"system": sysunit.NewUnit(),
			"math": {
				Exports: []string{"add", "div", "boom", "slow"},
				Procedures: map[string]*methodtree.ProcedureSpec{
					"add": {
						Params: []methodtree.Param{{Name: "a"}, {Name: "b"}},
						Handler: func(call *methodtree.Call) (any, error) {
							a, _ := call.Args["a"].(float64)
							b, _ := call.Args["b"].(float64)
							return a + b, nil
						},
					},
					"div": {
						Params: []methodtree.Param{{Name: "a"}, {Name: "b"}},
						Handler: func(call *methodtree.Call) (any, error) {
							a, _ := call.Args["a"].(float64)
							b, _ := call.Args["b"].(float64)
							if b == 0 {
								return nil, ZeroDivisionError{}
							}
							return a / b, nil
						},
					},
					"boom": {
						Handler: func(*methodtree.Call) (any, error) {
							panic("unexpected state")
						},
					},
					"slow": {
						Handler: func(*methodtree.Call) (any, error) {
							<-slowRelease
							return "done", nil
						},
					},
				},
			},
		},
	}
	tree, err := methodtree.Build(root, nil)
	require.NoError(t, err)
	return tree, slowRelease
}

type testServer struct {
	srv         *Server
	broker      *fakeBroker
	queue       string
	ack         *fakeAcknowledger
	slowRelease chan struct{}
}

func startTestServer(t *testing.T, keyhole string, cfgOpts ...func(*Config)) *testServer {
	t.Helper()
	broker := newFakeBroker()
	binding := Binding{
		Exchange:          "request",
		RoutingKey:        "rpc.#",
		AccessKeyPatt:     "{full_name}",
		AccessKeyholePatt: keyhole,
	}
	cfg := Config{
		URL:      "amqp://fake",
		ClientID: "test_client",
		Bindings: []Binding{binding},
		Retry:    RetryPolicy{ConnectAttempts: 3, ActionAttempts: 3, ReconnectInterval: time.Millisecond},
	}
	for _, opt := range cfgOpts {
		opt(&cfg)
	}
	tree, slowRelease := testTree(t)
	srv, err := New(cfg, tree, WithDialer(broker.dialer()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	t.Cleanup(func() {
		srv.Stop("test teardown", true, -1)
		<-done
	})

	ts := &testServer{
		srv:         srv,
		broker:      broker,
		queue:       binding.QueueName("test_client"),
		ack:         &fakeAcknowledger{},
		slowRelease: slowRelease,
	}
	ts.waitForConsumer(t)
	return ts
}

func (ts *testServer) waitForConsumer(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ts.broker.hasQueue(ts.queue) {
		if time.Now().After(deadline) {
			t.Fatal("queue was not declared in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func (ts *testServer) call(t *testing.T, id any, method string, params []any, kwparams map[string]any) map[string]any {
	t.Helper()
	ts.send(t, id, method, params, kwparams)
	return ts.awaitResponse(t)
}

func (ts *testServer) send(t *testing.T, id any, method string, params []any, kwparams map[string]any) {
	t.Helper()
	if params == nil {
		params = []any{}
	}
	req := map[string]any{"id": id, "method": method, "params": params}
	if kwparams != nil {
		req["kwparams"] = kwparams
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	ts.broker.deliver(ts.queue, "request", "rpc.test", fmt.Sprintf("%v", id), body, ts.ack)
}

func (ts *testServer) awaitResponse(t *testing.T) map[string]any {
	t.Helper()
	select {
	case p := <-ts.broker.publishedCh:
		assert.Equal(t, DefaultResponseExchange, p.exchange)
		assert.Equal(t, uint8(Persistent), p.msg.DeliveryMode)
		var envelope map[string]any
		require.NoError(t, json.Unmarshal(p.msg.Body, &envelope))
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("no response published in time")
		return nil
	}
}

func TestServerDeclaresTopology(t *testing.T) {
	ts := startTestServer(t, "")

	assert.Equal(t, "topic", ts.broker.exchangeKind("request"))
	assert.Equal(t, "direct", ts.broker.exchangeKind(DefaultResponseExchange))
	assert.True(t, ts.broker.hasQueue(ts.queue))
}

func TestServerAnswersSuccessfulCall(t *testing.T) {
	ts := startTestServer(t, "")

	resp := ts.call(t, "req-1", "math.add", []any{2, 3}, nil)
	assert.Equal(t, "req-1", resp["id"])
	assert.Equal(t, float64(5), resp["result"])
	assert.Nil(t, resp["error"])
	assert.Equal(t, int32(1), ts.ack.acked.Load())
}

func TestServerKwparams(t *testing.T) {
	ts := startTestServer(t, "")

	resp := ts.call(t, "req-2", "math.add", []any{2}, map[string]any{"b": 40})
	assert.Equal(t, float64(42), resp["result"])
	assert.Nil(t, resp["error"])
}

func TestServerDeniedMethodIsNotFound(t *testing.T) {
	ts := startTestServer(t, `^system\.`)

	resp := ts.call(t, "req-3", "math.add", []any{2, 3}, nil)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NotFound", errObj["name"])
	assert.Contains(t, errObj["message"], "math.add")
	assert.Nil(t, resp["result"])

	// while system.* stays callable
	resp = ts.call(t, "req-4", "system.list", []any{"system"}, nil)
	assert.Nil(t, resp["error"])
}

func TestServerBadArguments(t *testing.T) {
	ts := startTestServer(t, "")

	resp := ts.call(t, "req-5", "math.add", []any{2, 3, 4}, nil)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "BadArguments", errObj["name"])
	assert.Contains(t, errObj["message"], "math.add")
	assert.Contains(t, errObj["message"], "(a, b)")
}

func TestServerDomainErrorKeepsTypeName(t *testing.T) {
	ts := startTestServer(t, "")

	resp := ts.call(t, "req-6", "math.div", []any{1, 0}, nil)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ZeroDivisionError", errObj["name"])
	assert.Equal(t, "division by zero", errObj["message"])
}

func TestServerPanicIsOpaque(t *testing.T) {
	ts := startTestServer(t, "")

	resp := ts.call(t, "req-7", "math.boom", nil, nil)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "InternalServerError", errObj["name"])
	assert.Equal(t, "Internal server error", errObj["message"])
	assert.NotContains(t, errObj["message"], "unexpected state")
}

func TestServerUnparseableRequest(t *testing.T) {
	ts := startTestServer(t, "")

	ts.broker.deliver(ts.queue, "request", "rpc.test", "reply-8", []byte("{not json"), ts.ack)
	resp := ts.awaitResponse(t)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "DeserializationError", errObj["name"])
	// the id falls back to the reply-to key
	assert.Equal(t, "reply-8", resp["id"])
}

func TestServerNotificationRejected(t *testing.T) {
	ts := startTestServer(t, "")

	resp := ts.call(t, nil, "math.add", []any{1, 2}, nil)
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NotificationsNotImplemented", errObj["name"])
}

func TestServerPublishRetries(t *testing.T) {
	ts := startTestServer(t, "")
	ts.broker.failPublishes.Store(1)

	resp := ts.call(t, "req-9", "math.add", []any{2, 3}, nil)
	assert.Equal(t, float64(5), resp["result"])
	// the responder reconnected once after the failed publish
	assert.GreaterOrEqual(t, ts.broker.dialCount.Load(), int32(3))
}

func TestServerGracefulStopDrainsInFlight(t *testing.T) {
	ts := startTestServer(t, "")

	ts.send(t, "req-10", "math.add", []any{20, 22}, nil)
	resp := ts.awaitResponse(t)
	assert.Equal(t, float64(42), resp["result"])

	stopped := ts.srv.Stop("graceful test stop", false, 2*time.Second)
	assert.True(t, stopped)
	assert.Equal(t, 0, ts.srv.InFlight())
}

func TestServerForcedStopWithInFlightTask(t *testing.T) {
	ts := startTestServer(t, "")

	ts.send(t, "req-11", "math.slow", nil, nil)
	ts.awaitInFlight(t, 1)

	stopped := ts.srv.Stop("forced test stop", true, 2*time.Second)
	assert.True(t, stopped)
	// the slow task never got to answer
	assert.Equal(t, 1, ts.srv.InFlight())
}

func (ts *testServer) awaitInFlight(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.InFlight() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d tasks were recorded in time", ts.srv.InFlight(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// A non-forced stop with tasks still executing must hold the responder
// open until every accepted request has its response published.
func TestServerGracefulStopPublishesInFlightResponses(t *testing.T) {
	ts := startTestServer(t, "")

	const parked = 3
	for i := 0; i < parked; i++ {
		ts.send(t, fmt.Sprintf("slow-%d", i), "math.slow", nil, nil)
	}
	ts.awaitInFlight(t, parked)

	stopDone := make(chan bool, 1)
	go func() { stopDone <- ts.srv.Stop("graceful test stop", false, 5*time.Second) }()

	// wait until the stop request reached the responder, so the responses
	// below are published during the drain, not before it
	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.responder.Stopping() == nil {
		if time.Now().After(deadline) {
			t.Fatal("stop request never reached the responder")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < parked; i++ {
		ts.slowRelease <- struct{}{}
	}
	for i := 0; i < parked; i++ {
		resp := ts.awaitResponse(t)
		assert.Equal(t, "done", resp["result"])
	}

	assert.True(t, <-stopDone)
	assert.Equal(t, 0, ts.srv.InFlight())
}

func TestSharedRefusesTasksAfterStopAccepting(t *testing.T) {
	sh := newShared(0)

	require.True(t, sh.recordTask(&Task{ID: 1}))
	sh.stopAccepting()
	assert.False(t, sh.recordTask(&Task{ID: 2}))
	assert.Equal(t, 1, sh.taskCount())
}

// A delivery arriving while the responder is already stopping is left
// unacked, so the broker redelivers it elsewhere instead of the request
// silently losing its response.
func TestManagerRefusesDeliveryWhileResponderStopping(t *testing.T) {
	broker := newFakeBroker()
	binding := Binding{Exchange: "request", RoutingKey: "rpc.#", AccessKeyPatt: "{full_name}"}
	tree, _ := testTree(t)
	srv, err := New(Config{
		URL:      "amqp://fake",
		ClientID: "test_client",
		Bindings: []Binding{binding},
	}, tree, WithDialer(broker.dialer()))
	require.NoError(t, err)

	srv.responder.stopping.Store(&Stopping{Reason: "winding down", Severity: "info"})

	ack := &fakeAcknowledger{}
	srv.manager.handleDelivery(binding.QueueName("test_client"), Delivery{
		Acknowledger: ack,
		ReplyTo:      "req-12",
		Body:         []byte(`{"id":"req-12","method":"math.add","params":[1,2]}`),
	})

	assert.Equal(t, int32(0), ack.acked.Load())
	assert.Equal(t, 0, srv.InFlight())
}

// A forced stop issued while the responder is retrying a failing publish
// must abort the retry and keep the stop's own descriptor, not surface as
// a publish error.
func TestServerForcedStopAbortsPublishRetry(t *testing.T) {
	ts := startTestServer(t, "", func(c *Config) {
		c.Retry.ActionAttempts = 0 // retry without bound
	})
	baseDials := ts.broker.dialCount.Load()
	ts.broker.failPublishes.Store(1 << 30)

	ts.send(t, "req-13", "math.add", []any{1, 2}, nil)

	// each failed publish attempt reconnects, so a growing dial count
	// means the responder is inside the retry loop
	deadline := time.Now().Add(2 * time.Second)
	for ts.broker.dialCount.Load() < baseDials+2 {
		if time.Now().After(deadline) {
			t.Fatal("responder never entered the publish retry loop")
		}
		time.Sleep(time.Millisecond)
	}

	stopped := ts.srv.Stop("operator stop", true, 2*time.Second)
	assert.True(t, stopped)

	st := ts.srv.responder.Stopping()
	require.NotNil(t, st)
	assert.Equal(t, "operator stop", st.Reason)
	assert.Equal(t, "info", st.Severity)
	assert.True(t, st.Force)
}

func TestTaskProcessingEmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	telemetry.InitWithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { telemetry.InitWithTracerProvider(noop.NewTracerProvider()) })

	ts := startTestServer(t, "")
	resp := ts.call(t, "req-15", "math.add", []any{2, 3}, nil)
	require.Equal(t, float64(5), resp["result"])

	// the task and publish spans end shortly after the response is out
	spans := map[string]sdktrace.ReadOnlySpan{}
	deadline := time.Now().Add(2 * time.Second)
	for len(spans) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected task, invoke and publish spans, got %d", len(spans))
		}
		for _, s := range sr.Ended() {
			spans[s.Name()] = s
		}
		time.Sleep(time.Millisecond)
	}

	task := spans[telemetry.SpanRPCTask]
	require.NotNil(t, task)
	assert.Contains(t, task.Attributes(), telemetry.TaskID(1))
	assert.Contains(t, task.Attributes(), telemetry.Queue(ts.queue))

	invoke := spans[telemetry.SpanRPCInvoke]
	require.NotNil(t, invoke)
	assert.Contains(t, invoke.Attributes(), telemetry.RPCMethod("math.add"))
	assert.Equal(t, task.SpanContext().SpanID(), invoke.Parent().SpanID())

	publish := spans[telemetry.SpanAMQPPublish]
	require.NotNil(t, publish)
	assert.Contains(t, publish.Attributes(), telemetry.Exchange(DefaultResponseExchange))
	assert.Contains(t, publish.Attributes(), telemetry.ReplyTo("req-15"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(b.buf.String(), "\n")
}

func TestWorkerLogsCarryTaskFields(t *testing.T) {
	buf := &syncBuffer{}
	logger.InitWithWriter(buf, "DEBUG", "json")
	t.Cleanup(func() { logger.InitWithWriter(os.Stderr, "INFO", "text") })

	ts := startTestServer(t, "")
	resp := ts.call(t, "req-14", "math.add", []any{2, 3}, nil)
	require.Equal(t, float64(5), resp["result"])

	var entry map[string]any
	for _, line := range buf.Lines() {
		if !strings.Contains(line, "method call completed") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		break
	}
	require.NotNil(t, entry, "no completion log entry found")
	assert.Equal(t, float64(1), entry["task_id"])
	assert.Equal(t, "math.add", entry["method"])
	assert.Equal(t, ts.queue, entry["queue"])
	assert.Equal(t, "req-14", entry["reply_to"])
	assert.Equal(t, "5", entry["result"])
}
