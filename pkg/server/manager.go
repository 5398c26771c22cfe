package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/methodtree"
	"github.com/gnosek/mtrpc/pkg/metrics"
)

// managerReasonPrefix marks responder stop reasons issued by the
// manager's own shutdown path.
const managerReasonPrefix = "requested by the manager"

// Manager consumes requests from the bound queues and spawns a worker
// goroutine per task. It owns queue/exchange declaration and acking;
// a task is always recorded in the shared task map before its delivery
// is acked.
type Manager struct {
	amqpClient
	clientID      string
	queueNames    []string
	bindings      map[string]Binding
	exchangeTypes map[string]string
	prefetch      int
	tree          *methodtree.Tree
	sh            *shared
	responder     *Responder
	finalCallback func()

	stopping atomic.Pointer[Stopping]
	stopCh   chan struct{}
	stopOnce sync.Once
	taskID   atomic.Int64
	done     chan struct{}
}

func newManager(url string, dial Dialer, policy RetryPolicy, clientID string,
	bindings []Binding, exchangeTypes map[string]string, prefetch int,
	tree *methodtree.Tree, sh *shared, responder *Responder,
	m *metrics.RPCMetrics, finalCallback func()) *Manager {

	mgr := &Manager{
		amqpClient:    amqpClient{actor: "manager", url: url, dial: dial, policy: policy, metrics: m},
		clientID:      clientID,
		bindings:      map[string]Binding{},
		exchangeTypes: exchangeTypes,
		prefetch:      prefetch,
		tree:          tree,
		sh:            sh,
		responder:     responder,
		finalCallback: finalCallback,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, binding := range bindings {
		queue := binding.QueueName(clientID)
		if _, dup := mgr.bindings[queue]; dup {
			logger.Warn("duplicate binding, ignoring",
				logger.Exchange(binding.Exchange), logger.RoutingKey(binding.RoutingKey))
			continue
		}
		mgr.queueNames = append(mgr.queueNames, queue)
		mgr.bindings[queue] = binding
	}
	sort.Strings(mgr.queueNames)
	return mgr
}

// run is the manager goroutine body.
func (m *Manager) run() {
	defer close(m.done)
	logger.Info("manager started", logger.Actor(m.actor), "client_id", m.clientID)

	deliveries, err := m.start()
	if err != nil {
		logger.Error("manager AMQP initialization failed", logger.Actor(m.actor), logger.Err(err))
		m.stopping.CompareAndSwap(nil, &Stopping{Reason: fmt.Sprintf("error: %v", err), Severity: "error"})
	} else {
		m.mainLoop(deliveries)
	}

	st := m.stopping.Load()
	logger.Log(st.Severity, "manager is being stopped", logger.Actor(m.actor), "reason", st.Reason)
	m.finalAction(st)
}

func (m *Manager) start() (<-chan queuedDelivery, error) {
	if err := m.connect(); err != nil {
		return nil, err
	}
	return m.setupConsumers()
}

// setupConsumers declares and binds every request queue and its exchange,
// then fans the per-queue delivery channels into one. The fanned-in
// channel closes when the underlying connection drops.
func (m *Manager) setupConsumers() (<-chan queuedDelivery, error) {
	logger.Info("declaring and binding AMQP queues and exchanges", logger.Actor(m.actor))
	if m.prefetch > 0 {
		if err := m.ch.Qos(m.prefetch); err != nil {
			return nil, fmt.Errorf("%w: setting QoS: %v", ErrAMQP, err)
		}
	}

	out := make(chan queuedDelivery)
	var forwarders sync.WaitGroup
	for _, queue := range m.queueNames {
		binding := m.bindings[queue]
		if _, err := m.ch.QueueDeclare(queue, true, false, false); err != nil {
			return nil, fmt.Errorf("%w: declaring queue %s: %v", ErrAMQP, queue, err)
		}
		exchangeType := m.exchangeTypes[binding.Exchange]
		if exchangeType == "" {
			exchangeType = DefaultExchangeType
		}
		if err := m.ch.ExchangeDeclare(binding.Exchange, exchangeType, true, false); err != nil {
			return nil, fmt.Errorf("%w: declaring exchange %s: %v", ErrAMQP, binding.Exchange, err)
		}
		if err := m.ch.QueueBind(queue, binding.RoutingKey, binding.Exchange); err != nil {
			return nil, fmt.Errorf("%w: binding queue %s: %v", ErrAMQP, queue, err)
		}
		// The consumer tag doubles as the queue name so a delivery can be
		// traced back to its binding.
		deliveries, err := m.ch.Consume(queue, queue)
		if err != nil {
			return nil, fmt.Errorf("%w: consuming from %s: %v", ErrAMQP, queue, err)
		}

		forwarders.Add(1)
		go func(queue string, deliveries <-chan Delivery) {
			defer forwarders.Done()
			for d := range deliveries {
				select {
				case out <- queuedDelivery{queue: queue, delivery: d}:
				case <-m.stopCh:
					return
				}
			}
		}(queue, deliveries)
	}
	go func() {
		forwarders.Wait()
		close(out)
	}()
	return out, nil
}

type queuedDelivery struct {
	queue    string
	delivery Delivery
}

func (m *Manager) mainLoop(deliveries <-chan queuedDelivery) {
	for {
		select {
		case qd, ok := <-deliveries:
			if !ok {
				if m.stopping.Load() != nil {
					return
				}
				reinited, err := m.reinitConsumers()
				if err != nil {
					m.stopping.CompareAndSwap(nil, &Stopping{
						Reason:   fmt.Sprintf("error: %v", err),
						Severity: "error",
					})
					return
				}
				deliveries = reinited
				continue
			}
			m.handleDelivery(qd.queue, qd.delivery)

		case <-m.sh.wake:
			// The responder stopped on its own; adopt its reason.
			st := m.responder.Stopping()
			if st == nil {
				st = &Stopping{Reason: "responder terminated", Severity: "error"}
			}
			m.stopping.CompareAndSwap(nil,
				st.withReason(fmt.Sprintf("requested by the responder (%s)", st.Reason)))
			return

		case <-m.stopCh:
			return
		}
	}
}

// reinitConsumers rebuilds the connection and consumers after a broker
// failure, honoring the action retry policy.
func (m *Manager) reinitConsumers() (<-chan queuedDelivery, error) {
	attempt := 0
	for {
		attempt++
		logger.Warn("consume stream lost, reinitializing", logger.Actor(m.actor), logger.Attempt(attempt))
		m.closeAMQP()
		m.metrics.Reconnect(m.actor)
		m.sleep()
		deliveries, err := m.start()
		if err == nil {
			return deliveries, nil
		}
		if m.policy.ActionAttempts != 0 && attempt >= m.policy.ActionAttempts {
			return nil, fmt.Errorf("giving up after %d attempts to restore consuming: %w", attempt, err)
		}
	}
}

// handleDelivery turns one delivery into a recorded task and a worker.
// Recording happens strictly before the ack so an acked request is never
// silently lost.
func (m *Manager) handleDelivery(queue string, d Delivery) {
	if m.responder.Stopping() != nil {
		// The responder would never publish the response; leaving the
		// delivery unacked hands it back to the broker for redelivery.
		logger.Debug("responder is stopping, delivery refused", logger.Actor(m.actor), logger.Queue(queue))
		return
	}

	binding := m.bindings[queue]
	deliveryInfo := map[string]any{
		"exchange":     d.Exchange,
		"routing_key":  d.RoutingKey,
		"consumer_tag": d.ConsumerTag,
		"delivery_tag": d.DeliveryTag,
		"redelivered":  d.Redelivered,
	}
	accessCtx := access.TransportContext(
		binding.Exchange, queue, binding.RoutingKey, d.RoutingKey, d.ReplyTo, deliveryInfo)

	task := &Task{
		ID:          m.taskID.Add(1),
		Body:        d.Body,
		AccessCtx:   accessCtx,
		KeyPatt:     binding.AccessKeyPatt,
		KeyholePatt: binding.AccessKeyholePatt,
		ReplyTo:     d.ReplyTo,
		Queue:       queue,
		Received:    time.Now(),
	}

	if !m.sh.recordTask(task) {
		logger.Debug("results are no longer accepted, delivery refused",
			logger.Actor(m.actor), logger.TaskID(task.ID), logger.Queue(queue))
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("ack failed", logger.Actor(m.actor), logger.TaskID(task.ID), logger.Err(err))
	}
	m.metrics.RequestReceived(queue)
	m.metrics.TaskStarted()
	logger.Debug("message received, task created",
		logger.TaskID(task.ID), logger.Queue(queue), logger.ReplyTo(task.ReplyTo))

	w := &worker{task: task, tree: m.tree, sh: m.sh, metrics: m.metrics}
	go w.run()
}

// finalAction closes the connection, stops the responder if it is still
// running, waits for it and fires the final callback.
func (m *Manager) finalAction(st *Stopping) {
	defer func() {
		if m.finalCallback != nil {
			logger.Info("running final callback", logger.Actor(m.actor))
			m.finalCallback()
		}
	}()

	m.closeAMQP()

	if m.responder.Stopping() == nil {
		// A redundant stop sentinel is harmless, the responder keeps the
		// first one it sees.
		respStop := st.withReason(fmt.Sprintf("%s (%s)", managerReasonPrefix, st.Reason))
		respStop.fromManager = true
		m.pushStop(respStop)
	}
	<-m.responder.done
}

func (m *Manager) pushStop(st *Stopping) {
	if st.Force {
		// A forced stop must be visible to a publish retry in progress,
		// not only once the sentinel surfaces from the FIFO.
		m.responder.forceStop(st)
	}
	select {
	case m.sh.fifo <- fifoItem{stop: st}:
	case <-m.responder.done:
	}
}

// requestStop records the stop descriptor and unblocks the main loop.
func (m *Manager) requestStop(st *Stopping) {
	m.stopping.CompareAndSwap(nil, st)
	m.pushStop(st)
	m.stopOnce.Do(func() { close(m.stopCh) })
}
