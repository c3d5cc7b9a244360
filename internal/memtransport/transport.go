// Package memtransport provides an in-memory messaging.Transport used to
// exercise the bus without a broker.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/glimte/busbridge/messaging"
)

// Operation names accepted by FailOn and Calls
const (
	OpOpenContext     = "open-context"
	OpLookupFactory   = "lookup-factory"
	OpConnect         = "connect"
	OpOpenSession     = "open-session"
	OpResolve         = "resolve-destination"
	OpCreateTemporary = "create-temporary-destination"
	OpCreateProducer  = "create-producer"
	OpCreateConsumer  = "create-consumer"
	OpSend            = "send"
	OpReceive         = "receive"
	OpCommit          = "commit"
)

// Resource kinds recorded by Released and accepted by FailClose
const (
	KindContext    = "context"
	KindConnection = "connection"
	KindSession    = "session"
	KindProducer   = "producer"
	KindConsumer   = "consumer"
	KindTemporary  = "temporary-destination"
)

// ErrClosedResource is returned when a released resource is used
var ErrClosedResource = errors.New("memtransport: resource is closed")

// SendHook observes every successful send
type SendHook func(destination string, out messaging.Outbound)

// Transport is an in-memory transport. Queues are buffered channels keyed
// by destination name.
type Transport struct {
	mu            sync.Mutex
	queues        map[string]chan *messaging.Delivery
	calls         map[string]int
	failures      map[string]error
	closeFailures map[string]error
	released      []string
	sent          map[string][]messaging.Outbound
	onSend        SendHook
	buildDelay    time.Duration
	tempSeq       int
	acks          int
	commits       int
	lastCreds     *messaging.Credentials
	lastAckMode   messaging.AckMode
	lastTx        bool
	queueSize     int
}

// New creates an empty in-memory transport
func New() *Transport {
	return &Transport{
		queues:        make(map[string]chan *messaging.Delivery),
		calls:         make(map[string]int),
		failures:      make(map[string]error),
		closeFailures: make(map[string]error),
		sent:          make(map[string][]messaging.Outbound),
		queueSize:     1024,
	}
}

// FailOn makes every subsequent call of op fail with err. A nil err clears it.
func (t *Transport) FailOn(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, op)
		return
	}
	t.failures[op] = err
}

// FailClose makes releasing resources of kind fail with err
func (t *Transport) FailClose(kind string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeFailures[kind] = err
}

// SetBuildDelay slows resource creation down to widen race windows in tests
func (t *Transport) SetBuildDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buildDelay = d
}

// OnSend installs a hook called after every successful send
func (t *Transport) OnSend(hook SendHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = hook
}

// Calls returns how often op was invoked
func (t *Transport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Released returns the resource kinds in the order they were closed
func (t *Transport) Released() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.released...)
}

// Sent returns everything sent to destination
func (t *Transport) Sent(destination string) []messaging.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]messaging.Outbound(nil), t.sent[destination]...)
}

// Acks returns the number of client acknowledgements
func (t *Transport) Acks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acks
}

// Commits returns the number of committed transactions
func (t *Transport) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

// LastCredentials returns the credentials of the most recent Connect
func (t *Transport) LastCredentials() *messaging.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCreds
}

// LastSession returns the settings of the most recent OpenSession
func (t *Transport) LastSession() (transactional bool, ackMode messaging.AckMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTx, t.lastAckMode
}

// Deliver enqueues d on destination as if a remote producer sent it
func (t *Transport) Deliver(destination string, d *messaging.Delivery) {
	t.queue(destination) <- d
}

// TemporaryDestinations lists the names of live temporary destinations
func (t *Transport) TemporaryDestinations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for name := range t.queues {
		if len(name) > 4 && name[:4] == "tmp." {
			names = append(names, name)
		}
	}
	return names
}

func (t *Transport) queue(name string) chan *messaging.Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = make(chan *messaging.Delivery, t.queueSize)
		t.queues[name] = q
	}
	return q
}

func (t *Transport) enter(op string) error {
	t.mu.Lock()
	t.calls[op]++
	err := t.failures[op]
	delay := t.buildDelay
	t.mu.Unlock()

	if delay > 0 && op != OpSend && op != OpReceive {
		time.Sleep(delay)
	}
	return err
}

func (t *Transport) release(kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = append(t.released, kind)
	return t.closeFailures[kind]
}

type resource struct {
	t      *Transport
	kind   string
	mu     sync.Mutex
	closed bool
}

func (r *resource) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.t.release(r.kind)
}

func (r *resource) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type namingContext struct {
	resource
	props map[string]string
}

type connectionFactory struct {
	name string
}

type connection struct {
	resource
}

type session struct {
	resource
	transactional bool
	ackMode       messaging.AckMode
}

// Destination is an in-memory queue name
type Destination struct {
	resource
	name      string
	temporary bool
}

// DestinationName implements messaging.Destination
func (d *Destination) DestinationName() string {
	return d.name
}

// Close deletes temporary destinations and is a no-op otherwise
func (d *Destination) Close() error {
	if !d.temporary {
		return nil
	}
	d.t.mu.Lock()
	delete(d.t.queues, d.name)
	d.t.mu.Unlock()
	return d.resource.Close()
}

type producer struct {
	resource
	dest *Destination
}

type consumer struct {
	resource
	dest    *Destination
	session *session
}

// OpenContext implements messaging.Transport
func (t *Transport) OpenContext(ctx context.Context, props map[string]string) (messaging.NamingContext, error) {
	if err := t.enter(OpOpenContext); err != nil {
		return nil, err
	}
	return &namingContext{resource: resource{t: t, kind: KindContext}, props: maps.Clone(props)}, nil
}

// LookupConnectionFactory implements messaging.Transport
func (t *Transport) LookupConnectionFactory(ctx context.Context, nc messaging.NamingContext, name string) (messaging.ConnectionFactory, error) {
	if err := t.enter(OpLookupFactory); err != nil {
		return nil, err
	}
	if _, ok := nc.(*namingContext); !ok {
		return nil, fmt.Errorf("memtransport: unexpected naming context %T", nc)
	}
	return &connectionFactory{name: name}, nil
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context, factory messaging.ConnectionFactory, creds *messaging.Credentials) (messaging.Connection, error) {
	if err := t.enter(OpConnect); err != nil {
		return nil, err
	}
	if _, ok := factory.(*connectionFactory); !ok {
		return nil, fmt.Errorf("memtransport: unexpected connection factory %T", factory)
	}
	t.mu.Lock()
	t.lastCreds = creds
	t.mu.Unlock()
	return &connection{resource: resource{t: t, kind: KindConnection}}, nil
}

// OpenSession implements messaging.Transport
func (t *Transport) OpenSession(ctx context.Context, conn messaging.Connection, transactional bool, ackMode messaging.AckMode) (messaging.Session, error) {
	if err := t.enter(OpOpenSession); err != nil {
		return nil, err
	}
	c, ok := conn.(*connection)
	if !ok {
		return nil, fmt.Errorf("memtransport: unexpected connection %T", conn)
	}
	if c.isClosed() {
		return nil, ErrClosedResource
	}
	t.mu.Lock()
	t.lastTx = transactional
	t.lastAckMode = ackMode
	t.mu.Unlock()
	return &session{resource: resource{t: t, kind: KindSession}, transactional: transactional, ackMode: ackMode}, nil
}

// ResolveDestination implements messaging.Transport
func (t *Transport) ResolveDestination(ctx context.Context, nc messaging.NamingContext, name string) (messaging.Destination, error) {
	if err := t.enter(OpResolve); err != nil {
		return nil, err
	}
	if n, ok := nc.(*namingContext); ok {
		if physical, ok := n.props["queue."+name]; ok {
			name = physical
		}
	}
	t.queue(name)
	return &Destination{resource: resource{t: t}, name: name}, nil
}

// CreateTemporaryDestination implements messaging.Transport
func (t *Transport) CreateTemporaryDestination(ctx context.Context, s messaging.Session) (messaging.Destination, error) {
	if err := t.enter(OpCreateTemporary); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.tempSeq++
	name := fmt.Sprintf("tmp.%d", t.tempSeq)
	t.mu.Unlock()
	t.queue(name)
	return &Destination{resource: resource{t: t, kind: KindTemporary}, name: name, temporary: true}, nil
}

// CreateProducer implements messaging.Transport
func (t *Transport) CreateProducer(ctx context.Context, s messaging.Session, dest messaging.Destination) (messaging.Producer, error) {
	if err := t.enter(OpCreateProducer); err != nil {
		return nil, err
	}
	d, ok := dest.(*Destination)
	if !ok {
		// foreign destinations address an existing queue by name
		d = &Destination{resource: resource{t: t}, name: dest.DestinationName()}
	}
	return &producer{resource: resource{t: t, kind: KindProducer}, dest: d}, nil
}

// CreateConsumer implements messaging.Transport
func (t *Transport) CreateConsumer(ctx context.Context, s messaging.Session, dest messaging.Destination) (messaging.Consumer, error) {
	if err := t.enter(OpCreateConsumer); err != nil {
		return nil, err
	}
	d, ok := dest.(*Destination)
	if !ok {
		return nil, fmt.Errorf("memtransport: unexpected destination %T", dest)
	}
	sess, _ := s.(*session)
	return &consumer{resource: resource{t: t, kind: KindConsumer}, dest: d, session: sess}, nil
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, p messaging.Producer, out *messaging.Outbound) error {
	if err := t.enter(OpSend); err != nil {
		return err
	}
	prod, ok := p.(*producer)
	if !ok {
		return fmt.Errorf("memtransport: unexpected producer %T", p)
	}
	if prod.isClosed() {
		return ErrClosedResource
	}

	name := prod.dest.name
	copied := *out
	copied.Headers = maps.Clone(out.Headers)

	t.mu.Lock()
	t.sent[name] = append(t.sent[name], copied)
	hook := t.onSend
	t.mu.Unlock()

	t.queue(name) <- &messaging.Delivery{
		Payload:       copied.Payload,
		Headers:       copied.Headers,
		CorrelationID: copied.CorrelationID,
		ReplyTo:       copied.ReplyTo,
		Timestamp:     copied.Timestamp,
	}

	if hook != nil {
		hook(name, copied)
	}
	return nil
}

// Receive implements messaging.Transport
func (t *Transport) Receive(ctx context.Context, c messaging.Consumer, timeout time.Duration) (*messaging.Delivery, error) {
	if err := t.enter(OpReceive); err != nil {
		return nil, err
	}
	cons, ok := c.(*consumer)
	if !ok {
		return nil, fmt.Errorf("memtransport: unexpected consumer %T", c)
	}
	if cons.isClosed() {
		return nil, ErrClosedResource
	}

	q := t.queue(cons.dest.name)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-q:
		if cons.session != nil && cons.session.ackMode == messaging.ClientAcknowledge {
			d.Ack = func() error {
				t.mu.Lock()
				t.acks++
				t.mu.Unlock()
				return nil
			}
		}
		return d, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Commit implements messaging.Transport
func (t *Transport) Commit(ctx context.Context, s messaging.Session) error {
	if err := t.enter(OpCommit); err != nil {
		return err
	}
	t.mu.Lock()
	t.commits++
	t.mu.Unlock()
	return nil
}

var _ messaging.Transport = (*Transport)(nil)
