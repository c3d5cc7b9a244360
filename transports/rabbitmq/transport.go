// Package rabbitmq implements messaging.Transport on AMQP 0-9-1.
// Destinations are queues on the default exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/busbridge/messaging"
)

// Naming context properties
const (
	// PropURL is the broker URL
	PropURL = "url"
	// PropQueuePrefix maps a logical destination to a physical queue:
	// queue.<logical>=<physical>
	PropQueuePrefix = "queue."
	// PropFactoryPrefix overrides the URL per connection factory:
	// factory.<name>.url=<url>
	PropFactoryPrefix = "factory."
)

// amqpChannel is the part of *amqp.Channel the transport uses
type amqpChannel interface {
	Tx() error
	TxCommit() error
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// amqpConnection is the part of *amqp.Connection the transport uses
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection
type Dialer func(url string, config amqp.Config) (amqpConnection, error)

type connAdapter struct {
	*amqp.Connection
}

func (c connAdapter) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string, config amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	DurableQueues  bool
	PrefetchCount  int
	ConnectTimeout time.Duration
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithURL sets the broker URL used when the naming context has none
func WithURL(url string) TransportOption {
	return func(t *Transport) {
		t.config.URL = url
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) TransportOption {
	return func(t *Transport) {
		t.config.ConnectionName = name
	}
}

// WithHeartbeat sets the connection heartbeat
func WithHeartbeat(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.config.Heartbeat = d
	}
}

// WithDurableQueues declares resolved queues as durable
func WithDurableQueues(durable bool) TransportOption {
	return func(t *Transport) {
		t.config.DurableQueues = durable
	}
}

// WithPrefetch limits unacknowledged deliveries per session
func WithPrefetch(count int) TransportOption {
	return func(t *Transport) {
		t.config.PrefetchCount = count
	}
}

// WithConnectTimeout bounds connection establishment
func WithConnectTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.config.ConnectTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(d Dialer) TransportOption {
	return func(t *Transport) {
		if d != nil {
			t.dial = d
		}
	}
}

// Transport implements messaging.Transport on RabbitMQ. Destinations are
// queues on the default exchange; temporary destinations are server-named
// exclusive queues.
type Transport struct {
	config TransportConfig
	logger *slog.Logger
	dial   Dialer
}

// NewTransport creates a RabbitMQ transport. Nothing is dialed until a
// connection is requested.
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		config: TransportConfig{
			Heartbeat:      10 * time.Second,
			DurableQueues:  true,
			ConnectTimeout: 30 * time.Second,
		},
		logger: slog.Default(),
		dial:   dialAMQP,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

type namingContext struct {
	url    string
	queues map[string]string
	props  map[string]string
}

type connectionFactory struct {
	name   string
	url    string
	config amqp.Config
}

type connection struct {
	conn amqpConnection
	url  string
}

// Close closes the AMQP connection
func (c *connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConnectionError{Op: "close", URL: SanitizeURL(c.url), Err: err, Timestamp: time.Now()}
	}
	return nil
}

type session struct {
	ch            amqpChannel
	transactional bool
	ackMode       messaging.AckMode
	closeOnce     sync.Once
	closeErr      error
}

// Close closes the AMQP channel
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.closeErr = &ChannelError{Op: "close", Err: err, Timestamp: time.Now()}
		}
	})
	return s.closeErr
}

// Queue is a named queue destination
type Queue struct {
	name string
}

// DestinationName implements messaging.Destination
func (q *Queue) DestinationName() string {
	return q.name
}

// TemporaryQueue is a server-named exclusive queue that lives as long as
// the session that created it
type TemporaryQueue struct {
	Queue
	session *session
}

// Close deletes the queue
func (q *TemporaryQueue) Close() error {
	if _, err := q.session.ch.QueueDelete(q.name, false, false, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &TopologyError{Name: q.name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}

type producer struct {
	session *session
	queue   string
}

type consumer struct {
	session    *session
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
}

// Close cancels the AMQP consumer
func (c *consumer) Close() error {
	if err := c.session.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// OpenContext implements messaging.Transport
func (t *Transport) OpenContext(ctx context.Context, props map[string]string) (messaging.NamingContext, error) {
	nc := &namingContext{
		url:    t.config.URL,
		queues: make(map[string]string),
		props:  make(map[string]string, len(props)),
	}
	for k, v := range props {
		nc.props[k] = v
		switch {
		case k == PropURL:
			nc.url = v
		case strings.HasPrefix(k, PropQueuePrefix):
			nc.queues[strings.TrimPrefix(k, PropQueuePrefix)] = v
		}
	}
	if nc.url == "" {
		return nil, fmt.Errorf("%w: no broker url in naming properties", ErrInvalidConfiguration)
	}
	return nc, nil
}

// LookupConnectionFactory implements messaging.Transport
func (t *Transport) LookupConnectionFactory(ctx context.Context, nc messaging.NamingContext, name string) (messaging.ConnectionFactory, error) {
	n, ok := nc.(*namingContext)
	if !ok {
		return nil, fmt.Errorf("%w: naming context %T", ErrUnexpectedResource, nc)
	}

	url := n.url
	if override, ok := n.props[PropFactoryPrefix+name+".url"]; ok {
		url = override
	}

	config := amqp.Config{
		Heartbeat:  t.config.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if t.config.ConnectionName != "" {
		config.Properties.SetClientConnectionName(t.config.ConnectionName)
	}
	if vhost, ok := n.props[PropFactoryPrefix+name+".vhost"]; ok {
		config.Vhost = vhost
	}

	return &connectionFactory{name: name, url: url, config: config}, nil
}

// Connect implements messaging.Transport. Credentials replace any user
// info in the URL.
func (t *Transport) Connect(ctx context.Context, factory messaging.ConnectionFactory, creds *messaging.Credentials) (messaging.Connection, error) {
	f, ok := factory.(*connectionFactory)
	if !ok {
		return nil, fmt.Errorf("%w: connection factory %T", ErrUnexpectedResource, factory)
	}

	config := f.config
	if creds != nil {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: creds.Principal, Password: creds.Secret}}
	}

	connCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	type result struct {
		conn amqpConnection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := t.dial(f.url, config)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(f.url), Err: r.err, Timestamp: time.Now()}
		}
		t.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(f.url),
			"factory", f.name,
			"authenticated", creds != nil)
		return &connection{conn: r.conn, url: f.url}, nil

	case <-connCtx.Done():
		// close a connection that arrives after we gave up
		go func() {
			if r := <-done; r.err == nil {
				_ = r.conn.Close()
			}
		}()
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(f.url), Err: ErrConnectionTimeout, Timestamp: time.Now()}
	}
}

// OpenSession implements messaging.Transport
func (t *Transport) OpenSession(ctx context.Context, conn messaging.Connection, transactional bool, ackMode messaging.AckMode) (messaging.Session, error) {
	c, ok := conn.(*connection)
	if !ok {
		return nil, fmt.Errorf("%w: connection %T", ErrUnexpectedResource, conn)
	}
	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	if transactional {
		if err := ch.Tx(); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "tx select", Err: err, Timestamp: time.Now()}
		}
	}
	if t.config.PrefetchCount > 0 {
		if err := ch.Qos(t.config.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	return &session{ch: ch, transactional: transactional, ackMode: ackMode}, nil
}

// ResolveDestination implements messaging.Transport. The queue is declared
// when a producer or consumer is created for it.
func (t *Transport) ResolveDestination(ctx context.Context, nc messaging.NamingContext, name string) (messaging.Destination, error) {
	n, ok := nc.(*namingContext)
	if !ok {
		return nil, fmt.Errorf("%w: naming context %T", ErrUnexpectedResource, nc)
	}
	if physical, ok := n.queues[name]; ok {
		name = physical
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty destination name", ErrInvalidConfiguration)
	}
	return &Queue{name: name}, nil
}

// CreateTemporaryDestination implements messaging.Transport
func (t *Transport) CreateTemporaryDestination(ctx context.Context, s messaging.Session) (messaging.Destination, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}

	q, err := sess.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, &TopologyError{Name: "<server-named>", Op: "declare", Err: err, Timestamp: time.Now()}
	}

	t.logger.Debug("declared temporary queue", "queue", q.Name)
	return &TemporaryQueue{Queue: Queue{name: q.Name}, session: sess}, nil
}

func (t *Transport) declare(sess *session, dest messaging.Destination) (string, error) {
	switch d := dest.(type) {
	case *TemporaryQueue:
		return d.name, nil
	case *Queue:
		if _, err := sess.ch.QueueDeclare(d.name, t.config.DurableQueues, false, false, false, nil); err != nil {
			return "", &TopologyError{Name: d.name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		return d.name, nil
	default:
		// destinations from elsewhere are assumed to exist
		return dest.DestinationName(), nil
	}
}

// CreateProducer implements messaging.Transport
func (t *Transport) CreateProducer(ctx context.Context, s messaging.Session, dest messaging.Destination) (messaging.Producer, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	queue, err := t.declare(sess, dest)
	if err != nil {
		return nil, err
	}
	return &producer{session: sess, queue: queue}, nil
}

// CreateConsumer implements messaging.Transport
func (t *Transport) CreateConsumer(ctx context.Context, s messaging.Session, dest messaging.Destination) (messaging.Consumer, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	queue, err := t.declare(sess, dest)
	if err != nil {
		return nil, err
	}

	tag := "busbridge-" + uuid.New().String()
	autoAck := sess.ackMode != messaging.ClientAcknowledge
	deliveries, err := sess.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	return &consumer{session: sess, queue: queue, tag: tag, deliveries: deliveries}, nil
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, p messaging.Producer, out *messaging.Outbound) error {
	prod, ok := p.(*producer)
	if !ok {
		return fmt.Errorf("%w: producer %T", ErrUnexpectedResource, p)
	}

	if err := prod.session.ch.PublishWithContext(ctx, "", prod.queue, false, false, toPublishing(out)); err != nil {
		return &PublishError{RoutingKey: prod.queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Receive implements messaging.Transport
func (t *Transport) Receive(ctx context.Context, c messaging.Consumer, timeout time.Duration) (*messaging.Delivery, error) {
	cons, ok := c.(*consumer)
	if !ok {
		return nil, fmt.Errorf("%w: consumer %T", ErrUnexpectedResource, c)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-cons.deliveries:
		if !ok {
			return nil, &ConsumerError{Queue: cons.queue, ConsumerTag: cons.tag, Op: "receive", Err: ErrConsumerCancelled, Timestamp: time.Now()}
		}
		return fromDelivery(d, cons.session.ackMode == messaging.ClientAcknowledge), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Commit implements messaging.Transport
func (t *Transport) Commit(ctx context.Context, s messaging.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	if !sess.transactional {
		return ErrNotTransactional
	}
	if err := sess.ch.TxCommit(); err != nil {
		return &ChannelError{Op: "tx commit", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func toPublishing(out *messaging.Outbound) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: out.CorrelationID,
		ReplyTo:       out.ReplyTo,
		Timestamp:     out.Timestamp,
		Body:          out.Payload,
	}
	if len(out.Headers) > 0 {
		p.Headers = make(amqp.Table, len(out.Headers))
		for k, v := range out.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp.Delivery, clientAck bool) *messaging.Delivery {
	out := &messaging.Delivery{
		Payload:       d.Body,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Timestamp:     d.Timestamp,
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			switch val := v.(type) {
			case string:
				out.Headers[k] = val
			case []byte:
				out.Headers[k] = string(val)
			default:
				out.Headers[k] = fmt.Sprint(val)
			}
		}
	}
	if clientAck {
		out.Ack = func() error {
			return d.Ack(false)
		}
	}
	return out
}

var _ messaging.Transport = (*Transport)(nil)
