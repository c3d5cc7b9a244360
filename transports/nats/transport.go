// Package nats implements messaging.Transport on core NATS. Destinations are
// subjects, temporary destinations are inboxes and transactional sessions
// buffer outbound messages until Commit.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/glimte/busbridge/messaging"
)

// Naming context properties
const (
	PropURL           = "url"
	PropSubjectPrefix = "subject."
	PropFactoryPrefix = "factory."
)

// Headers carrying message properties NATS has no field for
const (
	HeaderCorrelationID = "Busbridge-Correlation-Id"
	HeaderTimestamp     = "Busbridge-Timestamp"
)

var (
	ErrInvalidConfiguration = errors.New("nats: invalid configuration")
	ErrUnexpectedResource   = errors.New("nats: resource was not created by this transport")
	ErrNotTransactional     = errors.New("nats: session is not transactional")
	ErrConnectionClosed     = errors.New("nats: connection is closed")
)

// conn is the part of *nats.Conn the transport uses
type conn interface {
	PublishMsg(m *natsgo.Msg) error
	SubscribeSync(subject string) (subscription, error)
	NewInbox() string
	Drain() error
	IsClosed() bool
}

type subscription interface {
	NextMsgWithContext(ctx context.Context) (*natsgo.Msg, error)
	Unsubscribe() error
}

// Dialer opens a NATS connection
type Dialer func(url string, opts ...natsgo.Option) (conn, error)

type connAdapter struct {
	*natsgo.Conn
}

func (c connAdapter) SubscribeSync(subject string) (subscription, error) {
	sub, err := c.Conn.SubscribeSync(subject)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func dialNATS(url string, opts ...natsgo.Option) (conn, error) {
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return connAdapter{nc}, nil
}

// Option configures the transport
type Option func(*Transport)

// WithURL sets the server URL used when the naming context has none
func WithURL(url string) Option {
	return func(t *Transport) { t.url = url }
}

// WithClientName sets the connection name
func WithClientName(name string) Option {
	return func(t *Transport) { t.clientName = name }
}

// WithMaxReconnects sets the reconnect limit, -1 for unlimited
func WithMaxReconnects(n int) Option {
	return func(t *Transport) { t.maxReconnects = n }
}

// WithReconnectWait sets the delay between reconnect attempts
func WithReconnectWait(d time.Duration) Option {
	return func(t *Transport) { t.reconnectWait = d }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDialer replaces the NATS dialer
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dial = d
		}
	}
}

// Transport implements messaging.Transport on core NATS
type Transport struct {
	url           string
	clientName    string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	logger        *slog.Logger
	dial          Dialer
}

// NewTransport creates a NATS transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		clientName:    "busbridge",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		logger:        slog.Default(),
		dial:          dialNATS,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type namingContext struct {
	url      string
	subjects map[string]string
	props    map[string]string
}

type connectionFactory struct {
	name string
	url  string
}

type connection struct {
	nc  conn
	url string
}

// Close drains the connection
func (c *connection) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return fmt.Errorf("nats: drain connection: %w", err)
	}
	return nil
}

type session struct {
	conn          *connection
	transactional bool
	ackMode       messaging.AckMode

	mu      sync.Mutex
	pending []*natsgo.Msg
}

// Close discards uncommitted messages
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// Subject is a subject destination
type Subject struct {
	name string
}

// DestinationName implements messaging.Destination
func (s *Subject) DestinationName() string {
	return s.name
}

type producer struct {
	session *session
	subject string
}

type consumer struct {
	sub     subscription
	subject string
}

// Close unsubscribes
func (c *consumer) Close() error {
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) && !errors.Is(err, natsgo.ErrBadSubscription) {
		return fmt.Errorf("nats: unsubscribe %s: %w", c.subject, err)
	}
	return nil
}

// OpenContext implements messaging.Transport
func (t *Transport) OpenContext(ctx context.Context, props map[string]string) (messaging.NamingContext, error) {
	n := &namingContext{
		url:      t.url,
		subjects: make(map[string]string),
		props:    make(map[string]string, len(props)),
	}
	for k, v := range props {
		n.props[k] = v
		switch {
		case k == PropURL:
			n.url = v
		case strings.HasPrefix(k, PropSubjectPrefix):
			n.subjects[strings.TrimPrefix(k, PropSubjectPrefix)] = v
		}
	}
	if n.url == "" {
		n.url = natsgo.DefaultURL
	}
	return n, nil
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
	return &connectionFactory{name: name, url: url}, nil
}

func (t *Transport) connectionOptions(creds *messaging.Credentials) []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.Name(t.clientName),
		natsgo.MaxReconnects(t.maxReconnects),
		natsgo.ReconnectWait(t.reconnectWait),
		natsgo.Timeout(t.timeout),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				t.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			t.logger.Info("NATS reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}
	if creds != nil {
		opts = append(opts, natsgo.UserInfo(creds.Principal, creds.Secret))
	}
	return opts
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context, factory messaging.ConnectionFactory, creds *messaging.Credentials) (messaging.Connection, error) {
	f, ok := factory.(*connectionFactory)
	if !ok {
		return nil, fmt.Errorf("%w: connection factory %T", ErrUnexpectedResource, factory)
	}
	nc, err := t.dial(f.url, t.connectionOptions(creds)...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", f.name, err)
	}
	t.logger.Info("connected to NATS", "factory", f.name, "authenticated", creds != nil)
	return &connection{nc: nc, url: f.url}, nil
}

// OpenSession implements messaging.Transport. NATS has no broker side
// transactions, so a transactional session holds sends until Commit.
func (t *Transport) OpenSession(ctx context.Context, c messaging.Connection, transactional bool, ackMode messaging.AckMode) (messaging.Session, error) {
	cn, ok := c.(*connection)
	if !ok {
		return nil, fmt.Errorf("%w: connection %T", ErrUnexpectedResource, c)
	}
	if cn.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return &session{conn: cn, transactional: transactional, ackMode: ackMode}, nil
}

// ResolveDestination implements messaging.Transport
func (t *Transport) ResolveDestination(ctx context.Context, nc messaging.NamingContext, name string) (messaging.Destination, error) {
	n, ok := nc.(*namingContext)
	if !ok {
		return nil, fmt.Errorf("%w: naming context %T", ErrUnexpectedResource, nc)
	}
	if physical, ok := n.subjects[name]; ok {
		name = physical
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty destination name", ErrInvalidConfiguration)
	}
	return &Subject{name: name}, nil
}

// CreateTemporaryDestination implements messaging.Transport
func (t *Transport) CreateTemporaryDestination(ctx context.Context, s messaging.Session) (messaging.Destination, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	return &Subject{name: sess.conn.nc.NewInbox()}, nil
}

// CreateProducer implements messaging.Transport
func (t *Transport) CreateProducer(ctx context.Context, s messaging.Session, dest messaging.Destination) (messaging.Producer, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	return &producer{session: sess, subject: dest.DestinationName()}, nil
}

// CreateConsumer implements messaging.Transport
func (t *Transport) CreateConsumer(ctx context.Context, s messaging.Session, dest messaging.Destination) (messaging.Consumer, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	sub, err := sess.conn.nc.SubscribeSync(dest.DestinationName())
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", dest.DestinationName(), err)
	}
	return &consumer{sub: sub, subject: dest.DestinationName()}, nil
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, p messaging.Producer, out *messaging.Outbound) error {
	prod, ok := p.(*producer)
	if !ok {
		return fmt.Errorf("%w: producer %T", ErrUnexpectedResource, p)
	}
	msg := toMsg(prod.subject, out)

	if prod.session.transactional {
		prod.session.mu.Lock()
		prod.session.pending = append(prod.session.pending, msg)
		prod.session.mu.Unlock()
		return nil
	}
	if err := prod.session.conn.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish %s: %w", prod.subject, err)
	}
	return nil
}

// Receive implements messaging.Transport
func (t *Transport) Receive(ctx context.Context, c messaging.Consumer, timeout time.Duration) (*messaging.Delivery, error) {
	cons, ok := c.(*consumer)
	if !ok {
		return nil, fmt.Errorf("%w: consumer %T", ErrUnexpectedResource, c)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := cons.sub.NextMsgWithContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, natsgo.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("nats: receive %s: %w", cons.subject, err)
	}
	return fromMsg(msg), nil
}

// Commit publishes the messages a transactional session buffered. Messages
// after the first failure stay buffered for the next Commit.
func (t *Transport) Commit(ctx context.Context, s messaging.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return fmt.Errorf("%w: session %T", ErrUnexpectedResource, s)
	}
	if !sess.transactional {
		return ErrNotTransactional
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	for i, msg := range sess.pending {
		if err := sess.conn.nc.PublishMsg(msg); err != nil {
			sess.pending = sess.pending[i:]
			return fmt.Errorf("nats: commit publish %s: %w", msg.Subject, err)
		}
	}
	sess.pending = nil
	return nil
}

func toMsg(subject string, out *messaging.Outbound) *natsgo.Msg {
	msg := natsgo.NewMsg(subject)
	msg.Data = out.Payload
	msg.Reply = out.ReplyTo
	// direct assignment keeps header names exactly as given
	for k, v := range out.Headers {
		msg.Header[k] = []string{v}
	}
	if out.CorrelationID != "" {
		msg.Header[HeaderCorrelationID] = []string{out.CorrelationID}
	}
	if !out.Timestamp.IsZero() {
		msg.Header[HeaderTimestamp] = []string{out.Timestamp.UTC().Format(time.RFC3339Nano)}
	}
	return msg
}

func fromMsg(msg *natsgo.Msg) *messaging.Delivery {
	d := &messaging.Delivery{
		Payload: msg.Data,
		ReplyTo: msg.Reply,
	}
	for k, values := range msg.Header {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		switch k {
		case HeaderCorrelationID:
			d.CorrelationID = v
		case HeaderTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				d.Timestamp = ts
			}
		default:
			if d.Headers == nil {
				d.Headers = make(map[string]string)
			}
			d.Headers[k] = v
		}
	}
	return d
}

var _ messaging.Transport = (*Transport)(nil)
