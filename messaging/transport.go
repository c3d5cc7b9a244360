package messaging

import (
	"context"
	"time"
)

// AckMode controls how received messages are acknowledged on a session
type AckMode int

const (
	// AutoAcknowledge acknowledges deliveries as soon as they are received
	AutoAcknowledge AckMode = iota
	// ClientAcknowledge requires an explicit Ack on each delivery
	ClientAcknowledge
	// DupsOKAcknowledge acknowledges lazily and tolerates duplicates
	DupsOKAcknowledge
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	default:
		return "unknown"
	}
}

// Credentials authenticate a connection. A nil *Credentials selects the
// unauthenticated connect path.
type Credentials struct {
	Principal string
	Secret    string
}

// Transport resources are opaque to the bridge. Resources that implement
// io.Closer are released by whoever owns them.
type (
	// NamingContext resolves factories and destinations by name
	NamingContext any
	// ConnectionFactory creates connections
	ConnectionFactory any
	// Connection is an open transport connection
	Connection any
	// Session is a unit of work on a connection
	Session any
	// Producer sends to one destination
	Producer any
	// Consumer receives from one destination
	Consumer any
)

// Destination is a named queue or topic on the transport
type Destination interface {
	DestinationName() string
}

// Outbound is a message handed to the transport for sending
type Outbound struct {
	Payload       []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
	Timestamp     time.Time
}

// Delivery is a message received from the transport
type Delivery struct {
	Payload       []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
	Timestamp     time.Time

	// Ack acknowledges the delivery on client-acknowledge sessions. It is
	// nil when the session acknowledges automatically.
	Ack func() error
}

// Acknowledge acknowledges the delivery if the transport requires it
func (d *Delivery) Acknowledge() error {
	if d == nil || d.Ack == nil {
		return nil
	}
	return d.Ack()
}

// Transport is the capability set the bridge composes against the external
// enterprise transport. Implementations must be safe for concurrent use.
type Transport interface {
	// OpenContext opens the naming environment described by props
	OpenContext(ctx context.Context, props map[string]string) (NamingContext, error)

	// LookupConnectionFactory resolves a connection factory by name
	LookupConnectionFactory(ctx context.Context, nc NamingContext, name string) (ConnectionFactory, error)

	// Connect opens a connection, unauthenticated when creds is nil
	Connect(ctx context.Context, factory ConnectionFactory, creds *Credentials) (Connection, error)

	// OpenSession opens a session with fixed transactionality and ack mode
	OpenSession(ctx context.Context, conn Connection, transactional bool, ackMode AckMode) (Session, error)

	// ResolveDestination resolves or creates a destination by name
	ResolveDestination(ctx context.Context, nc NamingContext, name string) (Destination, error)

	// CreateTemporaryDestination creates a destination scoped to the session's connection
	CreateTemporaryDestination(ctx context.Context, session Session) (Destination, error)

	// CreateProducer creates a producer bound to dest
	CreateProducer(ctx context.Context, session Session, dest Destination) (Producer, error)

	// CreateConsumer creates a consumer bound to dest
	CreateConsumer(ctx context.Context, session Session, dest Destination) (Consumer, error)

	// Send sends out through producer
	Send(ctx context.Context, producer Producer, out *Outbound) error

	// Receive waits up to timeout for a delivery. It returns nil, nil when
	// nothing arrived in time.
	Receive(ctx context.Context, consumer Consumer, timeout time.Duration) (*Delivery, error)

	// Commit commits the current transaction of a transactional session
	Commit(ctx context.Context, session Session) error
}
