package contracts

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// TimeSource supplies message timestamps
type TimeSource func() time.Time

// SystemTime is the default TimeSource
func SystemTime() time.Time {
	return time.Now().UTC()
}

// FixedTime returns a TimeSource that always reports t
func FixedTime(t time.Time) TimeSource {
	return func() time.Time { return t }
}

// ReplyTo describes where a reply to a message should be sent
type ReplyTo struct {
	Destination string
}

// IsZero reports whether no reply destination is set
func (r ReplyTo) IsZero() bool {
	return r.Destination == ""
}

// Message is the bridge-native message. It is immutable: every With method
// returns a modified copy and the getters never expose internal maps.
type Message struct {
	id            string
	headers       map[string]string
	correlationID string
	replyTo       ReplyTo
	body          Body
	timestamp     time.Time
}

// MessageOption configures a message under construction
type MessageOption func(*Message)

// WithID sets an explicit message ID
func WithID(id string) MessageOption {
	return func(m *Message) {
		m.id = id
	}
}

// WithHeaders copies the given headers onto the message
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range headers {
			m.headers[k] = v
		}
	}
}

// WithHeaderValue sets a single header
func WithHeaderValue(key, value string) MessageOption {
	return func(m *Message) {
		m.headers[key] = value
	}
}

// WithCorrelation sets the correlation ID
func WithCorrelation(correlationID string) MessageOption {
	return func(m *Message) {
		m.correlationID = correlationID
	}
}

// WithReplyDestination sets the reply-to descriptor
func WithReplyDestination(destination string) MessageOption {
	return func(m *Message) {
		m.replyTo = ReplyTo{Destination: destination}
	}
}

// WithBytes sets an opaque byte body
func WithBytes(payload []byte) MessageOption {
	return func(m *Message) {
		m.body = BytesBody(payload)
	}
}

// WithString sets an opaque body from a string
func WithString(payload string) MessageOption {
	return func(m *Message) {
		m.body = BytesBody([]byte(payload))
	}
}

// WithFields sets a structured key/value body
func WithFields(fields map[string]any) MessageOption {
	return func(m *Message) {
		m.body = FieldsBody(fields)
	}
}

// WithTimeSource stamps the message using ts instead of the system clock
func WithTimeSource(ts TimeSource) MessageOption {
	return func(m *Message) {
		if ts != nil {
			m.timestamp = ts()
		}
	}
}

// WithTimestamp sets the timestamp directly
func WithTimestamp(t time.Time) MessageOption {
	return func(m *Message) {
		m.timestamp = t
	}
}

// NewMessage creates a message with a generated ID
func NewMessage(options ...MessageOption) Message {
	m := Message{
		headers: make(map[string]string),
	}
	for _, opt := range options {
		opt(&m)
	}
	if m.id == "" {
		m.id = uuid.New().String()
	}
	if m.timestamp.IsZero() {
		m.timestamp = SystemTime()
	}
	return m
}

// GetID returns the message ID
func (m Message) GetID() string {
	return m.id
}

// GetHeaders returns a copy of the headers
func (m Message) GetHeaders() map[string]string {
	return maps.Clone(m.headers)
}

// GetHeader returns a single header value
func (m Message) GetHeader(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// GetCorrelationID returns the correlation ID, empty when none was set
func (m Message) GetCorrelationID() string {
	return m.correlationID
}

// HasCorrelationID reports whether a correlation ID is set
func (m Message) HasCorrelationID() bool {
	return m.correlationID != ""
}

// GetReplyTo returns the reply-to descriptor
func (m Message) GetReplyTo() ReplyTo {
	return m.replyTo
}

// GetBody returns the message body
func (m Message) GetBody() Body {
	return m.body.clone()
}

// GetTimestamp returns the message timestamp
func (m Message) GetTimestamp() time.Time {
	return m.timestamp
}

// IsZero reports whether m is the zero Message
func (m Message) IsZero() bool {
	return m.id == ""
}

func (m Message) copy() Message {
	c := m
	c.headers = maps.Clone(m.headers)
	if c.headers == nil {
		c.headers = make(map[string]string)
	}
	c.body = m.body.clone()
	return c
}

// WithHeader returns a copy of m with the header set
func (m Message) WithHeader(key, value string) Message {
	c := m.copy()
	c.headers[key] = value
	return c
}

// WithoutHeader returns a copy of m without the header
func (m Message) WithoutHeader(key string) Message {
	c := m.copy()
	delete(c.headers, key)
	return c
}

// WithBody returns a copy of m carrying body
func (m Message) WithBody(body Body) Message {
	c := m.copy()
	c.body = body.clone()
	return c
}

// WithCorrelationID returns a copy of m with the correlation ID set
func (m Message) WithCorrelationID(correlationID string) Message {
	c := m.copy()
	c.correlationID = correlationID
	return c
}

// WithReplyTo returns a copy of m with the reply-to descriptor set
func (m Message) WithReplyTo(replyTo ReplyTo) Message {
	c := m.copy()
	c.replyTo = replyTo
	return c
}
