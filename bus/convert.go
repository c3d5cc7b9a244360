package bus

import (
	"fmt"
	"maps"

	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/transform"
)

// BodyKindHeader marks structured bodies on the wire. It is set and stripped
// by the bus regardless of header copying.
const BodyKindHeader = "busbridge-body-kind"

// converter turns transport deliveries into bridge messages and back,
// running the transform pipeline on each conversion
type converter struct {
	pipeline    *transform.Pipeline
	copyHeaders bool
	timeSource  contracts.TimeSource
}

// toMessage converts a delivery. ok is false when a transform dropped it.
func (c *converter) toMessage(d *messaging.Delivery) (contracts.Message, bool, error) {
	body := contracts.BytesBody(d.Payload)
	if len(d.Payload) == 0 {
		body = contracts.Body{}
	} else if d.Headers[BodyKindHeader] == contracts.BodyFields.String() {
		decoded, err := contracts.DecodeFields(d.Payload)
		if err != nil {
			return contracts.Message{}, false, &transform.TransformError{Stage: "decode-body", Direction: transform.Inbound, Err: err}
		}
		body = decoded
	}

	opts := []contracts.MessageOption{
		contracts.WithTimeSource(c.timeSource),
		contracts.WithCorrelation(d.CorrelationID),
		contracts.WithReplyDestination(d.ReplyTo),
	}
	if c.copyHeaders && len(d.Headers) > 0 {
		headers := maps.Clone(d.Headers)
		delete(headers, BodyKindHeader)
		opts = append(opts, contracts.WithHeaders(headers))
	}

	msg := contracts.NewMessage(opts...).WithBody(body)
	return c.pipeline.Apply(msg, transform.Inbound)
}

// toOutbound converts a message for sending. ok is false when a transform
// dropped it.
func (c *converter) toOutbound(msg contracts.Message) (*messaging.Outbound, bool, error) {
	msg, ok, err := c.pipeline.Apply(msg, transform.Outbound)
	if err != nil || !ok {
		return nil, ok, err
	}

	body := msg.GetBody()
	payload, err := body.Bytes()
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode message %s: %w", msg.GetID(), err)
	}

	headers := make(map[string]string)
	if c.copyHeaders {
		headers = msg.GetHeaders()
	}
	if body.Kind() == contracts.BodyFields {
		headers[BodyKindHeader] = contracts.BodyFields.String()
	} else {
		delete(headers, BodyKindHeader)
	}

	return &messaging.Outbound{
		Payload:       payload,
		Headers:       headers,
		CorrelationID: msg.GetCorrelationID(),
		ReplyTo:       msg.GetReplyTo().Destination,
		Timestamp:     msg.GetTimestamp(),
	}, true, nil
}
