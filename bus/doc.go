// Package bus binds a messaging.Transport to one destination and offers
// send, receive and request/reply over it.
//
// Broker resources are held in a ResourceGraph. Each slot (connection
// factory, connection, session, destination, producer, consumer, reply
// destination, reply consumer) is built on first use, memoized, and released
// in reverse creation order when the bus closes. A slot can be overridden
// with an externally owned value, which the graph never releases.
//
// Outbound messages pass through the registered transforms before they are
// converted to the wire shape; inbound messages pass through them after
// conversion. A transform may drop a message.
//
// Requests are matched to replies by correlation ID in a ReplyCorrelator.
// One background loop per bus drains the reply destination and hands each
// reply to its waiter; unmatched replies are counted and discarded.
//
//	b, err := bus.New(transport,
//	    bus.WithDestinationName("orders"),
//	    bus.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	reply, err := b.Request(ctx, contracts.NewMessage(contracts.WithString("ping")), 5*time.Second)
package bus
