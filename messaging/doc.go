// Package messaging defines the capability set a broker client must offer
// to sit under a bus.
//
// A Transport opens connections and sessions, resolves named or temporary
// destinations, and creates producers and consumers. The resources it hands
// back are opaque to callers; the bus only stores them and passes them back
// to the same transport. Outbound and Delivery are the wire-level message
// shapes on either side of the transport boundary.
//
// Implementations live under transports/. internal/memtransport provides an
// in-process transport for tests.
package messaging
