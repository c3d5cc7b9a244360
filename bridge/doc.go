// Package bridge moves messages between two buses.
//
// A MessageBridge receives from a source bus and sends to a destination bus.
// With request/reply enabled, a source message that names a reply
// destination is forwarded as a request; the reply from the destination
// side is sent back to the original sender with the original correlation ID.
//
// Basic usage:
//
//	b, err := bridge.NewMessageBridge("orders", rabbitBus, natsBus,
//	    bridge.WithRequestTimeout(10*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	// blocks until ctx is cancelled
//	_ = b.Run(ctx)
//
// Any type with Send, Receive, Request and Close satisfies MessageBus;
// *bus.Bus does, and also implements Replier.
package bridge
