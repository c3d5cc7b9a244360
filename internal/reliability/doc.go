// Package reliability paces work against a failing dependency.
//
// A CircuitBreaker counts consecutive failures and, once the threshold is
// reached, rejects work until a cool-down elapses. An ExponentialBackoff
// spaces out attempts after errors.
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithOpenTimeout(30*time.Second),
//	)
//	if err := cb.Allow(); err != nil {
//	    return err
//	}
//	cb.Record(forward(ctx, msg))
package reliability
