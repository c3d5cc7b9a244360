package bus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/busbridge/contracts"
	"github.com/glimte/busbridge/internal/memtransport"
	"github.com/glimte/busbridge/messaging"
	"github.com/glimte/busbridge/monitor"
	"github.com/glimte/busbridge/transform"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestBus(t *testing.T, mt *memtransport.Transport, options ...Option) *Bus {
	t.Helper()
	options = append([]Option{
		WithDestinationName("requests"),
		WithLogger(quietLogger()),
		WithReplyPollInterval(5 * time.Millisecond),
	}, options...)
	b, err := New(mt, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// pongResponder answers every request sent to "requests" with "pong"
func pongResponder(mt *memtransport.Transport, delay time.Duration) {
	mt.OnSend(func(dest string, out messaging.Outbound) {
		if dest != "requests" || out.ReplyTo == "" {
			return
		}
		reply := &messaging.Delivery{Payload: []byte("pong"), CorrelationID: out.CorrelationID}
		if delay == 0 {
			mt.Deliver(out.ReplyTo, reply)
			return
		}
		go func() {
			time.Sleep(delay)
			mt.Deliver(out.ReplyTo, reply)
		}()
	})
}

func dropHeader(key string) transform.Registry {
	return transform.StaticRegistry{transform.NewDescriptor("drop-"+key, 1, transform.HeaderFilter(key, ""))}
}

func TestNew(t *testing.T) {
	t.Run("Requires a destination", func(t *testing.T) {
		_, err := New(memtransport.New())
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("Requires a transport", func(t *testing.T) {
		_, err := New(nil, WithDestinationName("x"))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("Builds nothing until first use", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		assert.Equal(t, 0, mt.Calls(memtransport.OpOpenContext))
		assert.Empty(t, b.Graph().Order())
		assert.Equal(t, "requests", b.Destination())
	})
}

func TestBusSend(t *testing.T) {
	t.Run("Sends and memoizes resources", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		require.NoError(t, b.Send(context.Background(), contracts.NewMessage(contracts.WithString("one"))))
		require.NoError(t, b.Send(context.Background(), contracts.NewMessage(contracts.WithString("two"))))

		sent := mt.Sent("requests")
		require.Len(t, sent, 2)
		assert.Equal(t, []byte("one"), sent[0].Payload)
		assert.Equal(t, 1, mt.Calls(memtransport.OpConnect))
		assert.Equal(t, 1, mt.Calls(memtransport.OpCreateProducer))
		assert.Nil(t, mt.LastCredentials())
	})

	t.Run("Concurrent first sends build the chain once", func(t *testing.T) {
		mt := memtransport.New()
		mt.SetBuildDelay(20 * time.Millisecond)
		b := newTestBus(t, mt)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, b.Send(context.Background(), contracts.NewMessage()))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, mt.Calls(memtransport.OpOpenContext))
		assert.Equal(t, 1, mt.Calls(memtransport.OpConnect))
		assert.Equal(t, 1, mt.Calls(memtransport.OpOpenSession))
		assert.Len(t, mt.Sent("requests"), 10)
	})

	t.Run("Uses credentials and naming properties", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt,
			WithCredentials("bridge", "secret"),
			WithNamingProperty("queue.requests", "prod.requests"),
			WithAckMode(messaging.ClientAcknowledge),
		)

		require.NoError(t, b.Send(context.Background(), contracts.NewMessage()))

		assert.Len(t, mt.Sent("prod.requests"), 1)
		require.NotNil(t, mt.LastCredentials())
		assert.Equal(t, "bridge", mt.LastCredentials().Principal)
		_, ackMode := mt.LastSession()
		assert.Equal(t, messaging.ClientAcknowledge, ackMode)
	})

	t.Run("Build failure is reported and retried", func(t *testing.T) {
		mt := memtransport.New()
		cause := errors.New("connection refused")
		mt.FailOn(memtransport.OpConnect, cause)
		b := newTestBus(t, mt)

		err := b.Send(context.Background(), contracts.NewMessage())
		var buildErr *ResourceBuildError
		require.ErrorAs(t, err, &buildErr)
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsRecoverable(err))

		mt.FailOn(memtransport.OpConnect, nil)
		require.NoError(t, b.Send(context.Background(), contracts.NewMessage()))
		assert.Equal(t, 2, mt.Calls(memtransport.OpConnect))
	})

	t.Run("Transport send failure is wrapped", func(t *testing.T) {
		mt := memtransport.New()
		mt.FailOn(memtransport.OpSend, errors.New("channel closed"))
		b := newTestBus(t, mt)

		err := b.Send(context.Background(), contracts.NewMessage())
		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "send", opErr.Op)
	})

	t.Run("Dropped message is not sent", func(t *testing.T) {
		mt := memtransport.New()
		metrics := monitor.NewMetrics()
		b := newTestBus(t, mt, WithTransforms(dropHeader("skip")), WithMetrics(metrics), WithCopyHeaders(true))

		require.NoError(t, b.Send(context.Background(), contracts.NewMessage(contracts.WithHeaderValue("skip", "yes"))))
		assert.Empty(t, mt.Sent("requests"))
		assert.Equal(t, int64(1), metrics.Snapshot(false).Events[monitor.EventTransformDrop].Total)
	})

	t.Run("Transform failure stops the send", func(t *testing.T) {
		mt := memtransport.New()
		metrics := monitor.NewMetrics()
		registry := transform.StaticRegistry{transform.NewDescriptor("tenant", 1, transform.RequireHeader("tenant"))}
		b := newTestBus(t, mt, WithTransforms(registry), WithMetrics(metrics))

		err := b.Send(context.Background(), contracts.NewMessage())
		var transformErr *transform.TransformError
		require.ErrorAs(t, err, &transformErr)
		assert.Equal(t, "tenant", transformErr.Stage)
		assert.True(t, IsRecoverable(err))
		assert.Empty(t, mt.Sent("requests"))

		s := metrics.Snapshot(false)
		assert.Equal(t, int64(1), s.Events[monitor.EventTransformFailure].Total)
		assert.Equal(t, int64(1), s.Operations[monitor.OpSend].Failed.Total)
	})

	t.Run("Transactional send commits", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt, WithTransactional(true))

		require.NoError(t, b.Send(context.Background(), contracts.NewMessage()))
		assert.Equal(t, 1, mt.Commits())
		tx, _ := mt.LastSession()
		assert.True(t, tx)
	})
}

func TestBusReceive(t *testing.T) {
	t.Run("Receives a delivery", func(t *testing.T) {
		mt := memtransport.New()
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		b := newTestBus(t, mt, WithTimeSource(contracts.FixedTime(ts)))

		mt.Deliver("requests", &messaging.Delivery{
			Payload:       []byte("hello"),
			Headers:       map[string]string{"tenant": "acme"},
			CorrelationID: "c-1",
			ReplyTo:       "replies",
		})

		msg, ok, err := b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "hello", msg.GetBody().String())
		assert.Equal(t, "c-1", msg.GetCorrelationID())
		assert.Equal(t, "replies", msg.GetReplyTo().Destination)
		assert.Equal(t, ts, msg.GetTimestamp())
		assert.Empty(t, msg.GetHeaders())
	})

	t.Run("Copies headers when enabled", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt, WithCopyHeaders(true))

		mt.Deliver("requests", &messaging.Delivery{Payload: []byte("x"), Headers: map[string]string{"tenant": "acme"}})

		msg, ok, err := b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		v, _ := msg.GetHeader("tenant")
		assert.Equal(t, "acme", v)
	})

	t.Run("Returns nothing on timeout", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		_, ok, err := b.Receive(context.Background(), 10*time.Millisecond)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Structured bodies survive the round trip", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		fields := map[string]any{"order": "42", "qty": float64(3)}
		require.NoError(t, b.Send(context.Background(), contracts.NewMessage(contracts.WithFields(fields))))

		msg, ok, err := b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.BodyFields, msg.GetBody().Kind())
		assert.Equal(t, fields, msg.GetBody().Fields())
		_, hasKind := msg.GetHeader(BodyKindHeader)
		assert.False(t, hasKind)
	})

	t.Run("Client ack acknowledges kept and dropped messages", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt,
			WithAckMode(messaging.ClientAcknowledge),
			WithCopyHeaders(true),
			WithTransforms(dropHeader("skip")),
		)

		mt.Deliver("requests", &messaging.Delivery{Payload: []byte("keep")})
		mt.Deliver("requests", &messaging.Delivery{Payload: []byte("drop"), Headers: map[string]string{"skip": "1"}})

		_, ok, err := b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		_, ok, err = b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		assert.Equal(t, 2, mt.Acks())
	})

	t.Run("Transform failure leaves delivery unacknowledged", func(t *testing.T) {
		mt := memtransport.New()
		registry := transform.StaticRegistry{transform.NewDescriptor("size", 1, transform.MaxBodySize(2))}
		b := newTestBus(t, mt, WithAckMode(messaging.ClientAcknowledge), WithTransforms(registry))

		mt.Deliver("requests", &messaging.Delivery{Payload: []byte("too large")})

		_, ok, err := b.Receive(context.Background(), time.Second)
		assert.False(t, ok)
		assert.ErrorIs(t, err, transform.ErrBodyTooLarge)
		assert.Equal(t, 0, mt.Acks())
	})

	t.Run("Transactional receive commits", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt, WithTransactional(true))
		mt.Deliver("requests", &messaging.Delivery{Payload: []byte("x")})

		_, ok, err := b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, mt.Commits())
	})
}

func TestBusRequest(t *testing.T) {
	t.Run("Ping gets pong", func(t *testing.T) {
		mt := memtransport.New()
		pongResponder(mt, 0)
		metrics := monitor.NewMetrics()
		b := newTestBus(t, mt, WithMetrics(metrics))

		start := time.Now()
		reply, err := b.Request(context.Background(), contracts.NewMessage(contracts.WithString("ping")), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "pong", reply.GetBody().String())
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, 0, b.Pending())

		sent := mt.Sent("requests")
		require.Len(t, sent, 1)
		assert.NotEmpty(t, sent[0].CorrelationID)
		assert.Equal(t, sent[0].CorrelationID, reply.GetCorrelationID())
		assert.Contains(t, mt.TemporaryDestinations(), sent[0].ReplyTo)

		assert.Equal(t, int64(1), metrics.Snapshot(false).Operations[monitor.OpRequest].Count.Total)
	})

	t.Run("Reply destination and loop are created once", func(t *testing.T) {
		mt := memtransport.New()
		pongResponder(mt, 0)
		b := newTestBus(t, mt)

		for i := 0; i < 3; i++ {
			_, err := b.Request(context.Background(), contracts.NewMessage(), time.Second)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, mt.Calls(memtransport.OpCreateTemporary))
		assert.Equal(t, 1, mt.Calls(memtransport.OpCreateConsumer))
	})

	t.Run("Concurrent requests are correlated", func(t *testing.T) {
		mt := memtransport.New()
		mt.OnSend(func(dest string, out messaging.Outbound) {
			if dest == "requests" {
				mt.Deliver(out.ReplyTo, &messaging.Delivery{Payload: out.Payload, CorrelationID: out.CorrelationID})
			}
		})
		b := newTestBus(t, mt)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				body := string(rune('a' + i))
				reply, err := b.Request(context.Background(), contracts.NewMessage(contracts.WithString(body)), 2*time.Second)
				if assert.NoError(t, err) {
					assert.Equal(t, body, reply.GetBody().String())
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("Timeout then late reply is orphaned", func(t *testing.T) {
		mt := memtransport.New()
		pongResponder(mt, 100*time.Millisecond)
		metrics := monitor.NewMetrics()
		b := newTestBus(t, mt, WithMetrics(metrics))

		_, err := b.Request(context.Background(), contracts.NewMessage(), 50*time.Millisecond)
		var timeoutErr *ReplyTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.True(t, IsRecoverable(err))
		assert.Equal(t, 0, b.Pending())

		assert.Eventually(t, func() bool {
			return metrics.Snapshot(false).Events[monitor.EventOrphanedReply].Total == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(1), metrics.Snapshot(false).Events[monitor.EventReplyTimeout].Total)
	})

	t.Run("Reply arriving while the send is still busy is returned", func(t *testing.T) {
		mt := memtransport.New()
		mt.OnSend(func(dest string, out messaging.Outbound) {
			if dest != "requests" {
				return
			}
			mt.Deliver(out.ReplyTo, &messaging.Delivery{Payload: []byte("fast"), CorrelationID: out.CorrelationID})
			time.Sleep(100 * time.Millisecond)
		})
		b := newTestBus(t, mt)

		reply, err := b.Request(context.Background(), contracts.NewMessage(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "fast", reply.GetBody().String())
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("Slow send counts against the reply deadline", func(t *testing.T) {
		mt := memtransport.New()
		mt.OnSend(func(dest string, out messaging.Outbound) {
			if dest == "requests" {
				time.Sleep(300 * time.Millisecond)
			}
		})
		b := newTestBus(t, mt)

		start := time.Now()
		_, err := b.Request(context.Background(), contracts.NewMessage(), 250*time.Millisecond)
		elapsed := time.Since(start)

		var timeoutErr *ReplyTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Less(t, elapsed, 500*time.Millisecond)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("Duplicate correlation ID fails before send", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		msg := contracts.NewMessage(contracts.WithCorrelation("fixed"))
		done := make(chan error, 1)
		go func() {
			_, err := b.Request(context.Background(), msg, time.Second)
			done <- err
		}()
		require.Eventually(t, func() bool { return len(mt.Sent("requests")) == 1 }, time.Second, time.Millisecond)

		_, err := b.Request(context.Background(), msg, time.Second)
		assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
		assert.False(t, IsRecoverable(err))
		assert.Len(t, mt.Sent("requests"), 1)

		mt.Deliver(mt.Sent("requests")[0].ReplyTo, &messaging.Delivery{Payload: []byte("ok"), CorrelationID: "fixed"})
		assert.NoError(t, <-done)
	})

	t.Run("Dropped request is not sent", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt, WithTransforms(dropHeader("skip")), WithCopyHeaders(true))

		_, err := b.Request(context.Background(), contracts.NewMessage(contracts.WithHeaderValue("skip", "1")), time.Second)
		assert.ErrorIs(t, err, ErrDropped)
		assert.Empty(t, mt.Sent("requests"))
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("Failed send forgets the request", func(t *testing.T) {
		mt := memtransport.New()
		mt.FailOn(memtransport.OpSend, errors.New("blocked"))
		b := newTestBus(t, mt)

		_, err := b.Request(context.Background(), contracts.NewMessage(), time.Second)
		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "request", opErr.Op)
		assert.NotEmpty(t, opErr.CorrelationID)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("Uses configured response destination", func(t *testing.T) {
		mt := memtransport.New()
		pongResponder(mt, 0)
		replies, err := mt.ResolveDestination(context.Background(), nil, "replies")
		require.NoError(t, err)
		b := newTestBus(t, mt, WithResponseDestination(replies))

		_, err = b.Request(context.Background(), contracts.NewMessage(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "replies", mt.Sent("requests")[0].ReplyTo)
		assert.Equal(t, 0, mt.Calls(memtransport.OpCreateTemporary))
	})

	t.Run("Close wakes pending request", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		done := make(chan error, 1)
		go func() {
			_, err := b.Request(context.Background(), contracts.NewMessage(), time.Minute)
			done <- err
		}()
		require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, b.Close())
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("request was not woken by Close")
		}
	})
}

func TestBusReply(t *testing.T) {
	t.Run("Replies to the request's reply destination", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)

		request := contracts.NewMessage(
			contracts.WithCorrelation("c-9"),
			contracts.WithReplyDestination("tmp.remote"),
			contracts.WithString("ping"),
		)
		require.NoError(t, b.Reply(context.Background(), request, contracts.NewMessage(contracts.WithString("pong"))))

		sent := mt.Sent("tmp.remote")
		require.Len(t, sent, 1)
		assert.Equal(t, "c-9", sent[0].CorrelationID)
		assert.Equal(t, "pong", string(sent[0].Payload))
		assert.Empty(t, mt.Sent("requests"))
	})

	t.Run("Requires a reply destination", func(t *testing.T) {
		b := newTestBus(t, memtransport.New())
		err := b.Reply(context.Background(), contracts.NewMessage(), contracts.NewMessage())
		assert.ErrorIs(t, err, ErrNoReplyDestination)
	})

	t.Run("Transactional reply commits", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt, WithTransactional(true))

		request := contracts.NewMessage(contracts.WithReplyDestination("tmp.remote"))
		require.NoError(t, b.Reply(context.Background(), request, contracts.NewMessage()))
		assert.Equal(t, 1, mt.Commits())
	})
}

func TestBusClose(t *testing.T) {
	t.Run("Releases in reverse construction order", func(t *testing.T) {
		mt := memtransport.New()
		pongResponder(mt, 0)
		b := newTestBus(t, mt)

		require.NoError(t, b.Send(context.Background(), contracts.NewMessage()))
		_, err := b.Request(context.Background(), contracts.NewMessage(), time.Second)
		require.NoError(t, err)

		require.NoError(t, b.Close())
		assert.Equal(t, []string{
			memtransport.KindConsumer,
			memtransport.KindTemporary,
			memtransport.KindProducer,
			memtransport.KindSession,
			memtransport.KindConnection,
			memtransport.KindContext,
		}, mt.Released())
		assert.Empty(t, mt.TemporaryDestinations())
	})

	t.Run("Aggregates release failures", func(t *testing.T) {
		mt := memtransport.New()
		cause := errors.New("session close timeout")
		mt.FailClose(memtransport.KindSession, cause)
		b := newTestBus(t, mt)
		require.NoError(t, b.Send(context.Background(), contracts.NewMessage()))

		err := b.Close()
		var shutdownErr *ShutdownError
		require.ErrorAs(t, err, &shutdownErr)
		assert.Len(t, shutdownErr.Failures, 1)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, mt.Released(), memtransport.KindConnection)
		assert.Contains(t, mt.Released(), memtransport.KindContext)

		assert.Equal(t, err, b.Close())
	})

	t.Run("Operations after close fail", func(t *testing.T) {
		mt := memtransport.New()
		b := newTestBus(t, mt)
		require.NoError(t, b.Close())

		assert.ErrorIs(t, b.Send(context.Background(), contracts.NewMessage()), ErrClosed)
		_, _, err := b.Receive(context.Background(), time.Millisecond)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = b.Request(context.Background(), contracts.NewMessage(), time.Millisecond)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Empty(t, mt.Released())
	})
}

func TestIsRecoverable(t *testing.T) {
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(ErrClosed))
	assert.False(t, IsRecoverable(&ResourceBuildError{Slot: SlotConnection, Cause: errors.New("x")}))
	assert.True(t, IsRecoverable(&ReplyTimeoutError{CorrelationID: "a", Timeout: time.Second}))
	assert.True(t, IsRecoverable(&transform.TransformError{Stage: "s", Err: errors.New("x")}))
	assert.True(t, IsRecoverable(&OperationError{Op: "send", Err: errors.New("x")}))
	assert.False(t, IsRecoverable(errors.New("plain")))
}
