package crm

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDispatchOrder(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var got []string
	record := func(name string) Handler {
		return func(ev Event) {
			got = append(got, name+":"+ev.(*NewPayment).Payment.ID)
		}
	}
	d.Subscribe(record("a"))
	d.Subscribe(record("b"))

	require.NoError(t, d.Dispatch([]byte(paymentFrame("p1", "Ana", 10, PaymentPending))))
	require.NoError(t, d.Dispatch([]byte(paymentFrame("p2", "Bo", 20, PaymentPending))))
	require.Equal(t, []string{"a:p1", "b:p1", "a:p2", "b:p2"}, got)
}

func TestSubscribeSameHandlerTwice(t *testing.T) {
	d := NewDispatcher(nil, nil)
	var calls int
	h := func(Event) { calls++ }

	revokeFirst := d.Subscribe(h)
	d.Subscribe(h)
	require.Equal(t, 2, d.Len())

	require.NoError(t, d.Dispatch([]byte(ticketFrame("t1", "s", TicketOpen))))
	require.Equal(t, 2, calls)

	revokeFirst()
	revokeFirst()
	require.Equal(t, 1, d.Len())

	require.NoError(t, d.Dispatch([]byte(ticketFrame("t2", "s", TicketOpen))))
	require.Equal(t, 3, calls)
}

func TestRevokedHandlerIsNotInvoked(t *testing.T) {
	d := NewDispatcher(nil, nil)
	var a, b, c int
	d.Subscribe(func(Event) { a++ })
	revokeB := d.Subscribe(func(Event) { b++ })
	d.Subscribe(func(Event) { c++ })

	frame := []byte(paymentFrame("p1", "Ana", 10, PaymentPending))
	require.NoError(t, d.Dispatch(frame))
	revokeB()
	require.NoError(t, d.Dispatch(frame))

	require.Equal(t, 2, a)
	require.Equal(t, 1, b)
	require.Equal(t, 2, c)
}

func TestRevokeDuringDispatch(t *testing.T) {
	d := NewDispatcher(nil, nil)
	var revokeB func()
	var bCalls int
	d.Subscribe(func(Event) { revokeB() })
	revokeB = d.Subscribe(func(Event) { bCalls++ })

	require.NoError(t, d.Dispatch([]byte(paymentFrame("p1", "Ana", 10, PaymentPending))))
	require.Zero(t, bCalls)
}

func TestDispatchDropsWithoutDelivering(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := NewDispatcher(nil, m)

	var calls int
	d.Subscribe(func(Event) { calls++ })

	require.NoError(t, d.Dispatch([]byte(`{"type":"pong"}`)))
	require.ErrorIs(t, d.Dispatch([]byte(`not json`)), ErrMalformedFrame)
	require.ErrorIs(t, d.Dispatch([]byte(`null`)), ErrMalformedFrame)
	require.ErrorIs(t, d.Dispatch([]byte(`{"type":"typing"}`)), ErrUnknownEvent)
	require.ErrorIs(t, d.Dispatch([]byte(`{"type":"new_ticket","ticket":{"_id":"t1"}}`)), ErrInvalidEvent)
	require.Zero(t, calls)

	require.Equal(t, 2.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("invalid")))

	require.NoError(t, d.Dispatch([]byte(ticketFrame("t1", "s", TicketOpen))))
	require.Equal(t, 1, calls)
	require.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues(string(EventNewTicket))))
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(nil, m)

	var after int
	d.Subscribe(func(Event) { panic("boom") })
	d.Subscribe(func(Event) { after++ })

	require.NotPanics(t, func() {
		require.NoError(t, d.Dispatch([]byte(ticketFrame("t1", "s", TicketOpen))))
	})
	require.Equal(t, 1, after)
	require.Equal(t, 1.0, testutil.ToFloat64(m.handlerPanics))
}

func TestDispatchIsSerialized(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var inFlight, maxInFlight atomic.Int32
	d.Subscribe(func(Event) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		inFlight.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch([]byte(ticketFrame("t1", "s", TicketOpen)))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInFlight.Load())
}
