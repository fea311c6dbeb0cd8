package crm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newTestRealtime(t *testing.T, cfg RealtimeConfig) (*RealtimeClient, *fakeDialer, *recordingNotifier, *Dispatcher) {
	t.Helper()
	dialer := &fakeDialer{}
	notes := &recordingNotifier{}
	if cfg.Token == "" {
		cfg.Token = "tok"
	}
	cfg.Dialer = dialer.Dial
	cfg.Notifier = notes
	d := NewDispatcher(nil, nil)
	rc := NewRealtimeClient("http://crm.test/", d, &cfg)
	t.Cleanup(func() { _ = rc.Disconnect() })
	return rc, dialer, notes, d
}

func TestConnectRequiresToken(t *testing.T) {
	dialer := &fakeDialer{}
	rc := NewRealtimeClient("ws://crm.test", NewDispatcher(nil, nil), &RealtimeConfig{Dialer: dialer.Dial})

	require.ErrorIs(t, rc.Connect(context.Background()), ErrNoToken)
	require.Zero(t, dialer.dials())
	require.Equal(t, StateAbsent, rc.Status().State)
}

func TestConnectOpensOnce(t *testing.T) {
	rc, dialer, _, _ := newTestRealtime(t, RealtimeConfig{Token: "a b"})
	ctx := context.Background()

	require.NoError(t, rc.Connect(ctx))
	require.NoError(t, rc.Connect(ctx))

	require.Equal(t, 1, dialer.dials())
	require.Equal(t, "ws://crm.test/socket?token=a+b", dialer.urls[0])
	st := rc.Status()
	require.True(t, st.Connected)
	require.Zero(t, st.Attempts)
	require.Equal(t, StateOpen, st.State)
}

func TestDisconnect(t *testing.T) {
	rc, dialer, _, _ := newTestRealtime(t, RealtimeConfig{})
	require.NoError(t, rc.Disconnect(), "no channel yet")

	require.NoError(t, rc.Connect(context.Background()))
	conn := dialer.last()
	require.NoError(t, rc.Disconnect())
	require.NoError(t, rc.Disconnect())

	code, reason := conn.closedWith()
	require.Equal(t, websocket.StatusNormalClosure, code)
	require.Equal(t, "User disconnected", reason)
	st := rc.Status()
	require.False(t, st.Connected)
	require.Equal(t, StateAbsent, st.State)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, dialer.dials(), "intentional close never reconnects")
}

func TestAbnormalCloseReconnectsAndResets(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	rc, dialer, notes, _ := newTestRealtime(t, RealtimeConfig{ReconnectDelay: 300 * time.Millisecond, Metrics: m})

	require.NoError(t, rc.Connect(context.Background()))
	dialer.last().drop(websocket.StatusAbnormalClosure)

	require.Eventually(t, func() bool {
		st := rc.Status()
		return st.State == StateClosed && st.Attempts == 1
	}, 250*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, websocket.StatusAbnormalClosure, rc.Status().CloseCode)
	require.Equal(t, 1, dialer.dials(), "retry waits for the delay")

	require.Eventually(t, func() bool {
		st := rc.Status()
		return st.Connected && st.Attempts == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, dialer.dials())
	require.Empty(t, notes.all())
	require.Equal(t, 1.0, testutil.ToFloat64(m.reconnectAttempts))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connected))
}

func TestReconnectAttemptsAreBounded(t *testing.T) {
	rc, dialer, notes, _ := newTestRealtime(t, RealtimeConfig{ReconnectDelay: 10 * time.Millisecond})
	dialer.setFail(true)

	require.Error(t, rc.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(notes.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 6, dialer.dials(), "initial attempt plus five retries")
	require.Equal(t, []string{"Connection lost. Please refresh the page."}, notes.titles())
	require.Equal(t, LevelError, notes.all()[0].Level)
	st := rc.Status()
	require.False(t, st.Connected)
	require.Equal(t, 5, st.Attempts)

	// With the budget spent, a failing manual connect does not retry.
	require.Error(t, rc.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 7, dialer.dials())
	require.Len(t, notes.all(), 2)
	require.Equal(t, 5, rc.Status().Attempts)

	// Only a successful dial resets the counter.
	dialer.setFail(false)
	require.NoError(t, rc.Connect(context.Background()))
	require.Zero(t, rc.Status().Attempts)
}

func TestNormalClosureNeverRetries(t *testing.T) {
	rc, dialer, notes, _ := newTestRealtime(t, RealtimeConfig{ReconnectDelay: 10 * time.Millisecond})

	require.NoError(t, rc.Connect(context.Background()))
	dialer.last().drop(websocket.StatusNormalClosure)

	require.Eventually(t, func() bool {
		return rc.Status().State == StateClosed
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 1, dialer.dials())
	require.Zero(t, rc.Status().Attempts)
	require.Empty(t, notes.all())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	rc, dialer, _, _ := newTestRealtime(t, RealtimeConfig{ReconnectDelay: 100 * time.Millisecond})

	require.NoError(t, rc.Connect(context.Background()))
	dialer.last().drop(websocket.StatusGoingAway)
	require.Eventually(t, func() bool {
		return rc.Status().Attempts == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rc.Disconnect())
	time.Sleep(250 * time.Millisecond)

	require.Equal(t, 1, dialer.dials())
	st := rc.Status()
	require.Equal(t, StateAbsent, st.State)
	require.Zero(t, st.Attempts)
}

func TestHeartbeatSendsPing(t *testing.T) {
	rc, dialer, _, _ := newTestRealtime(t, RealtimeConfig{HeartbeatInterval: 10 * time.Millisecond})

	require.NoError(t, rc.Connect(context.Background()))
	conn := dialer.last()

	require.Eventually(t, func() bool {
		return len(conn.written()) >= 2
	}, time.Second, 5*time.Millisecond)
	for _, w := range conn.written() {
		require.JSONEq(t, `{"type":"ping"}`, w)
	}
}

func TestReadLoopDispatchesInArrivalOrder(t *testing.T) {
	rc, dialer, _, d := newTestRealtime(t, RealtimeConfig{})

	var mu sync.Mutex
	var got []string
	d.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.(*NewTicket).Ticket.ID)
	})

	require.NoError(t, rc.Connect(context.Background()))
	conn := dialer.last()
	conn.push(ticketFrame("t1", "a", TicketOpen))
	conn.push(`{"type":"pong"}`)
	conn.push(`garbage`)
	conn.push(ticketFrame("t2", "b", TicketOpen))
	conn.push(ticketFrame("t3", "c", TicketOpen))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"t1", "t2", "t3"}, got)
	require.True(t, rc.Status().Connected, "bad frames never end the channel")
}

func TestRealtimeOverWebSocket(t *testing.T) {
	var accepts atomic.Int32
	tokens := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket" {
			http.NotFound(w, r)
			return
		}
		tokens <- r.URL.Query().Get("token")
		n := accepts.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(paymentFrame("p1", "Ana", float64(n*100), PaymentPending)))
		if n == 1 {
			_ = c.Close(websocket.StatusInternalError, "restarting")
			return
		}
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(data), `"ping"`) {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
			}
		}
	}))
	defer srv.Close()

	d := NewDispatcher(nil, nil)
	board := NewPaymentBoard(nil, ListView, nil)
	defer d.Subscribe(board.Handle)()

	rc := NewRealtimeClient(srv.URL, d, &RealtimeConfig{
		Token:             "secret",
		ReconnectDelay:    50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	defer rc.Disconnect()

	require.NoError(t, rc.Connect(context.Background()))

	require.Eventually(t, func() bool {
		st := rc.Status()
		return accepts.Load() == 2 && st.Connected && st.Attempts == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "secret", <-tokens)
	require.Equal(t, "secret", <-tokens)

	require.Eventually(t, func() bool {
		p := board.Payments()
		return len(p) == 1 && p[0].Amount == 200
	}, time.Second, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	require.True(t, rc.Status().Connected, "heartbeat keeps the channel open")
	_ = rc.Disconnect()
	require.Equal(t, StateAbsent, rc.Status().State)
}
