package crm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a channel to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, u string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var pingFrame = []byte(`{"type":"` + string(EventPing) + `"}`)

const disconnectReason = "User disconnected"

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push channel client.
type RealtimeConfig struct {
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// DialTimeout bounds reconnect dials started by the retry timer.
	DialTimeout time.Duration
	Dialer      Dialer
	Logger      *zap.Logger
	Notifier    Notifier
	Metrics     *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = DialWebSocket
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
}

// ChannelState is the lifecycle state of the push channel.
type ChannelState string

const (
	StateAbsent     ChannelState = "absent"
	StateConnecting ChannelState = "connecting"
	StateOpen       ChannelState = "open"
	StateClosed     ChannelState = "closed"
)

// ConnStatus is a side-effect free snapshot of the channel.
type ConnStatus struct {
	Connected   bool
	Attempts    int
	State       ChannelState
	CloseCode   websocket.StatusCode
	CloseReason string
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single push channel of a session: it keeps it alive
// with a heartbeat, feeds every inbound frame to a Dispatcher and reconnects
// after abnormal closures with a fixed delay and a bounded number of attempts.
type RealtimeClient struct {
	baseURL    string
	config     RealtimeConfig
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	state       ChannelState
	closeCode   websocket.StatusCode
	closeReason string
	conn        Conn
	cancelFn    context.CancelFunc
	attempts    int
	retryTimer  *time.Timer
	// gen changes whenever the current channel is replaced or torn down,
	// so callbacks from an older channel can tell they are stale.
	gen uint64
}

// NewRealtimeClient creates a client for the push endpoint under baseURL.
// http(s) base URLs are rewritten to ws(s).
func NewRealtimeClient(baseURL string, d *Dispatcher, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	return &RealtimeClient{
		baseURL:    u,
		config:     cfg,
		dispatcher: d,
		logger:     cfg.Logger.Named("realtime"),
		token:      cfg.Token,
		state:      StateAbsent,
	}
}

// SetToken sets the credential used by the next Connect.
func (rc *RealtimeClient) SetToken(token string) {
	rc.mu.Lock()
	rc.token = token
	rc.mu.Unlock()
}

// Status returns the current connectivity and retry count.
func (rc *RealtimeClient) Status() ConnStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return ConnStatus{
		Connected:   rc.state == StateOpen,
		Attempts:    rc.attempts,
		State:       rc.state,
		CloseCode:   rc.closeCode,
		CloseReason: rc.closeReason,
	}
}

func (rc *RealtimeClient) endpoint(token string) string {
	return rc.baseURL + "/socket?token=" + url.QueryEscape(token)
}

// Connect opens the channel. It is a no-op while a channel is connecting or open.
// ctx bounds the dial only; the channel then lives until Disconnect or loss.
// A failed dial is handled like an abnormal closure, so it also schedules a retry.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.token == "" {
		rc.mu.Unlock()
		return ErrNoToken
	}
	if state := rc.state; state == StateConnecting || state == StateOpen {
		rc.mu.Unlock()
		rc.logger.Debug("connect skipped", zap.String("state", string(state)))
		return nil
	}
	if rc.retryTimer != nil {
		rc.retryTimer.Stop()
		rc.retryTimer = nil
	}
	rc.state = StateConnecting
	rc.gen++
	gen := rc.gen
	endpoint := rc.endpoint(rc.token)
	rc.mu.Unlock()

	rc.logger.Info("opening channel", zap.String("url", rc.baseURL+"/socket"))
	conn, err := rc.config.Dialer(ctx, endpoint)

	rc.mu.Lock()
	if gen != rc.gen {
		// Disconnect ran while dialing.
		rc.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, disconnectReason)
		}
		return ErrNotConnected
	}
	if err != nil {
		rc.mu.Unlock()
		rc.handleClose(gen, websocket.StatusAbnormalClosure, err.Error())
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.conn = conn
	rc.cancelFn = cancel
	rc.state = StateOpen
	rc.closeCode, rc.closeReason = 0, ""
	rc.attempts = 0
	rc.mu.Unlock()

	rc.config.Metrics.setConnected(true)
	rc.logger.Info("channel open")

	go rc.readLoop(connCtx, gen, conn)
	go rc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the channel with a normal closure and clears all timers.
// It is safe to call at any time.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.gen++
	if rc.retryTimer != nil {
		rc.retryTimer.Stop()
		rc.retryTimer = nil
	}
	conn, cancel := rc.conn, rc.cancelFn
	rc.conn, rc.cancelFn = nil, nil
	rc.attempts = 0
	rc.state = StateAbsent
	rc.closeCode, rc.closeReason = 0, ""
	rc.mu.Unlock()

	if conn == nil {
		return nil
	}
	rc.config.Metrics.setConnected(false)
	rc.logger.Info("closing channel")
	err := conn.Close(websocket.StatusNormalClosure, disconnectReason)
	if cancel != nil {
		cancel()
	}
	return err
}

func (rc *RealtimeClient) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			code, reason := closeDetails(err)
			rc.handleClose(gen, code, reason)
			return
		}
		rc.config.Metrics.frameReceived()
		// Errors are logged by the dispatcher; a bad frame never ends the loop.
		_ = rc.dispatcher.Dispatch(data)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, pingFrame); err != nil {
				if ctx.Err() != nil {
					return
				}
				rc.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// handleClose applies the retry policy after the channel of generation gen ended.
func (rc *RealtimeClient) handleClose(gen uint64, code websocket.StatusCode, reason string) {
	rc.mu.Lock()
	if gen != rc.gen {
		rc.mu.Unlock()
		return
	}
	if rc.cancelFn != nil {
		rc.cancelFn()
	}
	rc.conn, rc.cancelFn = nil, nil
	rc.state = StateClosed
	rc.closeCode, rc.closeReason = code, reason

	logger := rc.logger.With(zap.Int("code", int(code)), zap.String("reason", reason))

	if code == websocket.StatusNormalClosure {
		rc.mu.Unlock()
		rc.config.Metrics.setConnected(false)
		logger.Info("channel closed")
		return
	}

	if rc.attempts < rc.config.MaxReconnectAttempts {
		rc.attempts++
		attempt := rc.attempts
		rc.retryTimer = time.AfterFunc(rc.config.ReconnectDelay, func() { rc.reconnect(gen) })
		rc.mu.Unlock()

		rc.config.Metrics.setConnected(false)
		rc.config.Metrics.reconnectScheduled()
		logger.Warn("channel lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", rc.config.MaxReconnectAttempts),
			zap.Duration("delay", rc.config.ReconnectDelay),
		)
		return
	}
	rc.mu.Unlock()

	rc.config.Metrics.setConnected(false)
	logger.Error("max reconnection attempts reached")
	rc.config.Notifier.Notify(newNotification(LevelError, msgConnectionLost, ""))
}

func (rc *RealtimeClient) reconnect(gen uint64) {
	rc.mu.Lock()
	if gen != rc.gen || rc.state != StateClosed {
		rc.mu.Unlock()
		return
	}
	rc.retryTimer = nil
	rc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rc.config.DialTimeout)
	defer cancel()
	if err := rc.Connect(ctx); err != nil {
		rc.logger.Debug("reconnect failed", zap.Error(err))
	}
}

// closeDetails extracts the close code of a read error. Errors without a close
// frame count as an abnormal closure.
func closeDetails(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return websocket.StatusAbnormalClosure, err.Error()
}
