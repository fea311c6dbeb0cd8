package crm

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Notifications
// ============================================================================

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// DefaultToastDuration is how long a toast stays visible.
const DefaultToastDuration = 5 * time.Second

// Messages shown for connectivity changes.
const (
	msgConnectionLost = "Connection lost. Please refresh the page."
	msgReconnected    = "Server reconnected"
	msgReconnecting   = "Reconnecting..."
	msgSessionExpired = "Session expired. Please login again."
)

// Notification is a transient user-visible alert.
type Notification struct {
	ID             string
	Level          Level
	Title          string
	Body           string
	ConversationID string
	Sound          bool
	Duration       time.Duration
	// View is the toast's action, if any.
	View func(ctx context.Context) error
}

// Notifier displays notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func newNotification(level Level, title, body string) Notification {
	return Notification{
		ID:       uuid.Must(uuid.NewV4()).String(),
		Level:    level,
		Title:    title,
		Body:     body,
		Duration: DefaultToastDuration,
	}
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notification) {
	fields := []zap.Field{
		zap.String("id", n.ID),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Bool("sound", n.Sound),
	}
	if n.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", n.ConversationID))
	}
	if n.Level == LevelError {
		l.Logger.Error("notification", fields...)
		return
	}
	l.Logger.Info("notification", fields...)
}

// ============================================================================
// Alerts subscriber
// ============================================================================

// ConversationOpener opens a conversation and clears its unread counter.
type ConversationOpener interface {
	Open(ctx context.Context, conversationID string) error
}

// Alerts turns validated events into toasts. It never touches cached state;
// subscribe it next to the reconciliation views.
type Alerts struct {
	notifier Notifier
	opener   ConversationOpener
	sound    *rate.Limiter
}

type AlertsOption func(*Alerts)

// WithOpener sets what a message toast's View action opens.
func WithOpener(o ConversationOpener) AlertsOption {
	return func(a *Alerts) { a.opener = o }
}

// WithSoundLimit throttles notification sounds to one per interval with the given burst.
func WithSoundLimit(every time.Duration, burst int) AlertsOption {
	return func(a *Alerts) { a.sound = rate.NewLimiter(rate.Every(every), burst) }
}

func NewAlerts(n Notifier, opts ...AlertsOption) *Alerts {
	if n == nil {
		n = nopNotifier{}
	}
	a := &Alerts{
		notifier: n,
		sound:    rate.NewLimiter(rate.Every(time.Second), 3),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle is a Dispatcher Handler.
func (a *Alerts) Handle(ev Event) {
	var n Notification
	switch e := ev.(type) {
	case *NewCustomerMessage:
		n = newNotification(LevelInfo, e.Conversation.CustomerName, e.Message.Content)
		n.ConversationID = e.Message.ConversationID
		if a.opener != nil {
			id := e.Message.ConversationID
			n.View = func(ctx context.Context) error { return a.opener.Open(ctx, id) }
		}
	case *NewPayment:
		n = newNotification(LevelSuccess, "New payment received", e.Payment.CustomerName)
	case *NewTicket:
		n = newNotification(LevelSuccess, "New ticket created: "+e.Ticket.Subject, e.Ticket.Description)
	default:
		return
	}
	n.Sound = a.sound.Allow()
	a.notifier.Notify(n)
}

// ============================================================================
// Connection status watcher
// ============================================================================

// StatusSource reports channel status without side effects.
type StatusSource interface {
	Status() ConnStatus
}

// StatusWatcher polls a StatusSource and announces connectivity transitions.
type StatusWatcher struct {
	source   StatusSource
	notifier Notifier
	interval time.Duration
	last     bool
}

// NewStatusWatcher samples the source once; Run reports changes from that baseline.
func NewStatusWatcher(source StatusSource, n Notifier, interval time.Duration) *StatusWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &StatusWatcher{
		source:   source,
		notifier: n,
		interval: interval,
		last:     source.Status().Connected,
	}
}

// Run polls until ctx is done.
func (w *StatusWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := w.last
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := w.source.Status()
			switch {
			case cur.Connected && !last:
				w.notifier.Notify(newNotification(LevelSuccess, msgReconnected, ""))
			case !cur.Connected && last:
				w.notifier.Notify(newNotification(LevelError, msgReconnecting, ""))
			}
			last = cur.Connected
		}
	}
}
