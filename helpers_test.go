package crm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake transport
// ============================================================================

type fakeConn struct {
	frames    chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	writes      [][]byte
	closeCode   websocket.StatusCode
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.MessageText, f, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// drop simulates the server closing the channel with code.
func (c *fakeConn) drop(code websocket.StatusCode) {
	c.readErr <- websocket.CloseError{Code: code, Reason: "test"}
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) closedWith() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ============================================================================
// Notifications
// ============================================================================

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func (r *recordingNotifier) titles() []string {
	var out []string
	for _, n := range r.all() {
		out = append(out, n.Title)
	}
	return out
}

// ============================================================================
// Fake backend
// ============================================================================

type fakeConversationAPI struct {
	mu        sync.Mutex
	list      []Conversation
	messages  map[string][]Message
	markRead  []string
	sent      []string
	aiEnabled bool
	err       error
}

func (f *fakeConversationAPI) List(context.Context) ([]Conversation, error) {
	return f.list, f.err
}

func (f *fakeConversationAPI) Messages(_ context.Context, id string) ([]Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]Message(nil), f.messages[id]...), nil
}

func (f *fakeConversationAPI) MarkRead(_ context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.markRead = append(f.markRead, id)
	return &Conversation{ID: id}, nil
}

func (f *fakeConversationAPI) Send(_ context.Context, id, content string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, content)
	return &Message{
		ID:             fmt.Sprintf("out-%d", len(f.sent)),
		ConversationID: id,
		SenderID:       "agent",
		Content:        content,
		Type:           MessageText,
		CreatedAt:      "2024-05-01T10:00:00Z",
	}, nil
}

func (f *fakeConversationAPI) ToggleAI(_ context.Context, id string) (*Conversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.aiEnabled = !f.aiEnabled
	return &Conversation{ID: id, AIEnabled: f.aiEnabled}, nil
}

func (f *fakeConversationAPI) Rename(_ context.Context, id, name string) (*Conversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Conversation{ID: id, CustomerName: name}, nil
}

type fakeTagAPI struct {
	attached []string
	detached []string
}

func (f *fakeTagAPI) Attach(_ context.Context, conversationID, tagID string) error {
	f.attached = append(f.attached, conversationID+"/"+tagID)
	return nil
}

func (f *fakeTagAPI) Detach(_ context.Context, conversationID, tagID string) error {
	f.detached = append(f.detached, conversationID+"/"+tagID)
	return nil
}

type fakePaymentAPI struct {
	list []Payment
	err  error
}

func (f *fakePaymentAPI) List(context.Context) ([]Payment, error) { return f.list, f.err }

func (f *fakePaymentAPI) Approve(_ context.Context, id string, _ *PaymentApproval) (*Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Payment{ID: id, Status: PaymentApproved}, nil
}

func (f *fakePaymentAPI) Reject(_ context.Context, id string) (*Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Payment{ID: id, Status: PaymentRejected}, nil
}

type fakeTicketAPI struct {
	list    []Ticket
	created []*Ticket
	err     error
}

func (f *fakeTicketAPI) List(context.Context) ([]Ticket, error) { return f.list, f.err }

func (f *fakeTicketAPI) Create(_ context.Context, t *Ticket) (*Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, t)
	cp := *t
	cp.ID = fmt.Sprintf("t-new-%d", len(f.created))
	return &cp, nil
}

func (f *fakeTicketAPI) Complete(_ context.Context, id string, c *TicketCompletion) (*Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := &Ticket{ID: id, Status: TicketCompleted}
	if c != nil {
		t.RealAmount = c.RealAmount
	}
	return t, nil
}

func (f *fakeTicketAPI) Cancel(_ context.Context, id string) (*Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Ticket{ID: id, Status: TicketCancelled}, nil
}

// ============================================================================
// Frames
// ============================================================================

func messageFrame(convID, customerID, customerName, msgID, content string) string {
	return fmt.Sprintf(`{"type":"new_customer_message",`+
		`"conversation":{"id":%q,"customer_id":%q,"customer_name":%q,"last_message":"stale","unread_count":0,"tags":[]},`+
		`"message":{"id":%q,"conversation_id":%q,"sender_id":%q,"content":%q,"type":"text","created_at":"2024-05-01T09:00:00Z"}}`,
		convID, customerID, customerName, msgID, convID, customerID, content)
}

func paymentFrame(id, customer string, amount float64, status PaymentStatus) string {
	return fmt.Sprintf(`{"type":"new_payment","payment":{"_id":%q,"customerName":%q,"amount":%v,"status":%q}}`,
		id, customer, amount, status)
}

func ticketFrame(id, subject string, status TicketStatus) string {
	return fmt.Sprintf(`{"type":"new_ticket","ticket":{"_id":%q,"subject":%q,"description":"...","status":%q}}`,
		id, subject, status)
}

func mustDecode(frame string) Event {
	ev, err := DecodeEvent([]byte(frame))
	if err != nil {
		panic(err)
	}
	return ev
}
