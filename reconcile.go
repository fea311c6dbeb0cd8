package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ViewMode selects the merge policy of a board.
type ViewMode int

const (
	// ListView keeps every entry it is told about.
	ListView ViewMode = iota
	// DashboardView is a work queue: it only admits actionable entries
	// and drops them once they are settled locally.
	DashboardView
)

// Fields of a conversation that a new-message event updates directly. The
// conversation snapshot carried by the same event never overwrites them, and
// never overwrites the locally edited tag set either.
var messageOwnedFields = []string{"unread_count", "last_message", "last_message_at", "tags"}

// mergeConversation overlays the fields present in patch onto dst, skipping the
// identity and any protected field.
func mergeConversation(dst Conversation, patch json.RawMessage, protected ...string) (Conversation, error) {
	base, err := json.Marshal(dst)
	if err != nil {
		return dst, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return dst, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return dst, err
	}
	for k, v := range fields {
		if k == "id" || k == "_id" || lo.Contains(protected, k) {
			continue
		}
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return dst, err
	}
	var conv Conversation
	if err := json.Unmarshal(out, &conv); err != nil {
		return dst, err
	}
	return conv, nil
}

// ============================================================================
// Inbox
// ============================================================================

// ConversationAPI is the backend surface the Inbox calls for local actions.
type ConversationAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, id string) ([]Message, error)
	MarkRead(ctx context.Context, id string) (*Conversation, error)
	Send(ctx context.Context, id, content string) (*Message, error)
	ToggleAI(ctx context.Context, id string) (*Conversation, error)
	Rename(ctx context.Context, id, customerName string) (*Conversation, error)
}

// TagAPI assigns and removes conversation tags.
type TagAPI interface {
	Attach(ctx context.Context, conversationID, tagID string) error
	Detach(ctx context.Context, conversationID, tagID string) error
}

// Inbox is the agent's conversation list plus the open conversation's messages.
type Inbox struct {
	api    ConversationAPI
	tags   TagAPI
	logger *zap.Logger

	mu       sync.Mutex
	items    *Collection[Conversation]
	openID   string
	messages []Message
}

// NewInbox creates an empty inbox. api and tags are only needed for local actions.
func NewInbox(api ConversationAPI, tags TagAPI, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		api:    api,
		tags:   tags,
		logger: logger.Named("inbox"),
		items:  NewCollection(func(c Conversation) string { return c.ID }),
	}
}

// Handle is a Dispatcher Handler.
func (in *Inbox) Handle(ev Event) {
	switch e := ev.(type) {
	case *NewCustomerMessage:
		in.applyMessage(e)
	case *ConversationUpdate:
		in.applyConversationUpdate(e)
	}
}

func (in *Inbox) applyMessage(e *NewCustomerMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()

	msg := e.Message
	convID := e.Conversation.ID
	existing, known := in.items.Get(convID)

	next := e.Conversation
	if known {
		merged, err := mergeConversation(existing, e.ConversationFields, messageOwnedFields...)
		if err != nil {
			in.logger.Warn("conversation merge failed", zap.String("conversation_id", convID), zap.Error(err))
			return
		}
		next = merged
	}

	touch := func(c Conversation, bump bool) Conversation {
		c.LastMessage = msg.Content
		if msg.CreatedAt != "" {
			c.LastMessageAt = msg.CreatedAt
		}
		if bump && c.ID != in.openID {
			c.UnreadCount++
		}
		return c
	}
	if msg.ConversationID == convID {
		next = touch(next, known)
	}

	targetsOpen := in.openID != "" && (convID == in.openID || msg.ConversationID == in.openID)
	if open, ok := in.items.Get(in.openID); ok && targetsOpen && open.CustomerID == msg.SenderID {
		if !lo.ContainsBy(in.messages, func(m Message) bool { return m.ID == msg.ID }) {
			in.messages = append(in.messages, msg)
		}
	}
	if known {
		in.items.Update(convID, func(Conversation) Conversation { return next })
	} else {
		in.items.Prepend(next)
	}
	if msg.ConversationID != convID {
		in.items.Update(msg.ConversationID, func(c Conversation) Conversation { return touch(c, true) })
	}
}

func (in *Inbox) applyConversationUpdate(e *ConversationUpdate) {
	in.mu.Lock()
	defer in.mu.Unlock()

	existing, ok := in.items.Get(e.Conversation.ID)
	if !ok {
		in.items.Prepend(e.Conversation)
		return
	}
	merged, err := mergeConversation(existing, e.ConversationFields)
	if err != nil {
		in.logger.Warn("conversation merge failed", zap.String("conversation_id", e.Conversation.ID), zap.Error(err))
		return
	}
	in.items.Update(e.Conversation.ID, func(Conversation) Conversation { return merged })
}

// Load replaces the conversation list with the backend's.
func (in *Inbox) Load(ctx context.Context) error {
	convs, err := in.api.List(ctx)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.items.Replace(convs)
	in.mu.Unlock()
	return nil
}

// Open marks a conversation read, clears its unread counter and loads its messages.
func (in *Inbox) Open(ctx context.Context, id string) error {
	conv, ok := in.Conversation(id)
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if conv.UnreadCount > 0 {
		if _, err := in.api.MarkRead(ctx, id); err != nil {
			return err
		}
	}

	in.mu.Lock()
	in.items.Update(id, func(c Conversation) Conversation {
		c.UnreadCount = 0
		return c
	})
	in.openID = id
	in.messages = nil
	in.mu.Unlock()

	msgs, err := in.api.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.openID == id {
		// Keep anything pushed while the history was loading.
		in.messages = lo.UniqBy(append(msgs, in.messages...), func(m Message) string { return m.ID })
	}
	return nil
}

// Close forgets the open conversation.
func (in *Inbox) Close() {
	in.mu.Lock()
	in.openID = ""
	in.messages = nil
	in.mu.Unlock()
}

// Send posts a text message to the open conversation.
func (in *Inbox) Send(ctx context.Context, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("message is empty")
	}
	in.mu.Lock()
	id := in.openID
	in.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("no open conversation: %w", ErrNotFound)
	}

	msg, err := in.api.Send(ctx, id, content)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.openID == id && !lo.ContainsBy(in.messages, func(m Message) bool { return m.ID == msg.ID }) {
		in.messages = append(in.messages, *msg)
	}
	at := msg.CreatedAt
	if at == "" {
		at = time.Now().UTC().Format(time.RFC3339)
	}
	in.items.Update(id, func(c Conversation) Conversation {
		c.LastMessage = content
		c.LastMessageAt = at
		return c
	})
	return msg, nil
}

// AddTag assigns tagID to a conversation. Tags are a set.
func (in *Inbox) AddTag(ctx context.Context, conversationID, tagID string) error {
	conv, ok := in.Conversation(conversationID)
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if lo.Contains(conv.Tags, tagID) {
		return ErrDuplicateTag
	}
	if err := in.tags.Attach(ctx, conversationID, tagID); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items.Update(conversationID, func(c Conversation) Conversation {
		c.Tags = lo.Uniq(append(append([]string(nil), c.Tags...), tagID))
		return c
	})
	return nil
}

func (in *Inbox) RemoveTag(ctx context.Context, conversationID, tagID string) error {
	if _, ok := in.Conversation(conversationID); !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err := in.tags.Detach(ctx, conversationID, tagID); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items.Update(conversationID, func(c Conversation) Conversation {
		c.Tags = lo.Without(c.Tags, tagID)
		return c
	})
	return nil
}

// ToggleAI flips the AI-assist flag server-side and mirrors the result.
func (in *Inbox) ToggleAI(ctx context.Context, id string) (bool, error) {
	updated, err := in.api.ToggleAI(ctx, id)
	if err != nil {
		return false, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items.Update(id, func(c Conversation) Conversation {
		c.AIEnabled = updated.AIEnabled
		return c
	})
	return updated.AIEnabled, nil
}

// Rename changes the customer's display name.
func (in *Inbox) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("customer name is empty")
	}
	updated, err := in.api.Rename(ctx, id, name)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items.Update(id, func(c Conversation) Conversation {
		c.CustomerName = updated.CustomerName
		return c
	})
	return nil
}

func (in *Inbox) Conversations() []Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.items.Items()
}

func (in *Inbox) Conversation(id string) (Conversation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.items.Get(id)
}

// OpenConversation returns the conversation currently open, if any.
func (in *Inbox) OpenConversation() (Conversation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.openID == "" {
		return Conversation{}, false
	}
	return in.items.Get(in.openID)
}

// Messages returns the open conversation's messages in arrival order.
func (in *Inbox) Messages() []Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Message(nil), in.messages...)
}

// Search filters conversations by customer name, case-insensitively.
func (in *Inbox) Search(term string) []Conversation {
	term = strings.ToLower(term)
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.items.Filter(func(c Conversation) bool {
		return strings.Contains(strings.ToLower(c.CustomerName), term)
	})
}

// ============================================================================
// Payments
// ============================================================================

type PaymentAPI interface {
	List(ctx context.Context) ([]Payment, error)
	Approve(ctx context.Context, id string, approval *PaymentApproval) (*Payment, error)
	Reject(ctx context.Context, id string) (*Payment, error)
}

// PaymentBoard holds payments keyed by id. Pushed payments replace the entry
// with the same id or are prepended.
type PaymentBoard struct {
	api    PaymentAPI
	mode   ViewMode
	logger *zap.Logger
	items  *Collection[Payment]
}

func NewPaymentBoard(api PaymentAPI, mode ViewMode, logger *zap.Logger) *PaymentBoard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentBoard{
		api:    api,
		mode:   mode,
		logger: logger.Named("payments"),
		items:  NewCollection(func(p Payment) string { return p.ID }),
	}
}

// Handle is a Dispatcher Handler.
func (b *PaymentBoard) Handle(ev Event) {
	e, ok := ev.(*NewPayment)
	if !ok {
		return
	}
	p := e.Payment
	if b.mode == DashboardView && p.Status != PaymentPending && !b.items.Has(p.ID) {
		b.logger.Debug("settled payment ignored", zap.String("payment_id", p.ID))
		return
	}
	b.items.Upsert(p)
}

func (b *PaymentBoard) Load(ctx context.Context) error {
	payments, err := b.api.List(ctx)
	if err != nil {
		return err
	}
	if b.mode == DashboardView {
		payments = lo.Filter(payments, func(p Payment, _ int) bool { return p.Status == PaymentPending })
	}
	b.items.Replace(payments)
	return nil
}

// Approve approves a payment. On failure the board is left unchanged.
func (b *PaymentBoard) Approve(ctx context.Context, id string, approval *PaymentApproval) error {
	updated, err := b.api.Approve(ctx, id, approval)
	if err != nil {
		return err
	}
	b.settle(id, updated)
	return nil
}

func (b *PaymentBoard) Reject(ctx context.Context, id string) error {
	updated, err := b.api.Reject(ctx, id)
	if err != nil {
		return err
	}
	b.settle(id, updated)
	return nil
}

func (b *PaymentBoard) settle(id string, updated *Payment) {
	if b.mode == DashboardView {
		b.items.Remove(id)
		return
	}
	if updated.ID == "" {
		updated.ID = id
	}
	b.items.Update(id, func(Payment) Payment { return *updated })
}

func (b *PaymentBoard) Payments() []Payment {
	return b.items.Items()
}

// ============================================================================
// Tickets
// ============================================================================

type TicketAPI interface {
	List(ctx context.Context) ([]Ticket, error)
	Create(ctx context.Context, ticket *Ticket) (*Ticket, error)
	Complete(ctx context.Context, id string, completion *TicketCompletion) (*Ticket, error)
	Cancel(ctx context.Context, id string) (*Ticket, error)
}

// TicketBoard holds tickets. In ListView pushed tickets are prepended; in
// DashboardView they are upserted by id and only open tickets are admitted.
type TicketBoard struct {
	api    TicketAPI
	mode   ViewMode
	logger *zap.Logger
	items  *Collection[Ticket]
}

func NewTicketBoard(api TicketAPI, mode ViewMode, logger *zap.Logger) *TicketBoard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketBoard{
		api:    api,
		mode:   mode,
		logger: logger.Named("tickets"),
		items:  NewCollection(func(t Ticket) string { return t.ID }),
	}
}

// Handle is a Dispatcher Handler.
func (b *TicketBoard) Handle(ev Event) {
	e, ok := ev.(*NewTicket)
	if !ok {
		return
	}
	t := e.Ticket
	if b.mode == ListView {
		b.items.Prepend(t)
		return
	}
	if t.Status != TicketOpen && !b.items.Has(t.ID) {
		b.logger.Debug("closed ticket ignored", zap.String("ticket_id", t.ID))
		return
	}
	b.items.Upsert(t)
}

func (b *TicketBoard) Load(ctx context.Context) error {
	tickets, err := b.api.List(ctx)
	if err != nil {
		return err
	}
	if b.mode == DashboardView {
		tickets = lo.Filter(tickets, func(t Ticket, _ int) bool { return t.Status == TicketOpen })
	}
	b.items.Replace(tickets)
	return nil
}

// Create opens a new ticket stamped with the current date and time.
func (b *TicketBoard) Create(ctx context.Context, conversationID, subject, description string) (*Ticket, error) {
	now := time.Now()
	created, err := b.api.Create(ctx, &Ticket{
		Conversation: conversationID,
		Subject:      subject,
		Description:  description,
		Date:         now.Format(time.DateOnly),
		Time:         now.Format(time.TimeOnly),
		Status:       TicketOpen,
	})
	if err != nil {
		return nil, err
	}
	b.items.Upsert(*created)
	return created, nil
}

func (b *TicketBoard) Complete(ctx context.Context, id string, completion *TicketCompletion) error {
	updated, err := b.api.Complete(ctx, id, completion)
	if err != nil {
		return err
	}
	b.settle(id, updated)
	return nil
}

func (b *TicketBoard) Cancel(ctx context.Context, id string) error {
	updated, err := b.api.Cancel(ctx, id)
	if err != nil {
		return err
	}
	b.settle(id, updated)
	return nil
}

func (b *TicketBoard) settle(id string, updated *Ticket) {
	if b.mode == DashboardView {
		b.items.Remove(id)
		return
	}
	if updated.ID == "" {
		updated.ID = id
	}
	b.items.Update(id, func(Ticket) Ticket { return *updated })
}

func (b *TicketBoard) Tickets() []Ticket {
	return b.items.Items()
}

// ByStatus groups the tickets for the open/completed/cancelled tabs.
func (b *TicketBoard) ByStatus() map[TicketStatus][]Ticket {
	return lo.GroupBy(b.items.Items(), func(t Ticket) TicketStatus { return t.Status })
}
