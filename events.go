package crm

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType is the "type" tag carried by every frame on the channel.
type EventType string

const (
	EventPing               EventType = "ping"
	EventPong               EventType = "pong"
	EventNewCustomerMessage EventType = "new_customer_message"
	EventConversationUpdate EventType = "conversation_update"
	EventNewPayment         EventType = "new_payment"
	EventNewTicket          EventType = "new_ticket"
)

// Event is an inbound frame that passed shape validation.
type Event interface {
	Type() EventType
	// Raw returns the frame exactly as received.
	Raw() json.RawMessage
}

type frame struct{ raw json.RawMessage }

func (f frame) Raw() json.RawMessage { return f.raw }

// NewCustomerMessage is pushed when a customer writes into a conversation.
type NewCustomerMessage struct {
	frame
	Conversation Conversation
	Message      Message
	// ConversationFields is the conversation object as sent, used for field-level merges.
	ConversationFields json.RawMessage
}

func (*NewCustomerMessage) Type() EventType { return EventNewCustomerMessage }

// ConversationUpdate is pushed when conversation metadata changes server-side.
type ConversationUpdate struct {
	frame
	Conversation       Conversation
	ConversationFields json.RawMessage
}

func (*ConversationUpdate) Type() EventType { return EventConversationUpdate }

type NewPayment struct {
	frame
	Payment Payment
}

func (*NewPayment) Type() EventType { return EventNewPayment }

type NewTicket struct {
	frame
	Ticket Ticket
}

func (*NewTicket) Type() EventType { return EventNewTicket }

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent validates a raw frame and returns the typed event it carries.
// Errors wrap ErrMalformedFrame, ErrUnknownEvent or ErrInvalidEvent.
func DecodeEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	tag := root.Get("type")
	if tag.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedFrame)
	}

	f := frame{raw: append(json.RawMessage(nil), raw...)}
	switch EventType(tag.Str) {
	case EventNewCustomerMessage:
		return decodeCustomerMessage(f, root)
	case EventConversationUpdate:
		conv, fields, err := decodeConversation(root.Get("conversation"))
		if err != nil {
			return nil, err
		}
		return &ConversationUpdate{frame: f, Conversation: conv, ConversationFields: fields}, nil
	case EventNewPayment:
		return decodePayment(f, root.Get("payment"))
	case EventNewTicket:
		return decodeTicket(f, root.Get("ticket"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, tag.Str)
	}
}

func decodeCustomerMessage(f frame, root gjson.Result) (Event, error) {
	conv, fields, err := decodeConversation(root.Get("conversation"))
	if err != nil {
		return nil, err
	}
	m := root.Get("message")
	if err := requireStrings(m, "message", "id", "conversation_id", "content"); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(m.Raw), &msg); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrInvalidEvent, err)
	}
	return &NewCustomerMessage{frame: f, Conversation: conv, Message: msg, ConversationFields: fields}, nil
}

func decodeConversation(c gjson.Result) (Conversation, json.RawMessage, error) {
	if !c.IsObject() {
		return Conversation{}, nil, fmt.Errorf("%w: conversation must be an object", ErrInvalidEvent)
	}
	if c.Get("id").Type != gjson.String && c.Get("_id").Type != gjson.String {
		return Conversation{}, nil, fmt.Errorf("%w: conversation.id must be a string", ErrInvalidEvent)
	}
	if err := requireStrings(c, "conversation", "customer_id", "customer_name"); err != nil {
		return Conversation{}, nil, err
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(c.Raw), &conv); err != nil {
		return Conversation{}, nil, fmt.Errorf("%w: conversation: %v", ErrInvalidEvent, err)
	}
	return conv, json.RawMessage(c.Raw), nil
}

// decodePayment accepts any object. Fields are read loosely so a payment with
// an odd field type still reaches the boards.
func decodePayment(f frame, p gjson.Result) (Event, error) {
	if !p.IsObject() {
		return nil, fmt.Errorf("%w: payment must be an object", ErrInvalidEvent)
	}
	payment := Payment{
		ID:           p.Get("_id").String(),
		CustomerName: p.Get("customerName").String(),
		Amount:       p.Get("amount").Float(),
		Date:         p.Get("date").String(),
		ReceiptImage: p.Get("image").String(),
		Status:       PaymentStatus(p.Get("status").String()),
	}
	if b := p.Get("bonus"); b.Exists() && b.Type != gjson.Null {
		bonus := b.Float()
		payment.Bonus = &bonus
	}
	return &NewPayment{frame: f, Payment: payment}, nil
}

func decodeTicket(f frame, t gjson.Result) (Event, error) {
	if !t.IsObject() {
		return nil, fmt.Errorf("%w: ticket must be an object", ErrInvalidEvent)
	}
	if err := requireStrings(t, "ticket", "_id", "subject", "description", "status"); err != nil {
		return nil, err
	}
	if !TicketStatus(t.Get("status").Str).Valid() {
		return nil, fmt.Errorf("%w: ticket.status %q", ErrInvalidEvent, t.Get("status").Str)
	}
	var ticket Ticket
	if err := json.Unmarshal([]byte(t.Raw), &ticket); err != nil {
		return nil, fmt.Errorf("%w: ticket: %v", ErrInvalidEvent, err)
	}
	return &NewTicket{frame: f, Ticket: ticket}, nil
}

func requireStrings(obj gjson.Result, name string, keys ...string) error {
	if !obj.IsObject() {
		return fmt.Errorf("%w: %s must be an object", ErrInvalidEvent, name)
	}
	for _, k := range keys {
		if obj.Get(k).Type != gjson.String {
			return fmt.Errorf("%w: %s.%s must be a string", ErrInvalidEvent, name, k)
		}
	}
	return nil
}
