package crm

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// authCodePrefix marks REST error codes that invalidate the session.
const authCodePrefix = "AUTH_"

// APIError is the error body returned by the backend on a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// IsAuth reports whether the error code is an auth-scoped failure.
func (e *APIError) IsAuth() bool {
	return strings.HasPrefix(e.Code, authCodePrefix)
}

// Is lets errors.Is(err, ErrUnauthorized) match auth-scoped API errors.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.IsAuth()
}

// ============================================================================
// Identity
// ============================================================================

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at,omitempty"`
}

// NewUser is the payload for creating an account.
type NewUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ============================================================================
// Conversations
// ============================================================================

type Conversation struct {
	ID             string   `json:"id"`
	CustomerID     string   `json:"customer_id"`
	CustomerName   string   `json:"customer_name"`
	LastMessage    string   `json:"last_message"`
	LastMessageAt  string   `json:"last_message_at"`
	UnreadCount    int      `json:"unread_count"`
	AssignedTo     *string  `json:"assigned_to"`
	Tags           []string `json:"tags"`
	ProfilePicture string   `json:"profile_picture,omitempty"`
	AIEnabled      bool     `json:"ai_enabled"`
}

// UnmarshalJSON accepts the backend's "_id" spelling when "id" is absent.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Conversation(aux.plain)
	if c.ID == "" {
		c.ID = aux.MongoID
	}
	return nil
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MimeType       string      `json:"mime_type,omitempty"`
	Type           MessageKind `json:"type,omitempty"`
	CreatedAt      string      `json:"created_at"`
}

type Tag struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ============================================================================
// Payments & Tickets
// ============================================================================

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

type Payment struct {
	ID           string        `json:"_id"`
	CustomerName string        `json:"customerName"`
	Amount       float64       `json:"amount"`
	Date         string        `json:"date"`
	ReceiptImage string        `json:"image"`
	Status       PaymentStatus `json:"status"`
	Bonus        *float64      `json:"bonus,omitempty"`
}

// PaymentApproval carries the credited amount and bonus when approving.
type PaymentApproval struct {
	Amount float64 `json:"amount"`
	Bonus  float64 `json:"bonus"`
}

type TicketStatus string

const (
	TicketOpen      TicketStatus = "open"
	TicketCompleted TicketStatus = "completed"
	TicketCancelled TicketStatus = "cancelled"
)

// Valid reports whether s is one of the statuses a pushed ticket may carry.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketCompleted, TicketCancelled:
		return true
	}
	return false
}

type Ticket struct {
	ID           string       `json:"_id"`
	Conversation string       `json:"conversation,omitempty"`
	Subject      string       `json:"subject"`
	Description  string       `json:"description"`
	Date         string       `json:"date"`
	Time         string       `json:"time"`
	Status       TicketStatus `json:"status"`
	CreatedBy    string       `json:"created_by,omitempty"`
	RealAmount   *float64     `json:"real_amount,omitempty"`
}

type TicketCompletion struct {
	RealAmount *float64 `json:"real_amount,omitempty"`
}

// ============================================================================
// Meta & Reports
// ============================================================================

type MetaConfig struct {
	AccessToken string `json:"accessToken"`
	FanpageID   string `json:"fanpageId"`
	WebhookURL  string `json:"webhookUrl"`
}

type SalesReport struct {
	Date        string  `json:"date"`
	NewUsers    int     `json:"newUsers"`
	TicketCount int     `json:"ticketCount"`
	NetSales    float64 `json:"netSales"`
	Bonuses     float64 `json:"bonuses"`
	Prizes      float64 `json:"prizes"`
	TotalSales  float64 `json:"totalSales"`
}

type PrizeReport struct {
	Date       string  `json:"date"`
	User       string  `json:"user"`
	Amount     float64 `json:"amount"`
	Collection float64 `json:"collection"`
	Bonus      float64 `json:"bonus"`
	Status     string  `json:"status"`
	Operator   string  `json:"operator"`
}

// ReportTotals aggregates a sales/prize report pair for the summary cards.
type ReportTotals struct {
	NetSales float64
	Prizes   float64
	Bonuses  float64
}
