// Package crm is the client core of the messaging CRM front-end: a REST client
// for the backend, the push channel with heartbeat and bounded reconnection,
// an event dispatcher and the views that reconcile pushed events into
// client-held collections.
//
// Example:
//
//	api := crm.NewClient("https://api.example.com", crm.WithLogger(logger))
//	d := crm.NewDispatcher(logger, nil)
//	rt := crm.NewRealtimeClient("wss://api.example.com", d, &crm.RealtimeConfig{Logger: logger})
//	sessions := crm.NewSessionStore(api, rt, crm.NewMemoryPersister(), logger)
//	sessions.SignIn(ctx, "agent@example.com", "secret")
//
//	inbox := crm.NewInbox(api.Conversations, api.Tags, logger)
//	defer d.Subscribe(inbox.Handle)()
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the bearer-token REST client for the CRM backend.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        *zap.Logger
	notifier      Notifier
	onAuthFailure func()

	mu    sync.RWMutex
	token string

	Auth          *AuthClient
	Users         *UsersClient
	Conversations *ConversationsClient
	Tags          *TagsClient
	Payments      *PaymentsClient
	Tickets       *TicketsClient
	Meta          *MetaClient
	Reports       *ReportsClient
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithNotifier sets where one-shot request errors are shown.
func WithNotifier(n Notifier) ClientOption {
	return func(c *Client) { c.notifier = n }
}

// WithAuthFailureHandler sets the callback run when the backend rejects the credential.
func WithAuthFailureHandler(fn func()) ClientOption {
	return func(c *Client) { c.onAuthFailure = fn }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
		notifier:   nopNotifier{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("api")

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Tags = &TagsClient{c: c}
	c.Payments = &PaymentsClient{c: c}
	c.Tickets = &TicketsClient{c: c}
	c.Meta = &MetaClient{c: c}
	c.Reports = &ReportsClient{c: c}
	return c
}

// SetToken sets or clears the bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetAuthFailureHandler replaces the callback run on auth-scoped errors.
func (c *Client) SetAuthFailureHandler(fn func()) {
	c.mu.Lock()
	c.onAuthFailure = fn
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	err := c.roundTrip(ctx, method, path, body, query, out)
	if err != nil {
		c.notifier.Notify(newNotification(LevelError, userMessage(err), ""))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.Must(uuid.NewV4()).String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = "API request failed"
		}
		if apiErr.IsAuth() {
			c.logger.Warn("credential rejected", zap.String("code", apiErr.Code))
			c.authFailed()
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) authFailed() {
	c.mu.RLock()
	fn := c.onAuthFailure
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// userMessage is the one-line text shown to the user for a failed request.
func userMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsAuth() {
			return msgSessionExpired
		}
		return apiErr.Message
	}
	return err.Error()
}

func decodeJSON[T any](ctx context.Context, c *Client, method, path string, body any, query map[string]string) (*T, error) {
	var result T
	if err := c.doRequest(ctx, method, path, body, query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func decodeList[T any](ctx context.Context, c *Client, path string, query map[string]string) ([]T, error) {
	var result []T
	if err := c.doRequest(ctx, http.MethodGet, path, nil, query, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ============================================================================
// Auth & Users
// ============================================================================

type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and keeps it on the client.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := decodeJSON[LoginResult](ctx, a.c, http.MethodPost, "/auth/login",
		map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	a.c.SetToken(res.Token)
	return res, nil
}

// Logout invalidates the token server-side and forgets it.
func (a *AuthClient) Logout(ctx context.Context) error {
	if err := a.c.doRequest(ctx, http.MethodPost, "/auth/logout", nil, nil, nil); err != nil {
		return err
	}
	a.c.SetToken("")
	return nil
}

type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	return decodeList[User](ctx, u.c, "/users", nil)
}

func (u *UsersClient) Create(ctx context.Context, user *NewUser) (*User, error) {
	return decodeJSON[User](ctx, u.c, http.MethodPost, "/users", user, nil)
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationsClient struct{ c *Client }

func conversationPath(id string, rest ...string) string {
	return "/messages/conversations/" + url.PathEscape(id) + strings.Join(rest, "")
}

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	return decodeList[Conversation](ctx, cv.c, "/messages/conversations", nil)
}

func (cv *ConversationsClient) Get(ctx context.Context, id string) (*Conversation, error) {
	return decodeJSON[Conversation](ctx, cv.c, http.MethodGet, conversationPath(id), nil, nil)
}

func (cv *ConversationsClient) Messages(ctx context.Context, id string) ([]Message, error) {
	return decodeList[Message](ctx, cv.c, conversationPath(id, "/messages"), nil)
}

func (cv *ConversationsClient) Send(ctx context.Context, id, content string) (*Message, error) {
	return decodeJSON[Message](ctx, cv.c, http.MethodPost, conversationPath(id, "/messages"),
		map[string]string{"content": content}, nil)
}

func (cv *ConversationsClient) SendImage(ctx context.Context, id, imageURL string) (*Message, error) {
	return decodeJSON[Message](ctx, cv.c, http.MethodPost, conversationPath(id, "/messages/image"),
		map[string]string{"imageUrl": imageURL}, nil)
}

func (cv *ConversationsClient) ToggleAI(ctx context.Context, id string) (*Conversation, error) {
	return decodeJSON[Conversation](ctx, cv.c, http.MethodPut, conversationPath(id, "/ai-toggle"), nil, nil)
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, id string) (*Conversation, error) {
	return decodeJSON[Conversation](ctx, cv.c, http.MethodPut, conversationPath(id, "/read"), nil, nil)
}

func (cv *ConversationsClient) Rename(ctx context.Context, id, customerName string) (*Conversation, error) {
	return decodeJSON[Conversation](ctx, cv.c, http.MethodPut, conversationPath(id, "/customer-name"),
		map[string]string{"customer_name": customerName}, nil)
}

// ============================================================================
// Tags
// ============================================================================

type TagsClient struct{ c *Client }

func (t *TagsClient) List(ctx context.Context) ([]Tag, error) {
	return decodeList[Tag](ctx, t.c, "/tags", nil)
}

func (t *TagsClient) Create(ctx context.Context, name, color string) (*Tag, error) {
	return decodeJSON[Tag](ctx, t.c, http.MethodPost, "/tags",
		map[string]string{"name": name, "color": color}, nil)
}

// Attach assigns a tag to a conversation.
func (t *TagsClient) Attach(ctx context.Context, conversationID, tagID string) error {
	return t.c.doRequest(ctx, http.MethodPost, "/tags/conversations/"+url.PathEscape(conversationID),
		map[string]string{"tagId": tagID}, nil, nil)
}

func (t *TagsClient) Detach(ctx context.Context, conversationID, tagID string) error {
	return t.c.doRequest(ctx, http.MethodDelete,
		"/tags/conversations/"+url.PathEscape(conversationID)+"/"+url.PathEscape(tagID), nil, nil, nil)
}

// ============================================================================
// Payments & Tickets
// ============================================================================

type PaymentsClient struct{ c *Client }

func (p *PaymentsClient) List(ctx context.Context) ([]Payment, error) {
	return decodeList[Payment](ctx, p.c, "/payments", nil)
}

// Approve approves a pending payment. approval may be nil.
func (p *PaymentsClient) Approve(ctx context.Context, id string, approval *PaymentApproval) (*Payment, error) {
	var body any
	if approval != nil {
		body = approval
	}
	return decodeJSON[Payment](ctx, p.c, http.MethodPut, "/payments/"+url.PathEscape(id)+"/approve", body, nil)
}

func (p *PaymentsClient) Reject(ctx context.Context, id string) (*Payment, error) {
	return decodeJSON[Payment](ctx, p.c, http.MethodPut, "/payments/"+url.PathEscape(id)+"/reject", nil, nil)
}

type TicketsClient struct{ c *Client }

func (t *TicketsClient) List(ctx context.Context) ([]Ticket, error) {
	return decodeList[Ticket](ctx, t.c, "/tickets", nil)
}

func (t *TicketsClient) Create(ctx context.Context, ticket *Ticket) (*Ticket, error) {
	return decodeJSON[Ticket](ctx, t.c, http.MethodPost, "/tickets", ticket, nil)
}

// Complete settles a ticket. completion may be nil.
func (t *TicketsClient) Complete(ctx context.Context, id string, completion *TicketCompletion) (*Ticket, error) {
	var body any
	if completion != nil {
		body = completion
	}
	return decodeJSON[Ticket](ctx, t.c, http.MethodPut, "/tickets/"+url.PathEscape(id)+"/complete", body, nil)
}

func (t *TicketsClient) Cancel(ctx context.Context, id string) (*Ticket, error) {
	return decodeJSON[Ticket](ctx, t.c, http.MethodPut, "/tickets/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ============================================================================
// Meta & Reports
// ============================================================================

type MetaClient struct{ c *Client }

func (m *MetaClient) Config(ctx context.Context) (*MetaConfig, error) {
	return decodeJSON[MetaConfig](ctx, m.c, http.MethodGet, "/meta/config", nil, nil)
}

func (m *MetaClient) UpdateConfig(ctx context.Context, cfg *MetaConfig) (*MetaConfig, error) {
	return decodeJSON[MetaConfig](ctx, m.c, http.MethodPost, "/meta/config", cfg, nil)
}

type ReportsClient struct{ c *Client }

// Sales returns daily sales rows between start and end (YYYY-MM-DD, inclusive).
func (r *ReportsClient) Sales(ctx context.Context, start, end string) ([]SalesReport, error) {
	return decodeList[SalesReport](ctx, r.c, "/reports/sales", map[string]string{"start": start, "end": end})
}

func (r *ReportsClient) Prizes(ctx context.Context, start, end string) ([]PrizeReport, error) {
	return decodeList[PrizeReport](ctx, r.c, "/reports/prizes", map[string]string{"start": start, "end": end})
}

// SummarizeReports totals net sales, prizes and bonuses for the report header.
// Sums are exact to the cent regardless of row count.
func SummarizeReports(sales []SalesReport, prizes []PrizeReport) ReportTotals {
	return ReportTotals{
		NetSales: sumDecimal(sales, func(s SalesReport) float64 { return s.NetSales }),
		Prizes:   sumDecimal(prizes, func(p PrizeReport) float64 { return p.Amount }),
		Bonuses:  sumDecimal(sales, func(s SalesReport) float64 { return s.Bonuses }),
	}
}

func sumDecimal[T any](rows []T, field func(T) float64) float64 {
	total := lo.Reduce(rows, func(acc decimal.Decimal, row T, _ int) decimal.Decimal {
		return acc.Add(decimal.NewFromFloat(field(row)))
	}, decimal.Zero)
	return total.InexactFloat64()
}
