package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) (*Client, *recordingNotifier) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	notes := &recordingNotifier{}
	return NewClient(srv.URL+"/", append([]ClientOption{WithNotifier(notes)}, opts...)...), notes
}

func TestClientSendsBearerToken(t *testing.T) {
	var seen *http.Request
	var body map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewDecoder(r.Body).Decode(&body)
			_, _ = io.WriteString(w, `{"token":"tok-1","user":{"id":"u1","full_name":"Agent","role":"agent"}}`)
		case "/messages/conversations":
			_, _ = io.WriteString(w, `[{"_id":"c1","customer_id":"x","customer_name":"Ana","unread_count":2}]`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	res, err := c.Auth.Login(ctx, "a@b.c", "pw")
	require.NoError(t, err)
	require.Equal(t, "tok-1", res.Token)
	require.Equal(t, RoleAgent, res.User.Role)
	require.Equal(t, map[string]string{"email": "a@b.c", "password": "pw"}, body)
	require.Empty(t, seen.Header.Get("Authorization"))
	require.Equal(t, "tok-1", c.Token())

	convs, err := c.Conversations.List(ctx)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-1", seen.Header.Get("Authorization"))
	require.Equal(t, "application/json", seen.Header.Get("Content-Type"))
	require.NotEmpty(t, seen.Header.Get("X-Request-ID"))
	require.Len(t, convs, 1)
	require.Equal(t, "c1", convs[0].ID)
	require.Equal(t, 2, convs[0].UnreadCount)
}

func TestClientAuthFailureForcesTeardown(t *testing.T) {
	var failures int
	c, notes := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"AUTH_TOKEN_EXPIRED","message":"jwt expired"}`)
	}, WithToken("old"), WithAuthFailureHandler(func() { failures++ }))

	_, err := c.Payments.List(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, 1, failures)
	require.Equal(t, []string{"Session expired. Please login again."}, notes.titles())
}

func TestClientBusinessRejection(t *testing.T) {
	var failures int
	var approval PaymentApproval
	c, notes := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/payments/p1/approve", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&approval)
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"PAYMENT_REJECTED","message":"Payment was already rejected"}`)
	}, WithAuthFailureHandler(func() { failures++ }))

	_, err := c.Payments.Approve(context.Background(), "p1", &PaymentApproval{Amount: 100, Bonus: 15})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, failures)
	require.Equal(t, PaymentApproval{Amount: 100, Bonus: 15}, approval)
	require.Equal(t, []string{"Payment was already rejected"}, notes.titles())
}

func TestClientErrorWithoutBody(t *testing.T) {
	c, notes := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := c.Tags.Attach(context.Background(), "c1", "t1")
	require.EqualError(t, err, "API request failed")
	require.Equal(t, []string{"API request failed"}, notes.titles())
}

func TestClientPaths(t *testing.T) {
	var got []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		_, _ = io.WriteString(w, `{}`)
	})
	ctx := context.Background()

	_, _ = c.Conversations.MarkRead(ctx, "c1")
	_, _ = c.Conversations.ToggleAI(ctx, "c1")
	_, _ = c.Conversations.Rename(ctx, "c1", "Ana")
	_, _ = c.Conversations.SendImage(ctx, "c1", "https://img")
	_ = c.Tags.Detach(ctx, "c1", "t1")
	_, _ = c.Tickets.Complete(ctx, "t1", nil)
	_, _ = c.Tickets.Cancel(ctx, "t1")
	_, _ = c.Meta.Config(ctx)
	_, _ = c.Meta.UpdateConfig(ctx, &MetaConfig{FanpageID: "fp"})
	_, _ = c.Users.List(ctx)
	_, _ = c.Users.Create(ctx, &NewUser{Email: "b@c.d", FullName: "Bo", Role: RoleAgent})
	_ = c.Auth.Logout(ctx)

	require.Equal(t, []string{
		"PUT /messages/conversations/c1/read",
		"PUT /messages/conversations/c1/ai-toggle",
		"PUT /messages/conversations/c1/customer-name",
		"POST /messages/conversations/c1/messages/image",
		"DELETE /tags/conversations/c1/t1",
		"PUT /tickets/t1/complete",
		"PUT /tickets/t1/cancel",
		"GET /meta/config",
		"POST /meta/config",
		"GET /users",
		"POST /users",
		"POST /auth/logout",
	}, got)
}

func TestReports(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2024-05-01", r.URL.Query().Get("start"))
		require.Equal(t, "2024-05-31", r.URL.Query().Get("end"))
		switch r.URL.Path {
		case "/reports/sales":
			_, _ = io.WriteString(w, `[{"date":"2024-05-01","netSales":100.5,"bonuses":10},{"date":"2024-05-02","netSales":49.5,"bonuses":5}]`)
		case "/reports/prizes":
			_, _ = io.WriteString(w, `[{"date":"2024-05-01","user":"ana","amount":30}]`)
		}
	})
	ctx := context.Background()

	sales, err := c.Reports.Sales(ctx, "2024-05-01", "2024-05-31")
	require.NoError(t, err)
	prizes, err := c.Reports.Prizes(ctx, "2024-05-01", "2024-05-31")
	require.NoError(t, err)

	require.Equal(t, ReportTotals{NetSales: 150, Prizes: 30, Bonuses: 15}, SummarizeReports(sales, prizes))
}
