package httpaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/semflow/actions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Kind: actions.KindCRM})
	require.Error(t, err)

	_, err = New(Config{Kind: "erp", BaseURL: "http://x"})
	require.Error(t, err)

	p, err := New(Config{Kind: actions.KindHelpdesk, BaseURL: "http://x"})
	require.NoError(t, err)
	assert.Equal(t, "helpdesk", p.Name())
}

func TestExecute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/actions/create_contact", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "run-1/0", r.Header.Get("Idempotency-Key"))

		var body requestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, actions.CreateContact, body.Action)
		assert.Equal(t, "ada@example.com", body.Parameters["email"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"contact_id":"c-42","created":true}`)
	}))
	defer server.Close()

	p, err := New(Config{Name: "crm-gw", Kind: actions.KindCRM, BaseURL: server.URL + "/", Token: "secret"})
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), actions.CreateContact, map[string]any{"email": "ada@example.com"}, "run-1/0")
	require.NoError(t, err)
	assert.Equal(t, "c-42", out["contact_id"])
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{http.StatusBadRequest, `{"error":"email is required"}`, func(t *testing.T, err error) {
			var e *actions.ValidationError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "email is required", e.Message)
		}},
		{http.StatusUnprocessableEntity, `{}`, func(t *testing.T, err error) {
			var e *actions.ValidationError
			require.ErrorAs(t, err, &e)
		}},
		{http.StatusUnauthorized, `{"error":{"message":"token expired"}}`, func(t *testing.T, err error) {
			var e *actions.AuthenticationError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "token expired", e.Message)
		}},
		{http.StatusForbidden, ``, func(t *testing.T, err error) {
			var e *actions.AuthenticationError
			require.ErrorAs(t, err, &e)
		}},
		{http.StatusNotFound, `{"message":"no contact c-1"}`, func(t *testing.T, err error) {
			var e *actions.NotFoundError
			require.ErrorAs(t, err, &e)
		}},
		{http.StatusTooManyRequests, ``, func(t *testing.T, err error) {
			var e *actions.RateLimitError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, 7*time.Second, e.RetryAfter)
		}},
		{http.StatusServiceUnavailable, `oops`, func(t *testing.T, err error) {
			var e *actions.UnavailableError
			require.ErrorAs(t, err, &e)
			assert.True(t, actions.IsRetryable(err))
		}},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p, err := New(Config{Kind: actions.KindCRM, BaseURL: server.URL})
			require.NoError(t, err)

			_, err = p.Execute(context.Background(), actions.SearchContacts, nil, "")
			tt.check(t, err)
		})
	}
}

func TestExecute_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	p, err := New(Config{Kind: actions.KindEmail, BaseURL: url})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), actions.SendEmail, nil, "")
	require.Error(t, err)
	assert.True(t, actions.IsRetryable(err))
}

func TestExecute_ThroughRetrying(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ticket_id":"t-1"}`)
	}))
	defer server.Close()

	p, err := New(Config{Kind: actions.KindHelpdesk, BaseURL: server.URL})
	require.NoError(t, err)
	r := actions.NewRetrying(p, actions.RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond})

	out, err := r.ExecuteWithRetry(context.Background(), actions.CreateTicket, map[string]any{"subject": "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, "t-1", out["ticket_id"])
	assert.Equal(t, 2, attempts)

	_, err = r.ExecuteWithRetry(context.Background(), actions.SendEmail, nil, "")
	assert.False(t, errors.Is(err, context.Canceled))
	var ve *actions.ValidationError
	assert.ErrorAs(t, err, &ve)
}
