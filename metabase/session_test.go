package metabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/overmindtech/mbsetup/metabase/metabasetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	srv := metabasetest.NewServer(t, func(s *metabasetest.Server) {
		s.SessionID = "0b6a1c1e-session"
	})
	c := newTestClient(t, srv.URL)

	session, err := c.Login(context.Background(), testAdmin)
	require.NoError(t, err)
	assert.Equal(t, Session("0b6a1c1e-session"), session)

	reqs := srv.RequestsTo(http.MethodPost, "/api/session")
	require.Len(t, reqs, 1)

	var body map[string]string
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Equal(t, map[string]string{
		"username": "admin@example.com",
		"password": "hunter2hunter2",
	}, body)
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		server func(s *metabasetest.Server)
		status int
	}{
		{
			name: "wrong password",
			server: func(s *metabasetest.Server) {
				s.LoginStatus = http.StatusUnauthorized
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "server error is not retried",
			server: func(s *metabasetest.Server) {
				s.LoginStatus = http.StatusInternalServerError
			},
			status: http.StatusInternalServerError,
		},
		{
			name: "malformed body",
			server: func(s *metabasetest.Server) {
				s.LoginBody = `{"id": `
			},
		},
		{
			name: "missing id",
			server: func(s *metabasetest.Server) {
				s.LoginBody = `{}`
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := metabasetest.NewServer(t, tt.server)
			c := newTestClient(t, srv.URL)

			session, err := c.Login(context.Background(), testAdmin)
			require.Error(t, err)
			assert.Empty(t, session)

			// exactly one attempt
			assert.Len(t, srv.RequestsTo(http.MethodPost, "/api/session"), 1)

			if tt.status != 0 {
				var respErr *ResponseError
				require.True(t, errors.As(err, &respErr))
				assert.Equal(t, tt.status, respErr.StatusCode)
				assert.NotEmpty(t, respErr.Body)
			}
		})
	}
}

func TestSessionTransport(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r.Header.Get(SessionHeader))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &SessionTransport{from: http.DefaultTransport}}

	// without a session no header is set
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	// with a session the header is set, and the caller's request is untouched
	ctx := WithSession(context.Background(), "abc123")
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "abc123"}, got)
	assert.Empty(t, req.Header.Get(SessionHeader))
}

func TestSessionFromContext(t *testing.T) {
	_, ok := SessionFromContext(context.Background())
	assert.False(t, ok)

	_, ok = SessionFromContext(WithSession(context.Background(), ""))
	assert.False(t, ok)

	s, ok := SessionFromContext(WithSession(context.Background(), "abc"))
	assert.True(t, ok)
	assert.Equal(t, Session("abc"), s)
}

func TestResponseError(t *testing.T) {
	err := &ResponseError{Op: "authenticate", StatusCode: http.StatusUnauthorized, Body: "nope"}
	assert.Equal(t, "authenticate failed: 401 Unauthorized", err.Error())
}
