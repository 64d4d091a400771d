package metabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Session is the opaque credential returned by POST /api/session. It lives
// for the rest of the process and is never written anywhere.
type Session string

// SessionContextKey is the context key the session credential is stored under
type SessionContextKey struct{}

// WithSession returns a context that carries the session credential. Requests
// made by the Client with this context are authenticated.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, SessionContextKey{}, s)
}

// SessionFromContext returns the session stored by WithSession, if any
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(SessionContextKey{}).(Session)
	return s, ok && s != ""
}

// SessionTransport sets the Metabase session header on every request whose
// context carries a session, then calls the underlying round tripper
type SessionTransport struct {
	from http.RoundTripper
}

// RoundTrip adds the session header to the request then calls the underlying
// roundTripper
func (t *SessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s, ok := SessionFromContext(req.Context()); ok {
		// RoundTrippers must not modify the caller's request
		req = req.Clone(req.Context())
		req.Header.Set(SessionHeader, string(s))
	}

	return t.from.RoundTrip(req)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	ID string `json:"id"`
}

// Login authenticates as the admin and returns the session id. There is
// exactly one attempt.
func (c *Client) Login(ctx context.Context, admin Admin) (Session, error) {
	log.WithContext(ctx).WithField("email", admin.Email).Info("Authenticating to get a session token")

	resp, err := c.postJSON(ctx, "session", loginRequest{
		Username: admin.Email,
		Password: admin.Password,
	})
	if err != nil {
		return "", fmt.Errorf("authentication request failed: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", &ResponseError{
			Op:         "authenticate",
			StatusCode: resp.StatusCode,
			Body:       readBody(resp.Body),
		}
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("could not parse authentication response: %w", err)
	}

	if body.ID == "" {
		return "", errors.New("authentication response did not contain a session id")
	}

	log.WithContext(ctx).Info("Session token obtained")

	return Session(body.ID), nil
}
