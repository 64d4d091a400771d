package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Admin is the profile of the first admin account, plus the site-wide
// settings sent with it during setup
type Admin struct {
	Email      string
	Password   string
	FirstName  string
	LastName   string
	SiteName   string
	SetupToken string
}

// SessionProperties is the subset of GET /api/session/properties that we use
type SessionProperties struct {
	// SetupToken is non-nil while first-run setup is still pending
	SetupToken *string `json:"setup-token"`
	Version    struct {
		Tag string `json:"tag"`
	} `json:"version"`
}

// SetupPending reports whether the server still expects first-run setup
func (p *SessionProperties) SetupPending() bool {
	return p != nil && p.SetupToken != nil
}

// SessionProperties fetches the public session properties. This is an
// idempotent read so transient failures are retried.
func (c *Client) SessionProperties(ctx context.Context) (*SessionProperties, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("session/properties"), nil)
	if err != nil {
		return nil, fmt.Errorf("could not build session properties request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.retrying.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch session properties: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, &ResponseError{
			Op:         "fetch session properties",
			StatusCode: resp.StatusCode,
			Body:       readBody(resp.Body),
		}
	}

	props := new(SessionProperties)
	if err := json.NewDecoder(resp.Body).Decode(props); err != nil {
		return nil, fmt.Errorf("could not parse session properties: %w", err)
	}

	return props, nil
}

// setupStatus returns whether setup is pending and the token the server
// reported for it. Errors are logged and treated as "no setup needed" so that
// a flaky properties endpoint never blocks the rest of the run.
func (c *Client) setupStatus(ctx context.Context) (string, bool) {
	props, err := c.SessionProperties(ctx)
	if err != nil {
		log.WithContext(ctx).WithError(err).Warn("Error checking setup status, assuming setup is not needed")
		return "", false
	}

	needed := props.SetupPending()
	log.WithContext(ctx).WithField("needed", needed).Info("Checked whether Metabase needs setup")

	if !needed {
		return "", false
	}

	return *props.SetupToken, true
}

// NeedsSetup reports whether first-run setup is still pending. It fails open:
// any error returns false.
func (c *Client) NeedsSetup(ctx context.Context) bool {
	_, needed := c.setupStatus(ctx)
	return needed
}

type setupRequest struct {
	Token string     `json:"token"`
	User  setupUser  `json:"user"`
	Prefs setupPrefs `json:"prefs"`
}

type setupUser struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type setupPrefs struct {
	AllowTracking bool   `json:"allow_tracking"`
	SiteName      string `json:"site_name"`
}

// PerformSetup creates the first admin user using the one-time setup token.
// Tracking is always disabled.
func (c *Client) PerformSetup(ctx context.Context, admin Admin, token string) error {
	log.WithContext(ctx).WithFields(log.Fields{
		"email":    admin.Email,
		"siteName": admin.SiteName,
	}).Info("Performing initial Metabase setup")

	resp, err := c.postJSON(ctx, "setup", setupRequest{
		Token: token,
		User: setupUser{
			FirstName: admin.FirstName,
			LastName:  admin.LastName,
			Email:     admin.Email,
			Password:  admin.Password,
		},
		Prefs: setupPrefs{
			AllowTracking: false,
			SiteName:      admin.SiteName,
		},
	})
	if err != nil {
		return fmt.Errorf("setup request failed: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return &ResponseError{
			Op:         "initial setup",
			StatusCode: resp.StatusCode,
			Body:       readBody(resp.Body),
		}
	}

	log.WithContext(ctx).Info("Initial admin user created successfully")

	return nil
}

// EnsureInitialized runs first-run setup if, and only if, the server says it
// is still pending. It returns whether setup was performed. The configured
// setup token wins; the token reported by the server is used when none is
// configured.
func (c *Client) EnsureInitialized(ctx context.Context, admin Admin) (bool, error) {
	serverToken, needed := c.setupStatus(ctx)
	if !needed {
		return false, nil
	}

	token := admin.SetupToken
	if token == "" {
		token = serverToken
	}

	if err := c.PerformSetup(ctx, admin, token); err != nil {
		return false, err
	}

	return true, nil
}
