// Package metabasetest provides an in-memory fake of the parts of the
// Metabase REST API that mbsetup uses
package metabasetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Response is a canned reply for one registration
type Response struct {
	Status int
	Body   string
}

// Request is a request the fake server received
type Request struct {
	Method  string
	Path    string
	Session string
	Body    []byte
}

// Server fakes Metabase. The exported fields are set through the options
// passed to NewServer; the defaults behave like an already set up, healthy
// server.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Number of health probes that fail before the first 200
	HealthFailures int
	// Status used for failing health probes, defaults to 503
	HealthFailureStatus int

	// Reported as setup-token in the session properties, nil means setup
	// has already been done
	SetupToken *string
	// Reported as version.tag in the session properties
	VersionTag string
	// Overrides the status of GET /api/session/properties
	PropertiesStatus int
	// Overrides the raw body of GET /api/session/properties
	PropertiesBody string

	// Status of POST /api/setup, defaults to 200
	SetupStatus int

	// Status of POST /api/session, defaults to 200
	LoginStatus int
	// Body of a successful login, defaults to {"id": SessionID}
	LoginBody string
	// Session id returned by a successful login
	SessionID string

	// Canned registration replies keyed by database name. Unknown names are
	// registered with a 200.
	Databases map[string]Response

	requests []Request
}

// NewServer applies opts and starts a fake Metabase. It is closed with the
// test.
func NewServer(t interface {
	Cleanup(func())
}, opts ...func(*Server)) *Server {
	s := &Server{
		SessionID: "session-id",
		Databases: map[string]Response{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// StringPtr is a helper for setting SetupToken
func StringPtr(s string) *string {
	return &s
}

// Requests returns a copy of the requests received so far, in order
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo returns the requests received for one method and path
func (s *Server) RequestsTo(method, path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Session: r.Header.Get("X-Metabase-Session"),
		Body:    body,
	})

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/health":
		s.health(w)
	case r.Method == http.MethodGet && r.URL.Path == "/api/session/properties":
		s.properties(w)
	case r.Method == http.MethodPost && r.URL.Path == "/api/setup":
		s.setup(w)
	case r.Method == http.MethodPost && r.URL.Path == "/api/session":
		s.login(w)
	case r.Method == http.MethodPost && r.URL.Path == "/api/database":
		s.database(w, body)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter) {
	if s.HealthFailures > 0 {
		s.HealthFailures--
		status := s.HealthFailureStatus
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) properties(w http.ResponseWriter) {
	status := s.PropertiesStatus
	if status == 0 {
		status = http.StatusOK
	}

	if s.PropertiesBody != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, s.PropertiesBody)
		return
	}

	writeJSON(w, status, map[string]any{
		"setup-token": s.SetupToken,
		"version":     map[string]string{"tag": s.VersionTag},
	})
}

func (s *Server) setup(w http.ResponseWriter) {
	status := s.SetupStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		http.Error(w, `{"errors":{"token":"Token does not match the setup token."}}`, status)
		return
	}
	// setup is one-shot
	s.SetupToken = nil
	writeJSON(w, status, map[string]string{"id": s.SessionID})
}

func (s *Server) login(w http.ResponseWriter) {
	status := s.LoginStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		http.Error(w, `{"errors":{"password":"did not match stored password"}}`, status)
		return
	}
	if s.LoginBody != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, s.LoginBody)
		return
	}
	writeJSON(w, status, map[string]string{"id": s.SessionID})
}

func (s *Server) database(w http.ResponseWriter, body []byte) {
	var db struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &db); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}

	if resp, ok := s.Databases[db.Name]; ok {
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, resp.Body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": len(s.requests), "name": db.Name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
