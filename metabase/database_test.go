package metabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/overmindtech/mbsetup/metabase/metabasetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabases() []Database {
	return []Database{
		PostgresDatabase("Inventory DB", "db", 5432, "inventory", "testuser", "testpass"),
		TrinoDatabase("Trino Iceberg", "trino", 8080, "admin", "iceberg", "icebergdata"),
	}
}

func TestEnsureDatabaseOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		response *metabasetest.Response
		want     Status
		wantErr  bool
	}{
		{
			name: "registered",
			want: Registered,
		},
		{
			name:     "already exists",
			response: &metabasetest.Response{Status: http.StatusBadRequest, Body: `{"message":"Database already exists"}`},
			want:     AlreadyExists,
		},
		{
			name:     "other 400",
			response: &metabasetest.Response{Status: http.StatusBadRequest, Body: `{"errors":{"port":"invalid"}}`},
			want:     Failed,
			wantErr:  true,
		},
		{
			name:     "already exists on a non-400",
			response: &metabasetest.Response{Status: http.StatusConflict, Body: "already exists"},
			want:     Failed,
			wantErr:  true,
		},
		{
			name:     "server error",
			response: &metabasetest.Response{Status: http.StatusInternalServerError, Body: "boom"},
			want:     Failed,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDatabases()[0]
			srv := metabasetest.NewServer(t, func(s *metabasetest.Server) {
				if tt.response != nil {
					s.Databases[db.Name] = *tt.response
				}
			})
			c := newTestClient(t, srv.URL)

			out := c.EnsureDatabase(WithSession(context.Background(), "sid"), db)

			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, db.Name, out.Name)
			assert.Equal(t, tt.want != Failed, out.OK())
			if tt.wantErr {
				var respErr *ResponseError
				require.True(t, errors.As(out.Err, &respErr))
				assert.Equal(t, tt.response.Status, respErr.StatusCode)
				assert.Equal(t, tt.response.Body, out.Body)
			} else {
				assert.NoError(t, out.Err)
			}
		})
	}
}

func TestEnsureDatabasesAttemptsEveryDatabase(t *testing.T) {
	dbs := append(testDatabases(), Database{
		Engine: EnginePostgres,
		Name:   "Reporting",
		Details: map[string]any{
			"host": "reporting",
		},
		IsFullSync: true,
	})

	srv := metabasetest.NewServer(t, func(s *metabasetest.Server) {
		s.Databases["Inventory DB"] = metabasetest.Response{Status: http.StatusInternalServerError, Body: "boom"}
		s.Databases["Trino Iceberg"] = metabasetest.Response{Status: http.StatusBadGateway, Body: "bad gateway"}
	})
	c := newTestClient(t, srv.URL)

	outcomes := c.EnsureDatabases(WithSession(context.Background(), "sid"), dbs)

	require.Len(t, outcomes, 3)
	assert.Equal(t, Failed, outcomes[0].Status)
	assert.Equal(t, Failed, outcomes[1].Status)
	assert.Equal(t, Registered, outcomes[2].Status)

	reqs := srv.RequestsTo(http.MethodPost, "/api/database")
	require.Len(t, reqs, 3)

	// declaration order, every one authenticated
	for i, r := range reqs {
		var body Database
		require.NoError(t, json.Unmarshal(r.Body, &body))
		assert.Equal(t, dbs[i].Name, body.Name)
		assert.Equal(t, "sid", r.Session)
	}
}

func TestEnsureDatabasePayload(t *testing.T) {
	srv := metabasetest.NewServer(t)
	c := newTestClient(t, srv.URL)

	c.EnsureDatabases(WithSession(context.Background(), "sid"), testDatabases())

	reqs := srv.RequestsTo(http.MethodPost, "/api/database")
	require.Len(t, reqs, 2)

	var postgres map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].Body, &postgres))
	assert.Equal(t, map[string]any{
		"engine": "postgres",
		"name":   "Inventory DB",
		"details": map[string]any{
			"host":     "db",
			"port":     float64(5432),
			"dbname":   "inventory",
			"user":     "testuser",
			"password": "testpass",
		},
		"is_on_demand": false,
		"is_full_sync": true,
	}, postgres)

	var trino map[string]any
	require.NoError(t, json.Unmarshal(reqs[1].Body, &trino))
	assert.Equal(t, "starburst", trino["engine"])
	assert.Equal(t, map[string]any{}, trino["schedules"])
	assert.Equal(t, map[string]any{
		"host":    "trino",
		"port":    float64(8080),
		"user":    "admin",
		"catalog": "iceberg",
		"schema":  "icebergdata",
		"ssl":     false,
	}, trino["details"])
}

func TestEnsureDatabaseInvalid(t *testing.T) {
	srv := metabasetest.NewServer(t)
	c := newTestClient(t, srv.URL)

	out := c.EnsureDatabase(context.Background(), Database{Name: "no engine"})
	assert.Equal(t, Failed, out.Status)
	assert.Error(t, out.Err)
	assert.Empty(t, srv.Requests())
}

func TestEnsureDatabaseNetworkFailure(t *testing.T) {
	srv := metabasetest.NewServer(t)
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	outcomes := c.EnsureDatabases(WithSession(context.Background(), "sid"), testDatabases())

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, Failed, o.Status)
		assert.Error(t, o.Err)
		assert.Zero(t, o.StatusCode)
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "registered", Registered.String())
	assert.Equal(t, "already exists", AlreadyExists.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "Status(7)", Status(7).String())
}

func TestEnsureDatabaseLongBody(t *testing.T) {
	db := testDatabases()[0]
	longBody := strings.Repeat("é", maxBodyLog) + " Database already exists"

	srv := metabasetest.NewServer(t, func(s *metabasetest.Server) {
		s.Databases[db.Name] = metabasetest.Response{Status: http.StatusBadRequest, Body: longBody}
	})
	c := newTestClient(t, srv.URL)

	out := c.EnsureDatabase(WithSession(context.Background(), "sid"), db)

	// the marker is past what is kept for logs, but still counts
	assert.Equal(t, AlreadyExists, out.Status)
	assert.LessOrEqual(t, len(out.Body), maxBodyLog)
	assert.True(t, utf8.ValidString(out.Body))
}

func TestTruncateBody(t *testing.T) {
	assert.Equal(t, "short", truncateBody("short"))

	// a two byte rune straddling the limit is dropped, not split
	body := strings.Repeat("a", maxBodyLog-1) + "é"
	got := truncateBody(body)
	assert.Equal(t, strings.Repeat("a", maxBodyLog-1), got)
	assert.True(t, utf8.ValidString(got))
}
