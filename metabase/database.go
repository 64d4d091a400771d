package metabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Engine names as understood by the Metabase database API
const (
	EnginePostgres = "postgres"
	// Trino is served by the starburst driver
	EngineStarburst = "starburst"
)

// alreadyExistsMarker is what Metabase puts in a 400 body when a database
// with the same name is already registered
const alreadyExistsMarker = "already exists"

// Database describes one external data source to register. It is sent as-is
// as the body of POST /api/database.
type Database struct {
	Engine     string         `json:"engine"`
	Name       string         `json:"name"`
	Details    map[string]any `json:"details"`
	IsOnDemand bool           `json:"is_on_demand"`
	IsFullSync bool           `json:"is_full_sync"`
	// Schedules is only sent when set; an empty non-nil map is sent as {}
	Schedules map[string]any `json:"schedules,omitzero"`
}

// Validate checks the fields Metabase needs before we bother sending it
func (d Database) Validate() error {
	if d.Name == "" {
		return errors.New("database has no name")
	}
	if d.Engine == "" {
		return fmt.Errorf("database %q has no engine", d.Name)
	}
	return nil
}

// PostgresDatabase builds the descriptor for a relational postgres source
func PostgresDatabase(name, host string, port int, dbname, user, password string) Database {
	return Database{
		Engine: EnginePostgres,
		Name:   name,
		Details: map[string]any{
			"host":     host,
			"port":     port,
			"dbname":   dbname,
			"user":     user,
			"password": password,
		},
		IsOnDemand: false,
		IsFullSync: true,
	}
}

// TrinoDatabase builds the descriptor for a Trino catalog/schema, registered
// through the starburst driver without TLS
func TrinoDatabase(name, host string, port int, user, catalog, schema string) Database {
	return Database{
		Engine: EngineStarburst,
		Name:   name,
		Details: map[string]any{
			"host":    host,
			"port":    port,
			"user":    user,
			"catalog": catalog,
			"schema":  schema,
			"ssl":     false,
		},
		IsOnDemand: false,
		IsFullSync: true,
		Schedules:  map[string]any{},
	}
}

// Status is the result of registering one database
type Status int

const (
	Failed Status = iota
	Registered
	AlreadyExists
)

func (s Status) String() string {
	switch s {
	case Registered:
		return "registered"
	case AlreadyExists:
		return "already exists"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome records what happened to one database. StatusCode and Body are set
// whenever the server answered.
type Outcome struct {
	Name       string
	Status     Status
	StatusCode int
	Body       string
	Err        error
}

// OK is true for both Registered and AlreadyExists
func (o Outcome) OK() bool {
	return o.Status == Registered || o.Status == AlreadyExists
}

// EnsureDatabase registers the database unless Metabase already has one by
// that name. It never returns an error; failures are reported in the Outcome.
// The context must carry a session (see WithSession).
func (c *Client) EnsureDatabase(ctx context.Context, db Database) Outcome {
	out := Outcome{Name: db.Name}
	lf := log.Fields{
		"database": db.Name,
		"engine":   db.Engine,
	}

	if err := db.Validate(); err != nil {
		out.Err = err
		log.WithContext(ctx).WithError(err).WithFields(lf).Error("Invalid database definition")
		return out
	}

	log.WithContext(ctx).WithFields(lf).Info("Adding database")

	resp, err := c.postJSON(ctx, "database", db)
	if err != nil {
		out.Err = fmt.Errorf("request to add database %q failed: %w", db.Name, err)
		log.WithContext(ctx).WithError(err).WithFields(lf).Error("Failed to add database")
		return out
	}
	defer resp.Body.Close()

	// classify on the whole body, keep only the start of it
	body := readBodyN(resp.Body, maxBodyRead)
	out.StatusCode = resp.StatusCode
	out.Body = truncateBody(body)

	switch {
	case isSuccess(resp.StatusCode):
		out.Status = Registered
		log.WithContext(ctx).WithFields(lf).Info("Database added successfully")
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(body, alreadyExistsMarker):
		out.Status = AlreadyExists
		log.WithContext(ctx).WithFields(lf).Warn("Database already exists, skipping")
	default:
		out.Err = &ResponseError{
			Op:         fmt.Sprintf("add database %q", db.Name),
			StatusCode: resp.StatusCode,
			Body:       out.Body,
		}
		lf["status"] = resp.StatusCode
		lf["body"] = out.Body
		log.WithContext(ctx).WithError(out.Err).WithFields(lf).Error("Failed to add database")
	}

	return out
}

// EnsureDatabases applies EnsureDatabase to every database in order, one at a
// time. A failure never stops the remaining registrations.
func (c *Client) EnsureDatabases(ctx context.Context, dbs []Database) []Outcome {
	outcomes := make([]Outcome, 0, len(dbs))
	for _, db := range dbs {
		outcomes = append(outcomes, c.EnsureDatabase(ctx, db))
	}
	return outcomes
}
