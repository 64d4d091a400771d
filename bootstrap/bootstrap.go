// Package bootstrap drives a single idempotent configuration run against a
// Metabase server: wait until it is ready, run first-time setup if it is
// still pending, log in, then register every configured database.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/overmindtech/mbsetup/metabase"
	"github.com/overmindtech/mbsetup/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSetupSettle is how long to wait after a successful setup before
// logging in, since Metabase is not immediately consistent
const DefaultSetupSettle = 5 * time.Second

var (
	// ErrNotReady means the server did not become healthy before the
	// readiness deadline or the run was cancelled
	ErrNotReady = errors.New("metabase did not become ready")
	// ErrSetupFailed means the first-run setup call failed
	ErrSetupFailed = errors.New("initial setup failed")
	// ErrAuthFailed means no session could be obtained
	ErrAuthFailed = errors.New("authentication failed")
)

// Config is everything a run needs. It is built once at process start and
// never changed.
type Config struct {
	URL       string
	Admin     metabase.Admin
	Databases []metabase.Database

	// Delay between health probes
	ReadyInterval time.Duration
	// Optional overall deadline for readiness, zero waits forever
	ReadyTimeout time.Duration
	// Delay after a successful setup before logging in
	SetupSettle time.Duration
	// Warn when the server reports a version lower than this, if set
	MinServerVersion string

	Client metabase.Options
}

// Validate checks the parts of the config that would otherwise fail half way
// through a run
func (c Config) Validate() error {
	if _, err := metabase.ParseBaseURL(c.URL); err != nil {
		return err
	}
	if c.Admin.Email == "" {
		return errors.New("admin email must be set")
	}
	if c.Admin.Password == "" {
		return errors.New("admin password must be set")
	}
	if c.MinServerVersion != "" {
		if _, err := semver.NewVersion(c.MinServerVersion); err != nil {
			return fmt.Errorf("invalid minimum server version %q: %w", c.MinServerVersion, err)
		}
	}
	seen := make(map[string]bool, len(c.Databases))
	for i, db := range c.Databases {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("database %d: %w", i, err)
		}
		if seen[db.Name] {
			return fmt.Errorf("database %q is declared more than once", db.Name)
		}
		seen[db.Name] = true
	}
	return nil
}

// Result summarises a run
type Result struct {
	SetupPerformed bool
	ServerVersion  string
	Outcomes       []metabase.Outcome
}

// Failed returns the outcomes of the databases that could not be registered
func (r *Result) Failed() []metabase.Outcome {
	if r == nil {
		return nil
	}
	var failed []metabase.Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// sleepFunc waits for d or until ctx is done
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runner executes runs against one Metabase instance
type Runner struct {
	cfg    Config
	client *metabase.Client
	sleep  sleepFunc
}

// NewRunner validates the config and creates the Metabase client
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := metabase.NewClient(cfg.URL, cfg.Client)
	if err != nil {
		return nil, err
	}

	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = metabase.DefaultReadyInterval
	}
	if cfg.SetupSettle < 0 {
		cfg.SetupSettle = 0
	}

	return &Runner{
		cfg:    cfg,
		client: client,
		sleep:  sleepContext,
	}, nil
}

// Run is a convenience wrapper for NewRunner followed by Runner.Run
func Run(ctx context.Context, cfg Config) (*Result, error) {
	r, err := NewRunner(cfg)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// Run performs the whole bootstrap. A non-nil error means a fatal stage
// failed (see ErrNotReady, ErrSetupFailed, ErrAuthFailed) or the run was
// cancelled, and no databases were attempted. Registration failures are not errors; they are reported in
// the Result.
func (r *Runner) Run(ctx context.Context) (result *Result, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "bootstrap.Run", trace.WithAttributes(
		attribute.String("mbsetup.url", r.client.BaseURL()),
		attribute.Int("mbsetup.databases", len(r.cfg.Databases)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	defer tracing.RecoverToError(ctx, "bootstrap.Run", &err)

	result = &Result{}

	if err := r.waitUntilReady(ctx); err != nil {
		return result, err
	}

	result.ServerVersion = r.checkVersion(ctx)

	performed, err := r.ensureInitialized(ctx)
	result.SetupPerformed = performed
	if err != nil {
		return result, err
	}

	session, err := r.authenticate(ctx)
	if err != nil {
		return result, err
	}

	result.Outcomes = r.registerDatabases(metabase.WithSession(ctx, session))

	failed := result.Failed()
	span.SetAttributes(attribute.Int("mbsetup.databases.failed", len(failed)))
	log.WithContext(ctx).WithFields(log.Fields{
		"databases": len(result.Outcomes),
		"failed":    len(failed),
	}).Info("Metabase setup and datasource configuration complete")

	return result, nil
}

func (r *Runner) waitUntilReady(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "bootstrap.WaitUntilReady")
	defer span.End()

	if r.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ReadyTimeout)
		defer cancel()
	}

	if err := r.client.WaitUntilReady(ctx, r.cfg.ReadyInterval); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

// checkVersion logs the server version and warns if it is older than the
// configured minimum. Never fatal.
func (r *Runner) checkVersion(ctx context.Context) string {
	if r.cfg.MinServerVersion == "" {
		return ""
	}

	props, err := r.client.SessionProperties(ctx)
	if err != nil {
		log.WithContext(ctx).WithError(err).Warn("Could not read Metabase version")
		return ""
	}

	tag := props.Version.Tag
	lf := log.Fields{
		"version":    tag,
		"minVersion": r.cfg.MinServerVersion,
	}

	current, err := semver.NewVersion(tag)
	if err != nil {
		log.WithContext(ctx).WithError(err).WithFields(lf).Warn("Could not parse Metabase version")
		return tag
	}

	// validated in Config.Validate
	minimum := semver.MustParse(r.cfg.MinServerVersion)
	if current.LessThan(minimum) {
		log.WithContext(ctx).WithFields(lf).Warn("Metabase is older than the minimum supported version")
	} else {
		log.WithContext(ctx).WithFields(lf).Debug("Metabase version is supported")
	}

	return tag
}

func (r *Runner) ensureInitialized(ctx context.Context) (bool, error) {
	ctx, span := tracing.Tracer().Start(ctx, "bootstrap.EnsureInitialized")
	defer span.End()

	performed, err := r.client.EnsureInitialized(ctx, r.cfg.Admin)
	span.SetAttributes(attribute.Bool("mbsetup.setup.performed", performed))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	if performed && r.cfg.SetupSettle > 0 {
		log.WithContext(ctx).WithField("delay", r.cfg.SetupSettle.String()).Info("Giving Metabase a moment to finalise setup")
		if err := r.sleep(ctx, r.cfg.SetupSettle); err != nil {
			// setup itself went through
			return true, fmt.Errorf("interrupted while waiting for setup to settle: %w", err)
		}
	}

	return performed, nil
}

func (r *Runner) authenticate(ctx context.Context) (metabase.Session, error) {
	ctx, span := tracing.Tracer().Start(ctx, "bootstrap.Authenticate")
	defer span.End()

	session, err := r.client.Login(ctx, r.cfg.Admin)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return session, nil
}

func (r *Runner) registerDatabases(ctx context.Context) []metabase.Outcome {
	ctx, span := tracing.Tracer().Start(ctx, "bootstrap.RegisterDatabases")
	defer span.End()

	outcomes := r.client.EnsureDatabases(ctx, r.cfg.Databases)
	for _, o := range outcomes {
		span.AddEvent("database", trace.WithAttributes(
			attribute.String("mbsetup.database.name", o.Name),
			attribute.String("mbsetup.database.status", o.Status.String()),
		))
	}
	return outcomes
}
