package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/overmindtech/mbsetup/metabase/metabasetest"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper gives the test a fresh viper bound to the root command's flags
// and restores that state afterwards
func resetViper(t *testing.T) {
	t.Helper()

	viper.Reset()
	require.NoError(t, bindConfig(rootCmd))
	t.Cleanup(func() {
		viper.Reset()
		_ = bindConfig(rootCmd)
	})
}

func setAdminEnv(t *testing.T) {
	t.Helper()

	t.Setenv("MB_ADMIN_EMAIL", "admin@example.com")
	t.Setenv("MB_ADMIN_PASSWORD", "hunter2hunter2")
}

func TestBootstrapCommand(t *testing.T) {
	tests := []struct {
		name         string
		allowPartial bool
		trino        *metabasetest.Response
		wantCode     int
	}{
		{
			name:     "all registered",
			wantCode: exitOK,
		},
		{
			name:     "already registered counts as success",
			trino:    &metabasetest.Response{Status: http.StatusBadRequest, Body: "Database already exists"},
			wantCode: exitOK,
		},
		{
			name:     "failed registration",
			trino:    &metabasetest.Response{Status: http.StatusInternalServerError, Body: "boom"},
			wantCode: exitPartial,
		},
		{
			name:         "failed registration allowed",
			allowPartial: true,
			trino:        &metabasetest.Response{Status: http.StatusInternalServerError, Body: "boom"},
			wantCode:     exitOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := metabasetest.NewServer(t, func(s *metabasetest.Server) {
				if tt.trino != nil {
					s.Databases["Trino Iceberg"] = *tt.trino
				}
			})

			resetViper(t)
			setAdminEnv(t)
			t.Setenv("MB_URL", srv.URL)
			viper.Set("allow-partial", tt.allowPartial)

			var out bytes.Buffer
			cmd := &cobra.Command{}
			cmd.SetContext(context.Background())
			cmd.SetOut(&out)

			err := Bootstrap(cmd, nil)
			assert.Equal(t, tt.wantCode, exitCode(err))

			assert.Contains(t, out.String(), "Inventory DB")
			assert.Contains(t, out.String(), "Trino Iceberg")
			assert.Len(t, srv.RequestsTo(http.MethodPost, "/api/database"), 2)
		})
	}
}

func TestBootstrapCommandFatal(t *testing.T) {
	srv := metabasetest.NewServer(t, func(s *metabasetest.Server) {
		s.LoginStatus = http.StatusUnauthorized
	})

	resetViper(t)
	setAdminEnv(t)
	t.Setenv("MB_URL", srv.URL)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)

	err := Bootstrap(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, exitFatal, exitCode(err))

	var le loggedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, http.StatusUnauthorized, le.fields["status"])
	assert.Empty(t, out.String(), "no summary without a session")
}

func TestBootstrapCommandBadConfig(t *testing.T) {
	resetViper(t)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	err := Bootstrap(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, exitFatal, exitCode(err))

	var fe flagError
	assert.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.usage, "admin email")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: exitOK},
		{name: "fatal", err: errors.New("boom"), want: exitFatal},
		{name: "logged", err: loggedError{err: errors.New("boom"), message: "failed"}, want: exitFatal},
		{name: "flags", err: flagError{usage: "usage"}, want: exitFatal},
		{name: "partial", err: exitError{code: exitPartial, err: errors.New("1 of 2")}, want: exitPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestTerminationLogHook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termination-log")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	hook := TerminationLogHook{Path: path}

	// ordinary errors are not the reason the run ended
	entry := log.WithError(errors.New("retrying")).WithField("attempt", 1)
	entry.Message = "Request failed"
	entry.Level = log.ErrorLevel
	require.NoError(t, hook.Fire(entry))

	entry = log.WithError(errors.New("401 Unauthorized")).WithField(exitCodeField, 1)
	entry.Message = "Metabase bootstrap failed"
	entry.Level = log.ErrorLevel
	require.NoError(t, hook.Fire(entry))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Metabase bootstrap failed: 401 Unauthorized", string(b))

	// no file, nothing to do
	missing := TerminationLogHook{Path: filepath.Join(t.TempDir(), "missing")}
	assert.NoError(t, missing.Fire(entry))
	assert.NoError(t, TerminationLogHook{}.Fire(entry))
}

func TestReportError(t *testing.T) {
	hook := test.NewGlobal()
	t.Cleanup(func() {
		log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	})

	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "partial registration",
			err:     exitError{code: exitPartial, err: errors.New("1 of 2 data sources could not be registered")},
			message: "Some data sources could not be registered",
		},
		{
			name:    "fatal stage",
			err:     loggedError{err: errors.New("401 Unauthorized"), message: "Metabase bootstrap failed"},
			message: "Metabase bootstrap failed",
		},
		{
			name:    "anything else",
			err:     errors.New("boom"),
			message: "Metabase bootstrap did not complete",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook.Reset()

			code := exitCode(tt.err)
			reportError(tt.err, code)

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tt.message, entry.Message)
			assert.Equal(t, code, entry.Data[exitCodeField])
		})
	}

	hook.Reset()
	reportError(nil, exitOK)
	assert.Empty(t, hook.AllEntries())
}
