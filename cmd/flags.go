package cmd

import (
	"time"

	"github.com/overmindtech/mbsetup/bootstrap"
	"github.com/overmindtech/mbsetup/metabase"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// This file contains the flags of the root command, grouped by concern, and
// the environment variables each one can also be set from. The first env name
// is the preferred one; the names match the docker-compose setup this job
// usually runs in.

// envNames maps flag names to the environment variables that set them
var envNames = map[string][]string{
	// general
	"env-file":           {"MB_ENV_FILE"},
	"log":                {"MB_LOG", "LOG"},
	"json-log":           {"MB_JSON_LOG", "JSON_LOG"},
	"termination-log":    {"MB_TERMINATION_LOG"},
	"allow-partial":      {"MB_ALLOW_PARTIAL"},
	"url":                {"MB_URL"},
	"min-server-version": {"MB_MIN_SERVER_VERSION"},

	// admin
	"setup-token":      {"MB_SETUP_TOKEN"},
	"admin-email":      {"MB_ADMIN_EMAIL"},
	"admin-password":   {"MB_ADMIN_PASSWORD"},
	"admin-first-name": {"MB_ADMIN_FIRST_NAME"},
	"admin-last-name":  {"MB_ADMIN_LAST_NAME"},
	"site-name":        {"MB_SITE_NAME"},

	// built-in data sources
	"inventory-db-name":   {"INVENTORY_DB_NAME"},
	"inventory-db-host":   {"INVENTORY_DB_HOST"},
	"inventory-db-port":   {"INVENTORY_DB_PORT"},
	"inventory-db-user":   {"INVENTORY_DB_USER"},
	"inventory-db-pass":   {"INVENTORY_DB_PASS"},
	"inventory-db-dbname": {"INVENTORY_DB_DBNAME"},
	"trino-db-name":       {"TRINO_DB_NAME"},
	"trino-db-host":       {"TRINO_DB_HOST"},
	"trino-db-port":       {"TRINO_DB_PORT"},
	"trino-db-user":       {"TRINO_DB_USER"},
	"trino-db-catalog":    {"TRINO_DB_CATALOG"},
	"trino-db-schema":     {"TRINO_DB_SCHEMA"},

	// timing
	"ready-interval":  {"MB_READY_INTERVAL"},
	"ready-timeout":   {"MB_READY_TIMEOUT"},
	"probe-timeout":   {"MB_PROBE_TIMEOUT"},
	"request-timeout": {"MB_REQUEST_TIMEOUT"},
	"setup-settle":    {"MB_SETUP_SETTLE"},
	"http-retries":    {"MB_HTTP_RETRIES"},

	// tracing
	"honeycomb-api-key":           {"MB_HONEYCOMB_API_KEY", "HONEYCOMB_API_KEY"},
	"sentry-dsn":                  {"MB_SENTRY_DSN", "SENTRY_DSN"},
	"run-mode":                    {"MB_RUN_MODE", "RUN_MODE"},
	"stdout-trace-dump":           {"MB_STDOUT_TRACE_DUMP"},
	"detect-ec2":                  {"MB_DETECT_EC2"},
	"otel-exporter-otlp-endpoint": {"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// Adds flags that control the process itself
func addGeneralFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional YAML config file. Extra data sources can be listed under 'databases'.")
	cmd.PersistentFlags().String("env-file", ".env", "Dotenv file to load before reading the environment. Ignored if it does not exist.")
	cmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Set the log level. Valid values: panic, fatal, error, warn, info, debug, trace")
	cmd.PersistentFlags().Bool("json-log", false, "Emit logs as JSON with a severity field.")
	cmd.PersistentFlags().String("termination-log", "/dev/termination-log", "File the reason for a failed run is written to, if it exists.")
	cmd.PersistentFlags().Bool("allow-partial", false, "Exit 0 even if some data sources could not be registered.")
}

// Adds flags for reaching the server and setting up its first admin
func addAdminFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("url", "http://metabase:3000", "Base URL of the Metabase server.")
	cmd.PersistentFlags().String("min-server-version", "", "Warn if the server reports a version older than this.")
	cmd.PersistentFlags().String("setup-token", "", "One-time setup token. Defaults to the token the server reports while setup is pending.")
	cmd.PersistentFlags().String("admin-email", "", "Email of the admin account, also used to log in.")
	cmd.PersistentFlags().String("admin-password", "", "Password of the admin account.")
	cmd.PersistentFlags().String("admin-first-name", "", "First name of the admin account.")
	cmd.PersistentFlags().String("admin-last-name", "", "Last name of the admin account.")
	cmd.PersistentFlags().String("site-name", "", "Site name set during first-run setup.")
}

// Adds flags for the two built-in data sources. Setting a host to the empty
// string skips that data source.
func addDatabaseFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("inventory-db-name", "Inventory DB", "Name of the postgres data source in Metabase.")
	cmd.PersistentFlags().String("inventory-db-host", "db", "Postgres host. Empty to skip this data source.")
	cmd.PersistentFlags().Int("inventory-db-port", 5432, "Postgres port.")
	cmd.PersistentFlags().String("inventory-db-user", "testuser", "Postgres user.")
	cmd.PersistentFlags().String("inventory-db-pass", "testpass", "Postgres password.")
	cmd.PersistentFlags().String("inventory-db-dbname", "inventory", "Postgres database name.")

	cmd.PersistentFlags().String("trino-db-name", "Trino Iceberg", "Name of the Trino data source in Metabase.")
	cmd.PersistentFlags().String("trino-db-host", "trino", "Trino host. Empty to skip this data source.")
	cmd.PersistentFlags().Int("trino-db-port", 8080, "Trino port.")
	cmd.PersistentFlags().String("trino-db-user", "admin", "Trino user.")
	cmd.PersistentFlags().String("trino-db-catalog", "iceberg", "Trino catalog.")
	cmd.PersistentFlags().String("trino-db-schema", "icebergdata", "Trino schema.")
}

// Adds flags for timeouts, delays and retries
func addTimingFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Duration("ready-interval", metabase.DefaultReadyInterval, "Delay between health checks while waiting for the server.")
	cmd.PersistentFlags().Duration("ready-timeout", 0, "Give up waiting for the server after this long. 0 waits forever.")
	cmd.PersistentFlags().Duration("probe-timeout", metabase.DefaultProbeTimeout, "Timeout of a single health check.")
	cmd.PersistentFlags().Duration("request-timeout", metabase.DefaultRequestTimeout, "Timeout of setup, login and registration calls.")
	cmd.PersistentFlags().Duration("setup-settle", bootstrap.DefaultSetupSettle, "Delay after first-run setup before logging in.")
	cmd.PersistentFlags().Int("http-retries", metabase.DefaultRetries, "Retries for transient failures of read-only calls.")
}

// Adds tracing and error reporting flags
func addTracingFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("honeycomb-api-key", "", "If specified, configures opentelemetry libraries to submit traces to honeycomb")
	cmd.PersistentFlags().String("sentry-dsn", "", "If specified, configures sentry libraries to capture errors")
	cmd.PersistentFlags().String("run-mode", "release", "Set the run mode for this job, 'release', 'debug' or 'test'. Defaults to 'release'.")
	cmd.PersistentFlags().Bool("stdout-trace-dump", false, "Dump all otel traces to stdout for debugging.")
	cmd.PersistentFlags().Bool("detect-ec2", false, "Add EC2 instance details to trace resources.")
}

// bindConfig binds every flag of cmd to viper, and the flags listed in
// envNames to their environment variables
func bindConfig(cmd *cobra.Command) error {
	// an empty INVENTORY_DB_HOST has to be able to disable that data source
	viper.AllowEmptyEnv(true)

	for name, envs := range envNames {
		args := append([]string{name}, envs...)
		if err := viper.BindEnv(args...); err != nil {
			return err
		}
	}

	return viper.BindPFlags(cmd.PersistentFlags())
}

// durationOrZero clamps negative durations, which viper happily parses
func durationOrZero(key string) time.Duration {
	d := viper.GetDuration(key)
	if d < 0 {
		return 0
	}
	return d
}
