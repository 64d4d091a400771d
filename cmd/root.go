package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/overmindtech/mbsetup/bootstrap"
	"github.com/overmindtech/mbsetup/logging"
	"github.com/overmindtech/mbsetup/metabase"
	"github.com/overmindtech/mbsetup/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var cfgFile string
var logLevel string

// configErr is set by initConfig when the --config file could not be read
var configErr error

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mbsetup",
	Short: "Bootstraps a Metabase server and registers its data sources",
	Long: `Waits for a Metabase server to become healthy, performs the first-run
setup if it is still pending, logs in as the admin and registers the
configured data sources. Every step is safe to repeat, so the job can run on
every deploy.

Exits 0 on success, 1 if the run could not complete and 2 if some data
sources could not be registered (unless --allow-partial is set).
`,
	Version:       tracing.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          Bootstrap,
}

// Bootstrap runs the whole sequence once and prints the outcome of every data
// source
func Bootstrap(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New()
	ctx, span := tracing.Tracer().Start(ctx, "mbsetup", trace.WithAttributes(
		attribute.String("mbsetup.run", runID.String()),
	))
	defer span.End()
	defer tracing.RecoverToError(ctx, "mbsetup", &err)

	cfg, err := ConfigFromViper()
	if err != nil {
		return flagError{usage: fmt.Sprintf("invalid configuration: %v\n\n%v", err, cmd.UsageString())}
	}

	lf := log.Fields{
		"run":       runID,
		"url":       cfg.URL,
		"databases": len(cfg.Databases),
	}
	log.WithContext(ctx).WithFields(lf).Info("Starting Metabase bootstrap")

	result, err := bootstrap.Run(ctx, *cfg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		sentry.CaptureException(err)

		var respErr *metabase.ResponseError
		if errors.As(err, &respErr) {
			lf["status"] = respErr.StatusCode
			lf["body"] = respErr.Body
		}
		return loggedError{
			err:     err,
			fields:  lf,
			message: "Metabase bootstrap failed",
		}
	}

	printSummary(cmd.OutOrStdout(), result.Outcomes)

	failed := result.Failed()
	span.SetAttributes(
		attribute.Bool("mbsetup.setupPerformed", result.SetupPerformed),
		attribute.Int("mbsetup.databases.failed", len(failed)),
	)
	lf["setupPerformed"] = result.SetupPerformed
	lf["failed"] = len(failed)

	if len(failed) > 0 {
		if viper.GetBool("allow-partial") {
			log.WithContext(ctx).WithFields(lf).Warn("Some data sources could not be registered")
			return nil
		}
		return exitError{
			code: exitPartial,
			err:  fmt.Errorf("%d of %d data sources could not be registered", len(failed), len(result.Outcomes)),
		}
	}

	log.WithContext(ctx).WithFields(lf).Info("Metabase bootstrap complete")
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	code := exitCode(err)
	reportError(err, code)

	tracing.ShutdownTracer(context.Background())
	os.Exit(code)
}

// reportError logs the error the root command returned, once
func reportError(err error, code int) {
	var le loggedError
	var fe flagError
	var ee exitError
	switch {
	case err == nil:
	case errors.As(err, &fe):
		fmt.Fprintln(os.Stderr, fe.usage)
	case errors.As(err, &le):
		log.WithError(le.err).WithFields(le.fields).WithField(exitCodeField, code).Error(le.message)
	case errors.As(err, &ee):
		log.WithError(ee.err).WithField(exitCodeField, code).Error("Some data sources could not be registered")
	default:
		log.WithError(err).WithField(exitCodeField, code).Error("Metabase bootstrap did not complete")
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	addGeneralFlags(rootCmd)
	addAdminFlags(rootCmd)
	addDatabaseFlags(rootCmd)
	addTimingFlags(rootCmd)
	addTracingFlags(rootCmd)

	// Bind these to viper
	err := bindConfig(rootCmd)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Could not bind flags to viper")
	}

	// Run this before we do anything to set up the loglevel
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logLevel = viper.GetString("log")
		if lvl, err := log.ParseLevel(logLevel); err == nil {
			log.SetLevel(lvl)
		} else {
			log.SetLevel(log.InfoLevel)
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Could not parse log level")
		}

		if viper.GetBool("json-log") {
			logging.ConfigureLogrusJSON(log.StandardLogger())
		}

		log.AddHook(TerminationLogHook{Path: viper.GetString("termination-log")})
		log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
			log.PanicLevel,
			log.FatalLevel,
			log.ErrorLevel,
			log.WarnLevel,
		)))

		return tracing.InitTracerWithUpstreams("mbsetup", viper.GetString("honeycomb-api-key"), viper.GetString("sentry-dsn"))
	}
}

// initConfig reads in the env file, config file and ENV variables if set.
func initConfig() {
	if err := loadEnvFile(viper.GetString("env-file")); err != nil {
		log.WithError(err).Warn("Ignoring env file")
	}

	replacer := strings.NewReplacer("-", "_")

	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix("MB")
	viper.AutomaticEnv() // read in environment variables that match

	configErr = nil
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		// reported by ConfigFromViper, the run must not go ahead without it
		configErr = fmt.Errorf("could not read config file %v: %w", cfgFile, err)
		return
	}
	log.Infof("Using config file: %v", viper.ConfigFileUsed())
}

// exitCodeField marks the entry logged for a failed run. Only entries with
// this field end up in the termination log.
const exitCodeField = "exitCode"

// TerminationLogHook writes the reason a run failed to the kubernetes
// termination log, when that file exists
type TerminationLogHook struct {
	Path string
}

func (t TerminationLogHook) Levels() []log.Level {
	return []log.Level{log.ErrorLevel, log.FatalLevel}
}

func (t TerminationLogHook) Fire(e *log.Entry) error {
	if t.Path == "" {
		return nil
	}
	if _, ok := e.Data[exitCodeField]; !ok && e.Level != log.FatalLevel {
		return nil
	}

	// kubernetes creates the file, outside of a pod there is nothing to do
	tLog, err := os.OpenFile(t.Path, os.O_APPEND|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer tLog.Close()

	message := e.Message
	if err, ok := e.Data[log.ErrorKey]; ok {
		message = fmt.Sprintf("%v: %v", message, err)
	}

	_, err = tLog.WriteString(message)

	return err
}
