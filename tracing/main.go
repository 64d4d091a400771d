package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/MrAlias/otel-schema-utils/schema"
	"github.com/bombsimon/logrusr/v4"
	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/detectors/aws/ec2/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/overmindtech/mbsetup"

// the following vars will be set during the build using `ldflags`, eg:
//
//	go build -ldflags "-X github.com/overmindtech/mbsetup/tracing.version=$VERSION" -o mbsetup
var (
	version = "dev"
	commit  = "none"
)

// Tracer returns a tracer from the global provider. Until InitTracer runs
// this is a no-op tracer, which is what the tests use.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion(version),
		trace.WithInstrumentationAttributes(
			attribute.String("build.commit", commit),
		),
		trace.WithSchemaURL(semconv.SchemaURL),
	)
}

func tracingResource(component string) *resource.Resource {
	resources := []*resource.Resource{}

	// the EC2 detector takes ~10s to time out outside EC2, so it is opt-in
	if viper.GetBool("detect-ec2") {
		ec2Res, err := resource.New(context.Background(), resource.WithDetectors(ec2.NewResourceDetector()))
		if err != nil {
			log.WithError(err).Error("error initialising EC2 resource detector")
			return nil
		}
		resources = append(resources, ec2Res)
	}

	hostRes, err := resource.New(context.Background(),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithContainer(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		log.WithError(err).Error("error initialising host resource")
		return nil
	}
	resources = append(resources, hostRes)

	localRes, err := resource.New(context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(component),
			semconv.ServiceVersionKey.String(version),
			attribute.String("build.commit", commit),
		),
	)
	if err != nil {
		log.WithError(err).Error("error initialising local resource")
		return nil
	}
	resources = append(resources, localRes)

	conv := schema.NewConverter(schema.DefaultClient)
	res, err := conv.MergeResources(context.Background(), semconv.SchemaURL, resources...)
	if err != nil {
		log.WithError(err).Error("error merging resource")
		return nil
	}
	return res
}

var tp *sdktrace.TracerProvider

// InitTracerWithUpstreams configures sentry when `sentryDSN` is set and
// exports traces to honeycomb when `honeycombApiKey` is set. Without either,
// spans are only exported if an OTLP endpoint is configured through the usual
// OTEL_EXPORTER_OTLP_* variables or --stdout-trace-dump is set.
func InitTracerWithUpstreams(component, honeycombApiKey, sentryDSN string, opts ...otlptracehttp.Option) error {
	if sentryDSN != "" {
		environment := "dev"
		if viper.GetString("run-mode") == "release" {
			environment = "prod"
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			AttachStacktrace: true,
			EnableTracing:    false,
			Environment:      environment,
			Release:          version,
		})
		if err != nil {
			log.Errorf("sentry.Init: %s", err)
		}
		log.Trace("sentry configured")
	}

	if honeycombApiKey != "" {
		opts = append(opts,
			otlptracehttp.WithEndpoint("api.honeycomb.io"),
			otlptracehttp.WithHeaders(map[string]string{"x-honeycomb-team": honeycombApiKey}),
		)
		return InitTracer(component, opts...)
	}

	if viper.GetString("otel-exporter-otlp-endpoint") != "" || viper.GetBool("stdout-trace-dump") {
		return InitTracer(component, opts...)
	}

	// nothing to export to, keep the no-op provider
	return nil
}

// InitTracer installs a batching tracer provider as the global provider
func InitTracer(component string, opts ...otlptracehttp.Option) error {
	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(tracingResource(component)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if len(opts) > 0 || viper.GetString("otel-exporter-otlp-endpoint") != "" {
		client := otlptracehttp.NewClient(opts...)
		otlpExp, err := otlptrace.New(context.Background(), client)
		if err != nil {
			return fmt.Errorf("creating OTLP trace exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(otlpExp))
	}

	if viper.GetBool("stdout-trace-dump") {
		stdoutExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(stdoutExp))
	}

	// exporter errors end up in our logs instead of on stderr
	otel.SetLogger(logrusr.New(log.StandardLogger()))

	tp = sdktrace.NewTracerProvider(tracerOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// ShutdownTracer flushes spans and sentry events. It is safe to call more
// than once and without InitTracer having run.
func ShutdownTracer(ctx context.Context) {
	// Flush buffered events before the program terminates.
	defer sentry.Flush(5 * time.Second)

	// detach from the parent's cancellation, and ensure that we do not wait
	// indefinitely on the trace provider shutdown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if tp != nil {
		if err := tp.ForceFlush(ctx); err != nil {
			log.WithContext(ctx).WithError(err).Error("Error flushing tracer provider")
		}
		if err := tp.Shutdown(ctx); err != nil {
			log.WithContext(ctx).WithError(err).Error("Error shutting down tracer provider")
		}
		tp = nil
	}
	log.WithContext(ctx).Trace("tracing has shut down")
}

// Version returns the version baked into the binary at build time.
func Version() string {
	return version
}
