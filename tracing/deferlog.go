package tracing

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicError is what RecoverToError stores when a panic is recovered
type PanicError struct {
	Loc   string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unhandled panic in %v: %v", e.Loc, e.Value)
}

// RecoverToError recovers from a panic, reports it to sentry, the log and the
// span in ctx, and stores it in *errp so the deferring function returns it.
// Does nothing when there is no panic. Must be deferred directly.
func RecoverToError(ctx context.Context, loc string, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	pe := &PanicError{
		Loc:   loc,
		Value: r,
		Stack: string(debug.Stack()),
	}
	HandleError(ctx, pe)

	if errp != nil {
		*errp = pe
	}
}

// HandleError reports a recovered panic to sentry, stderr and the active span
func HandleError(ctx context.Context, pe *PanicError) {
	hub := sentry.CurrentHub()
	if hub != nil {
		hub.Recover(pe.Value)
	}

	// always log to stderr (no WithContext!)
	log.WithFields(log.Fields{"loc": pe.Loc, "stack": pe.Stack}).Error(pe.Error())

	if ctx != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("mbsetup.panic.loc", pe.Loc),
			attribute.String("mbsetup.panic.stack", pe.Stack),
		)
		span.SetStatus(codes.Error, pe.Error())
	}
}
