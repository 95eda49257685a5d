// Package saga runs ordered steps and undoes completed ones when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MarkoPoloResearchLab/callbook/pkg/saga"

// Step is one forward action and the action that undoes it. Compensate may be nil.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Error reports the failed step. Compensation holds every compensation failure, joined.
type Error struct {
	Step         string
	Err          error
	Compensation error
}

func (sagaError *Error) Error() string {
	if sagaError.Compensation != nil {
		return fmt.Sprintf("saga step %s: %v (compensation: %v)", sagaError.Step, sagaError.Err, sagaError.Compensation)
	}
	return fmt.Sprintf("saga step %s: %v", sagaError.Step, sagaError.Err)
}

// Unwrap returns the step failure.
func (sagaError *Error) Unwrap() error {
	return sagaError.Err
}

// Option configures a Saga.
type Option func(*Saga)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(saga *Saga) {
		if provider != nil {
			saga.tracer = provider.Tracer(instrumentationName)
		}
	}
}

// Saga is a named, ordered list of steps.
type Saga struct {
	name   string
	steps  []Step
	tracer trace.Tracer
}

// New creates an empty saga.
func New(name string, options ...Option) *Saga {
	saga := &Saga{name: name, tracer: otel.Tracer(instrumentationName)}
	for _, option := range options {
		if option != nil {
			option(saga)
		}
	}
	return saga
}

// Then appends a step.
func (saga *Saga) Then(step Step) *Saga {
	saga.steps = append(saga.steps, step)
	return saga
}

// Run executes the steps in order. When step k fails, compensations k-1..0 run in reverse
// order on a context that ignores the caller's cancellation, and an *Error is returned.
func (saga *Saga) Run(ctx context.Context) error {
	ctx, span := saga.tracer.Start(ctx, saga.name)
	defer span.End()

	for index, step := range saga.steps {
		if err := saga.runStep(ctx, step); err != nil {
			compensationErr := saga.compensate(context.WithoutCancel(ctx), saga.steps[:index])
			span.RecordError(err)
			span.SetStatus(codes.Error, step.Name)
			return &Error{Step: step.Name, Err: err, Compensation: compensationErr}
		}
	}
	return nil
}

func (saga *Saga) runStep(ctx context.Context, step Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stepCtx, span := saga.tracer.Start(ctx, saga.name+"."+step.Name, trace.WithAttributes(attribute.String("saga.step", step.Name)))
	defer span.End()
	if step.Action == nil {
		return nil
	}
	if err := step.Action(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (saga *Saga) compensate(ctx context.Context, completed []Step) error {
	var failures []error
	for index := len(completed) - 1; index >= 0; index-- {
		step := completed[index]
		if step.Compensate == nil {
			continue
		}
		compensateCtx, span := saga.tracer.Start(ctx, saga.name+"."+step.Name+".compensate", trace.WithAttributes(attribute.String("saga.step", step.Name)))
		if err := step.Compensate(compensateCtx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			failures = append(failures, fmt.Errorf("%s: %w", step.Name, err))
		}
		span.End()
	}
	return errors.Join(failures...)
}
