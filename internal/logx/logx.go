package logx

import (
	"context"

	"pkt.systems/pslog"
)

type contextKey int

const (
	stepKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithStep annotates the logger with the current entrypoint step.
func WithStep(ctx context.Context, step string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if step != "" {
		if current, ok := ctx.Value(stepKey).(string); ok && current == step {
			return log
		}
		log = log.With("step", step)
	}
	return log
}

// WithCheck annotates the logger with a security check id.
func WithCheck(log pslog.Logger, check string) pslog.Logger {
	if check != "" {
		log = log.With("check", check)
	}
	return log
}

// WithIdentity annotates the logger with a numeric identity and optional name.
func WithIdentity(log pslog.Logger, uid, gid int, name string) pslog.Logger {
	log = log.With("uid", uid, "gid", gid)
	if name != "" {
		log = log.With("user", name)
	}
	return log
}

// ContextWithStep stores the step marker on the context for log de-duplication.
func ContextWithStep(ctx context.Context, step string) context.Context {
	if ctx == nil || step == "" {
		return ctx
	}
	return context.WithValue(ctx, stepKey, step)
}

// ContextWithStepLogger attaches the logger and step marker to the context.
func ContextWithStepLogger(ctx context.Context, log pslog.Logger, step string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithStep(ctx, step)
}
