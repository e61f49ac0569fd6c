// Package middleware wraps transport handlers with the wire-level
// gates every consumer runs before dispatch: replay protection, the
// policy gate, and the idempotency guard.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/security"
	"github.com/testfabric/cmo/pkg/transport"
)

// Middleware wraps a handler. The outermost middleware runs first.
type Middleware func(next transport.Handler) transport.Handler

// Chain composes middlewares so that the first argument is the
// outermost gate.
func Chain(mws ...Middleware) Middleware {
	return func(next transport.Handler) transport.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// ReplayProtection rejects envelopes that fail freshness or signature
// checks. The reject reason is the stable fault code, so DLQ triage can
// group stale, future, and tampered traffic.
func ReplayProtection(guard *security.ReplayGuard, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, d *transport.Delivery) {
			if err := guard.Check(d.Envelope); err != nil {
				logger.Warn("replay protection rejected envelope",
					"message_id", d.Envelope.Meta.MessageID,
					"topic", d.Topic,
					"code", fault.CodeOf(err))
				_ = d.Reject(ctx, fault.CodeOf(err))
				return
			}
			next(ctx, d)
		}
	}
}

// PolicyGate evaluates the policy point before dispatch. Deny rejects
// to the DLQ with the policy reason; caveats ride on the delivery for
// the handler to honor. Evaluation errors fail closed.
func PolicyGate(point PolicyPoint, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, d *transport.Delivery) {
			verdict, err := point.Evaluate(ctx, d.Envelope)
			if err != nil {
				logger.Error("policy evaluation failed, denying",
					"message_id", d.Envelope.Meta.MessageID,
					"topic", d.Topic,
					"error", err)
				_ = d.Reject(ctx, fault.CodePolicyDeny)
				return
			}
			switch verdict.Effect {
			case Deny:
				logger.Warn("policy denied envelope",
					"message_id", d.Envelope.Meta.MessageID,
					"topic", d.Topic,
					"reason", verdict.Reason)
				_ = d.Reject(ctx, verdict.Reason)
				return
			case AllowWithCaveat:
				d.Constraints = append(d.Constraints, verdict.Constraints...)
				logger.Info("policy allowed with caveats",
					"message_id", d.Envelope.Meta.MessageID,
					"constraints", len(verdict.Constraints))
			}
			next(ctx, d)
		}
	}
}

// Idempotency drops duplicate envelopes. The key is claimed before
// dispatch; a handler that nacks or leaves the delivery pending gets
// the key released so the redelivery can run. A claim that is already
// held acks the duplicate without dispatch.
func Idempotency(kv KV, ttl time.Duration, logger *slog.Logger) Middleware {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, d *transport.Delivery) {
			key := d.Envelope.Meta.IdempotencyKey
			if key == "" {
				key = security.IdempotencyKeyFor(d.Envelope.Meta)
			}
			claimed, err := kv.SetNX(ctx, key, ttl)
			if err != nil {
				// Guard outage: redeliver rather than risk a duplicate
				// dispatch.
				logger.Error("idempotency store unavailable, nacking",
					"message_id", d.Envelope.Meta.MessageID,
					"error", err)
				_ = d.Nack(ctx)
				return
			}
			if !claimed {
				logger.Info("duplicate envelope dropped",
					"message_id", d.Envelope.Meta.MessageID,
					"idempotency_key", key)
				_ = d.Ack(ctx)
				return
			}
			next(ctx, d)
			switch d.Outcome() {
			case transport.OutcomeNacked, transport.OutcomePending:
				if rerr := kv.Release(ctx, key); rerr != nil {
					logger.Error("idempotency release failed",
						"idempotency_key", key, "error", rerr)
				}
			}
		}
	}
}
