// Package notify is C5's downstream-notification channel: every rotation
// state change is handed to EnqueueRotation, which logs it. Adapted from the teacher framework's
// internal/message stub — the queue/worker pool behind Enqueue* is
// explicitly out of scope (spec.md §1: "alert delivery... emit structured
// events; any sink may consume them"), so this keeps the teacher's
// log-and-return-nil body rather than inventing a delivery mechanism.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// RotationEvent is the payload fanned out on a rotation transition.
type RotationEvent struct {
	RotationID string
	ClientID   string
	State      domain.RotationState
	Reason     string
}

// Notifier enqueues rotation notifications. Swap EnqueueRotation's body
// for a real publisher (webhook POST, SQS, NATS) when a concrete sink is
// chosen; every call site in internal/rotation already goes through this
// one method.
type Notifier struct {
	log *zap.Logger
}

// New constructs a Notifier.
func New(log *zap.Logger) *Notifier {
	return &Notifier{log: log}
}

// EnqueueRotation logs the rotation event payload and returns nil so C5's
// state machine never blocks on notification delivery.
func (n *Notifier) EnqueueRotation(ctx context.Context, evt RotationEvent) error {
	n.log.Info("notify_rotation",
		zap.String("rotation_id", evt.RotationID),
		zap.String("client_id", evt.ClientID),
		zap.String("state", string(evt.State)),
		zap.String("reason", evt.Reason),
	)
	return nil
}
