// Package notifications delivers flow completion events to the outside world.
package notifications

import (
	"context"
	"errors"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/rs/zerolog/log"
)

type Notifier interface {
	Publish(ctx context.Context, e models.FlowEvent) error
}

// Multi publishes every event to all of its notifiers. A failing notifier
// does not stop the others.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, e models.FlowEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to the application log. It is the sink used when nothing
// else is configured.
type Log struct{}

func (Log) Publish(_ context.Context, e models.FlowEvent) error {
	ev := log.Info()
	if e.Status.Failed() {
		ev = log.Warn().Str("failed_step", e.FailedStep).Str("reason", string(e.Reason))
	}
	ev.Str("flow_id", e.FlowID).
		Str("status", string(e.Status)).
		Str("settlement_id", e.SettlementID).
		Msg("flow completed")
	return nil
}
