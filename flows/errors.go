package flows

import (
	"errors"
	"fmt"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
)

const (
	StepReserve   = "reserve"
	StepQuote     = "quote"
	StepAuthorize = "authorize"
	StepContinue  = "continue"
	StepSettle    = "settle"
)

// ErrInvalidRequest marks caller mistakes: malformed wallet urls, amounts,
// missing interaction references or a finish hash that does not match.
var ErrInvalidRequest = errors.New("invalid request")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// FlowError reports where and why a flow stopped. Its message is safe to hand
// to clients; the upstream cause is only kept for logging.
type FlowError struct {
	FlowID string
	Status models.FlowStatus
	Step   string
	Reason models.Reason
	cause  error
}

func (e *FlowError) Error() string {
	if e.Reason == models.ReasonInvalidFlowState {
		return fmt.Sprintf("flow is %s, operation not allowed", e.Status)
	}
	return fmt.Sprintf("flow failed at step %s: %s", e.Step, e.Reason)
}

func (e *FlowError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.cause}
}

func failure(f *models.PaymentFlow, step string, cause error) *FlowError {
	return &FlowError{FlowID: f.ID, Status: f.Status, Step: step, Reason: f.FailureReason, cause: cause}
}

func invalidState(f *models.PaymentFlow) *FlowError {
	return &FlowError{FlowID: f.ID, Status: f.Status, Reason: models.ReasonInvalidFlowState}
}
