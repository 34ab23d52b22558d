package payments

import (
	"errors"
	"github.com/Angel-Anselmo/NestPay-sub000/flows"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"net/http"
	"time"
)

// FlowView is the status projection handed to clients.
type FlowView struct {
	FlowID      string            `json:"flowId"`
	Status      models.FlowStatus `json:"status"`
	PayerWallet string            `json:"payerWallet"`
	PayeeWallet string            `json:"payeeWallet"`
	Description string            `json:"description,omitempty"`

	Amount        *models.Amount `json:"amount,omitempty"`
	SendAmount    *models.Amount `json:"sendAmount,omitempty"`
	ReceiveAmount *models.Amount `json:"receiveAmount,omitempty"`

	ReservationID       string                 `json:"reservationId,omitempty"`
	ReceivedAmount      string                 `json:"receivedAmount,omitempty"`
	ReservationComplete bool                   `json:"reservationComplete"`
	QuoteID             string                 `json:"quoteId,omitempty"`
	SettlementID        string                 `json:"settlementId,omitempty"`
	SettlementState     models.SettlementState `json:"settlementState,omitempty"`
	SentAmount          string                 `json:"sentAmount,omitempty"`

	FailedStep    string        `json:"failedStep,omitempty"`
	FailureReason models.Reason `json:"failureReason,omitempty"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func amountOrNil(a models.Amount) *models.Amount {
	if a.Value == "" {
		return nil
	}
	return &a
}

func NewFlowView(f *models.PaymentFlow) FlowView {
	return FlowView{
		FlowID:              f.ID,
		Status:              f.Status,
		PayerWallet:         f.PayerWallet,
		PayeeWallet:         f.PayeeWallet,
		Description:         f.Description,
		Amount:              amountOrNil(f.Amount),
		SendAmount:          amountOrNil(f.SendAmount),
		ReceiveAmount:       amountOrNil(f.ReceiveAmount),
		ReservationID:       f.ReservationID,
		ReceivedAmount:      f.ReceivedAmount,
		ReservationComplete: f.ReservationDone,
		QuoteID:             f.QuoteID,
		SettlementID:        f.SettlementID,
		SettlementState:     f.SettlementState,
		SentAmount:          f.SentAmount,
		FailedStep:          f.FailedStep,
		FailureReason:       f.FailureReason,
		ExpiresAt:           f.ExpiresAt,
		CreatedAt:           f.CreatedAt,
		UpdatedAt:           f.UpdatedAt,
	}
}

// RespondStartError writes the answer for a start that did not reach
// AUTHORIZATION_PENDING. The caller got no redirect, so every flow failure is
// a server error, a refused grant included.
func RespondStartError(rt *kernel.RequestRuntime, err error) {
	var fe *flows.FlowError
	if !errors.As(err, &fe) {
		RespondFlowError(rt, nil, err)
		return
	}
	rt.EJSON(http.StatusInternalServerError, fe, gin.H{"flowId": fe.FlowID, "status": fe.Status, "reason": fe.Reason})
}

// RespondFlowError writes the answer for a failed flow operation. Caller
// mistakes get the detail they need to fix the request, upstream failures
// only the step and the reason.
func RespondFlowError(rt *kernel.RequestRuntime, flow *models.PaymentFlow, err error) {
	if errors.Is(err, flows.ErrInvalidRequest) {
		rt.E(http.StatusBadRequest, err)
		return
	}
	if errors.Is(err, flows.ErrFlowNotFound) {
		rt.Ef(http.StatusNotFound, "flow not found")
		return
	}

	var fe *flows.FlowError
	if !errors.As(err, &fe) {
		log.Error().Err(err).Msg("flow operation failed")
		rt.Ef(http.StatusInternalServerError, "internal error")
		return
	}
	extra := gin.H{"flowId": fe.FlowID, "status": fe.Status, "reason": fe.Reason}

	switch {
	case fe.Reason == models.ReasonInvalidFlowState, fe.Reason == models.ReasonInteractionNotCompleted:
		rt.EJSON(http.StatusConflict, fe, extra)
	case fe.Reason == models.ReasonAuthServerUnreachable && fe.Status == models.FLOW_AUTHORIZATION_PENDING:
		rt.EJSON(http.StatusServiceUnavailable, fe, extra)
	case fe.Status == models.FLOW_AUTHORIZATION_DENIED, fe.Status == models.FLOW_AUTHORIZATION_EXPIRED:
		// the human said no or never came back, which is an answer, not a fault
		_ = rt.MakeError(fe)
		if flow != nil {
			rt.RequestContext.JSON(http.StatusOK, NewFlowView(flow))
			return
		}
		rt.RequestContext.JSON(http.StatusOK, extra)
	default:
		rt.EJSON(http.StatusInternalServerError, fe, extra)
	}
}
