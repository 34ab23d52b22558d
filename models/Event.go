package models

import "time"

// FlowEvent is published when a flow reaches a terminal status.
type FlowEvent struct {
	FlowID        string     `json:"flowId"`
	Status        FlowStatus `json:"status"`
	FailedStep    string     `json:"failedStep,omitempty"`
	Reason        Reason     `json:"reason,omitempty"`
	PayerWallet   string     `json:"payerWallet"`
	PayeeWallet   string     `json:"payeeWallet"`
	ReservationID string     `json:"reservationId,omitempty"`
	QuoteID       string     `json:"quoteId,omitempty"`
	SettlementID  string     `json:"settlementId,omitempty"`
	SentAmount    *Amount    `json:"sentAmount,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

func NewFlowEvent(f *PaymentFlow, at time.Time) FlowEvent {
	e := FlowEvent{
		FlowID:        f.ID,
		Status:        f.Status,
		FailedStep:    f.FailedStep,
		Reason:        f.FailureReason,
		PayerWallet:   f.PayerWallet,
		PayeeWallet:   f.PayeeWallet,
		ReservationID: f.ReservationID,
		QuoteID:       f.QuoteID,
		SettlementID:  f.SettlementID,
		OccurredAt:    at,
	}
	if f.SentAmount != "" {
		e.SentAmount = &Amount{Value: f.SentAmount, AssetCode: f.SendAmount.AssetCode, AssetScale: f.SendAmount.AssetScale}
	}
	return e
}
