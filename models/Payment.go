package models

import "time"

//goland:noinspection ALL
const (
	SETTLEMENT_PENDING   SettlementState = "PENDING"
	SETTLEMENT_SENDING   SettlementState = "SENDING"
	SETTLEMENT_COMPLETED SettlementState = "COMPLETED"
	SETTLEMENT_FAILED    SettlementState = "FAILED"
)

type SettlementState string

// Reservation is the payee-side incoming payment.
type Reservation struct {
	ID              string            `json:"id"`
	OwnerWallet     string            `json:"walletAddress"`
	RequestedAmount Amount            `json:"incomingAmount"`
	ReceivedAmount  Amount            `json:"receivedAmount"`
	IsComplete      bool              `json:"completed"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	ExpiresAt       *time.Time        `json:"expiresAt,omitempty"`
}

type AmountType string

const (
	SendAmount    AmountType = "send"
	ReceiveAmount AmountType = "receive"
)

type Quote struct {
	ID                    string    `json:"id"`
	PayerWallet           string    `json:"walletAddress"`
	ReceiverReservationID string    `json:"receiver"`
	SendAmount            Amount    `json:"debitAmount"`
	ReceiveAmount         Amount    `json:"receiveAmount"`
	CreatedAt             time.Time `json:"createdAt"`
	ExpiresAt             time.Time `json:"expiresAt"`
}

func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// Settlement is the payer-side outgoing payment.
type Settlement struct {
	ID          string            `json:"id"`
	PayerWallet string            `json:"walletAddress"`
	QuoteID     string            `json:"quoteId"`
	DebitAmount Amount            `json:"debitAmount"`
	SentAmount  Amount            `json:"sentAmount"`
	Failed      bool              `json:"failed"`
	State       SettlementState   `json:"state,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// DeriveState fills State when the resource server did not report one.
func (s *Settlement) DeriveState() {
	if s.State != "" {
		return
	}
	switch {
	case s.Failed:
		s.State = SETTLEMENT_FAILED
	case s.SentAmount.IsZero():
		s.State = SETTLEMENT_PENDING
	case s.SentAmount.Value == s.DebitAmount.Value:
		s.State = SETTLEMENT_COMPLETED
	default:
		s.State = SETTLEMENT_SENDING
	}
}
