package models

import (
	"time"

	"gorm.io/gorm"
)

type FlowStatus string

//goland:noinspection ALL
const (
	FLOW_INITIATED             FlowStatus = "INITIATED"
	FLOW_RESERVED              FlowStatus = "RESERVED"
	FLOW_QUOTED                FlowStatus = "QUOTED"
	FLOW_AUTHORIZATION_PENDING FlowStatus = "AUTHORIZATION_PENDING"
	FLOW_AUTHORIZED            FlowStatus = "AUTHORIZED"
	FLOW_SETTLED               FlowStatus = "SETTLED"

	FLOW_RESERVATION_FAILED    FlowStatus = "RESERVATION_FAILED"
	FLOW_QUOTE_FAILED          FlowStatus = "QUOTE_FAILED"
	FLOW_AUTHORIZATION_DENIED  FlowStatus = "AUTHORIZATION_DENIED"
	FLOW_AUTHORIZATION_EXPIRED FlowStatus = "AUTHORIZATION_EXPIRED"
	FLOW_SETTLEMENT_FAILED     FlowStatus = "SETTLEMENT_FAILED"
)

var flowTransitions = map[FlowStatus][]FlowStatus{
	FLOW_INITIATED:             {FLOW_RESERVED, FLOW_RESERVATION_FAILED},
	FLOW_RESERVED:              {FLOW_QUOTED, FLOW_QUOTE_FAILED},
	FLOW_QUOTED:                {FLOW_AUTHORIZATION_PENDING, FLOW_AUTHORIZATION_DENIED},
	FLOW_AUTHORIZATION_PENDING: {FLOW_AUTHORIZED, FLOW_AUTHORIZATION_DENIED, FLOW_AUTHORIZATION_EXPIRED},
	FLOW_AUTHORIZED:            {FLOW_SETTLED, FLOW_SETTLEMENT_FAILED},
}

func (s FlowStatus) Terminal() bool {
	_, ok := flowTransitions[s]
	return !ok
}

func (s FlowStatus) Failed() bool {
	return s.Terminal() && s != FLOW_SETTLED
}

func (s FlowStatus) CanTransitionTo(next FlowStatus) bool {
	for _, allowed := range flowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentFlow is the persisted projection of one orchestration. It holds
// artifact ids and amounts, never tokens; the state token is kept only as a
// SHA-512 hash.
type PaymentFlow struct {
	ID             string `gorm:"primaryKey;size:36"`
	StateTokenHash string `gorm:"index;size:128"`

	PayerWallet string
	PayeeWallet string
	Description string

	Amount        Amount `gorm:"embedded;embeddedPrefix:amount_"`
	SendAmount    Amount `gorm:"embedded;embeddedPrefix:send_"`
	ReceiveAmount Amount `gorm:"embedded;embeddedPrefix:receive_"`

	ReservationID   string
	ReceivedAmount  string
	ReservationDone bool
	QuoteID         string
	QuoteExpiresAt  *time.Time
	SettlementID    string
	SettlementState SettlementState
	SentAmount      string

	Status        FlowStatus `gorm:"index;size:32"`
	FailedStep    string
	FailureReason Reason

	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (f *PaymentFlow) Fail(status FlowStatus, step string, reason Reason) {
	f.Status = status
	f.FailedStep = step
	f.FailureReason = reason
}
