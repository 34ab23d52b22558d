package flows

import (
	"context"
	"errors"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
)

var ErrCorrelationNotFound = errors.New("no pending flow for state token")

// Correlation is everything finalize needs to resume a flow that is waiting
// for the human. It is keyed by the state token and never leaves the service.
type Correlation struct {
	FlowID         string                `json:"flowId"`
	ContinueURI    string                `json:"continueUri"`
	ContinueToken  string                `json:"continueToken"`
	QuoteID        string                `json:"quoteId"`
	QuoteExpiresAt time.Time             `json:"quoteExpiresAt"`
	ReservationID  string                `json:"reservationId"`
	Payer          models.WalletIdentity `json:"payer"`
	Payee          models.WalletIdentity `json:"payee"`
	DebitAmount    models.Amount         `json:"debitAmount"`
	ClientNonce    string                `json:"clientNonce"`
	FinishNonce    string                `json:"finishNonce"`
	GrantEndpoint  string                `json:"grantEndpoint"`
	ExpiresAt      time.Time             `json:"expiresAt"`
}

// RemainingTTL is how long the entry may still live, never below zero.
func (c Correlation) RemainingTTL(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// CorrelationStore maps state tokens to pending flows. Take removes and
// returns an entry atomically so only one caller can resume a flow.
type CorrelationStore interface {
	Put(ctx context.Context, stateToken string, c Correlation, ttl time.Duration) error
	Get(ctx context.Context, stateToken string) (Correlation, error)
	Take(ctx context.Context, stateToken string) (Correlation, error)
	Delete(ctx context.Context, stateToken string) error
	Close() error
}
