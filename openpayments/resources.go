package openpayments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
)

const (
	incomingPayments = "incoming-payments"
	quotes           = "quotes"
	outgoingPayments = "outgoing-payments"
)

// Resources calls a wallet's resource server.
type Resources struct {
	client *Client
}

func NewResources(client *Client) *Resources {
	return &Resources{client: client}
}

type createReservationRequest struct {
	WalletAddress  string            `json:"walletAddress"`
	IncomingAmount models.Amount     `json:"incomingAmount"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateReservation creates an incoming payment at the payee. The amount's
// asset defaults to the payee wallet's.
func (r *Resources) CreateReservation(ctx context.Context, creds Credentials, payee models.WalletIdentity,
	amount models.Amount, description string, expiresAt *time.Time, accessToken string) (models.Reservation, error) {
	const op = "incoming_payment.create"

	body := createReservationRequest{
		WalletAddress:  payee.IdentifierURL,
		IncomingAmount: amount.WithDefaults(payee),
		ExpiresAt:      expiresAt,
	}
	if description != "" {
		body.Metadata = map[string]string{"description": description}
	}

	var out models.Reservation
	err := r.client.do(ctx, request{
		op:       op,
		method:   http.MethodPost,
		url:      collectionURL(payee, incomingPayments),
		body:     body,
		token:    accessToken,
		creds:    &creds,
		expected: []int{http.StatusOK, http.StatusCreated},
	}, &out)
	if err != nil {
		return models.Reservation{}, resourceFailure(op, err)
	}
	if out.ID == "" {
		return models.Reservation{}, models.NewUpstreamError(models.ReasonUpstreamUnavailable, op, 0, errors.New("incoming payment without id"))
	}
	return out, nil
}

func (r *Resources) GetReservation(ctx context.Context, creds Credentials, wallet models.WalletIdentity,
	id string, accessToken string) (models.Reservation, error) {
	const op = "incoming_payment.get"

	var out models.Reservation
	if err := r.client.do(ctx, request{
		op:       op,
		method:   http.MethodGet,
		url:      ResourceURL(wallet, incomingPayments, id),
		token:    accessToken,
		creds:    &creds,
		expected: []int{http.StatusOK},
	}, &out); err != nil {
		return models.Reservation{}, resourceFailure(op, err)
	}
	return out, nil
}

type createQuoteRequest struct {
	WalletAddress string         `json:"walletAddress"`
	Receiver      string         `json:"receiver"`
	Method        string         `json:"method"`
	DebitAmount   *models.Amount `json:"debitAmount,omitempty"`
	ReceiveAmount *models.Amount `json:"receiveAmount,omitempty"`
}

// CreateQuote asks the payer's resource server to price a payment into
// reservationID. amountType says which leg amount fixes; the server fills the
// other one.
func (r *Resources) CreateQuote(ctx context.Context, creds Credentials, payer models.WalletIdentity,
	reservationID string, amount *models.Amount, amountType models.AmountType, accessToken string) (models.Quote, error) {
	const op = "quote.create"

	body := createQuoteRequest{
		WalletAddress: payer.IdentifierURL,
		Receiver:      reservationID,
		Method:        "ilp",
	}
	if amount != nil {
		switch amountType {
		case models.SendAmount:
			a := amount.WithDefaults(payer)
			body.DebitAmount = &a
		default:
			body.ReceiveAmount = amount
		}
	}

	var out models.Quote
	err := r.client.do(ctx, request{
		op:       op,
		method:   http.MethodPost,
		url:      collectionURL(payer, quotes),
		body:     body,
		token:    accessToken,
		creds:    &creds,
		expected: []int{http.StatusOK, http.StatusCreated},
	}, &out)
	if err != nil {
		return models.Quote{}, resourceFailure(op, err)
	}
	if out.ID == "" {
		return models.Quote{}, models.NewUpstreamError(models.ReasonUpstreamUnavailable, op, 0, errors.New("quote without id"))
	}
	if fee, err := models.Fee(out.SendAmount, out.ReceiveAmount); err == nil && strings.HasPrefix(fee.Value, "-") {
		return models.Quote{}, models.NewUpstreamError(models.ReasonConflict, op, 0,
			fmt.Errorf("quote receives more than it sends (%s > %s)", out.ReceiveAmount, out.SendAmount))
	}
	return out, nil
}

type createSettlementRequest struct {
	WalletAddress string            `json:"walletAddress"`
	QuoteID       string            `json:"quoteId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (r *Resources) CreateSettlement(ctx context.Context, creds Credentials, payer models.WalletIdentity,
	quoteID string, accessToken string, metadata map[string]string) (models.Settlement, error) {
	const op = "outgoing_payment.create"

	var out models.Settlement
	err := r.client.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		url:    collectionURL(payer, outgoingPayments),
		body: createSettlementRequest{
			WalletAddress: payer.IdentifierURL,
			QuoteID:       quoteID,
			Metadata:      metadata,
		},
		token:    accessToken,
		creds:    &creds,
		expected: []int{http.StatusOK, http.StatusCreated},
	}, &out)
	if err != nil {
		return models.Settlement{}, resourceFailure(op, err)
	}
	out.DeriveState()
	return out, nil
}

func (r *Resources) GetSettlement(ctx context.Context, creds Credentials, wallet models.WalletIdentity,
	id string, accessToken string) (models.Settlement, error) {
	const op = "outgoing_payment.get"

	var out models.Settlement
	if err := r.client.do(ctx, request{
		op:       op,
		method:   http.MethodGet,
		url:      ResourceURL(wallet, outgoingPayments, id),
		token:    accessToken,
		creds:    &creds,
		expected: []int{http.StatusOK},
	}, &out); err != nil {
		return models.Settlement{}, resourceFailure(op, err)
	}
	out.DeriveState()
	return out, nil
}

func collectionURL(wallet models.WalletIdentity, collection string) string {
	return strings.TrimSuffix(wallet.ResourceServerURL, "/") + "/" + collection
}

// ResourceURL returns id unchanged when it already is an absolute URL, which
// is how resource servers hand out ids.
func ResourceURL(wallet models.WalletIdentity, collection string, id string) string {
	if strings.HasPrefix(id, "https://") || strings.HasPrefix(id, "http://") {
		return id
	}
	return collectionURL(wallet, collection) + "/" + id
}

func resourceFailure(op string, err error) error {
	code, _, ok := statusOf(err)
	if !ok {
		return models.NewUpstreamError(models.ReasonUpstreamUnavailable, op, 0, err)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.NewUpstreamError(models.ReasonUnauthorized, op, code, err)
	case http.StatusNotFound:
		return models.NewUpstreamError(models.ReasonNotFound, op, code, err)
	case http.StatusBadRequest, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
		return models.NewUpstreamError(models.ReasonConflict, op, code, err)
	default:
		return models.NewUpstreamError(models.ReasonUpstreamUnavailable, op, code, err)
	}
}
