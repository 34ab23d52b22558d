package models

import (
	"errors"
	"fmt"
)

// Reason is a failure classification. It doubles as a sentinel error so
// callers can use errors.Is(err, ReasonConflict).
type Reason string

const (
	ReasonWalletUnreachable       Reason = "WalletUnreachable"
	ReasonWalletMalformed         Reason = "WalletMalformed"
	ReasonGrantDenied             Reason = "GrantDenied"
	ReasonAuthServerUnreachable   Reason = "AuthServerUnreachable"
	ReasonInteractionNotCompleted Reason = "InteractionNotCompleted"
	ReasonInteractionDenied       Reason = "InteractionDenied"
	ReasonGrantExpired            Reason = "GrantExpired"
	ReasonUnauthorized            Reason = "Unauthorized"
	ReasonNotFound                Reason = "NotFound"
	ReasonConflict                Reason = "Conflict"
	ReasonUpstreamUnavailable     Reason = "UpstreamUnavailable"
	ReasonInvalidFlowState        Reason = "InvalidFlowState"
)

func (r Reason) Error() string {
	return string(r)
}

// UpstreamError wraps a transport or protocol failure of a call to a wallet,
// authorization server or resource server.
type UpstreamError struct {
	Reason     Reason
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Op, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{e.Reason, e.Err}
}

func NewUpstreamError(reason Reason, op string, statusCode int, err error) *UpstreamError {
	if err == nil {
		err = errors.New(string(reason))
	}
	return &UpstreamError{Reason: reason, Op: op, StatusCode: statusCode, Err: err}
}

// ReasonOf returns the first Reason found in err's chain, or "" if none.
func ReasonOf(err error) Reason {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Reason
	}
	var r Reason
	if errors.As(err, &r) {
		return r
	}
	return ""
}
