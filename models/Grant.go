package models

import "time"

type TokenKind string

const (
	TokenOneShot     TokenKind = "one-shot"
	TokenContinuable TokenKind = "continuable"
)

type Capability string

const (
	CapabilityIncomingPayment Capability = "incoming-payment"
	CapabilityQuote           Capability = "quote"
	CapabilityOutgoingPayment Capability = "outgoing-payment"
)

// AccessGrant is what the authorization server returned for a grant request.
// Continuable grants carry the continuation handle and, for interactive
// grants, the redirect the human has to visit.
type AccessGrant struct {
	AccessToken             string
	ManageURI               string
	ExpiresIn               time.Duration
	Kind                    TokenKind
	ContinuationURI         string
	ContinuationAccessToken string
	ContinueWait            time.Duration
	InteractionRedirectURL  string
	InteractionFinishNonce  string
}

func (g AccessGrant) Continuable() bool {
	return g.Kind == TokenContinuable
}

// GrantLimits scopes an outgoing-payment grant.
type GrantLimits struct {
	Receiver    string  `json:"receiver,omitempty"`
	DebitAmount *Amount `json:"debitAmount,omitempty"`
}
