package openpayments

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
)

// Negotiator requests grants from a wallet's authorization server.
type Negotiator struct {
	client *Client
}

func NewNegotiator(client *Client) *Negotiator {
	return &Negotiator{client: client}
}

type accessItem struct {
	Type       models.Capability   `json:"type"`
	Actions    []string            `json:"actions"`
	Identifier string              `json:"identifier,omitempty"`
	Limits     *models.GrantLimits `json:"limits,omitempty"`
}

type interactFinish struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	Nonce  string `json:"nonce"`
}

type interactRequest struct {
	Start  []string       `json:"start"`
	Finish interactFinish `json:"finish"`
}

type grantRequest struct {
	AccessToken struct {
		Access []accessItem `json:"access"`
	} `json:"access_token"`
	Client   string           `json:"client"`
	Interact *interactRequest `json:"interact,omitempty"`
}

type grantResponse struct {
	AccessToken *struct {
		Value     string `json:"value"`
		Manage    string `json:"manage"`
		ExpiresIn int64  `json:"expires_in"`
	} `json:"access_token"`
	Continue *struct {
		AccessToken struct {
			Value string `json:"value"`
		} `json:"access_token"`
		URI  string `json:"uri"`
		Wait int64  `json:"wait"`
	} `json:"continue"`
	Interact *struct {
		Redirect string `json:"redirect"`
		Finish   string `json:"finish"`
	} `json:"interact"`
}

func (g grantResponse) toAccessGrant() models.AccessGrant {
	grant := models.AccessGrant{Kind: models.TokenOneShot}
	if g.AccessToken != nil {
		grant.AccessToken = g.AccessToken.Value
		grant.ManageURI = g.AccessToken.Manage
		grant.ExpiresIn = time.Duration(g.AccessToken.ExpiresIn) * time.Second
	}
	if g.Continue != nil {
		grant.ContinuationURI = g.Continue.URI
		grant.ContinuationAccessToken = g.Continue.AccessToken.Value
		grant.ContinueWait = time.Duration(g.Continue.Wait) * time.Second
	}
	if g.Interact != nil {
		grant.Kind = models.TokenContinuable
		grant.InteractionRedirectURL = g.Interact.Redirect
		grant.InteractionFinishNonce = g.Interact.Finish
	}
	return grant
}

// gnapError accepts both {"error":"code"} and {"error":{"code":"...","description":"..."}}.
type gnapError struct {
	Code        string
	Description string
}

func (e *gnapError) UnmarshalJSON(data []byte) error {
	var code string
	if err := json.Unmarshal(data, &code); err == nil {
		e.Code = code
		return nil
	}
	var obj struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Code = obj.Code
	e.Description = obj.Description
	return nil
}

func parseGnapError(body []byte) string {
	var envelope struct {
		Error gnapError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Code
}

func actionsFor(capability models.Capability) []string {
	if capability == models.CapabilityIncomingPayment {
		return []string{"create", "read", "complete"}
	}
	return []string{"create", "read"}
}

// RequestNonInteractive asks for a one-shot token for capability at wallet's
// authorization server.
func (n *Negotiator) RequestNonInteractive(ctx context.Context, creds Credentials, wallet models.WalletIdentity,
	capability models.Capability, limits *models.GrantLimits) (models.AccessGrant, error) {
	const op = "grant.request"

	var body grantRequest
	body.Client = creds.WalletAddress
	body.AccessToken.Access = []accessItem{{Type: capability, Actions: actionsFor(capability), Limits: limits}}

	var rsp grantResponse
	if err := n.client.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		url:    wallet.AuthorizationServerURL,
		body:   body,
		creds:  &creds,
	}, &rsp); err != nil {
		return models.AccessGrant{}, grantFailure(op, err)
	}
	if rsp.AccessToken == nil || rsp.AccessToken.Value == "" {
		return models.AccessGrant{}, models.NewUpstreamError(models.ReasonGrantDenied, op, 0,
			errors.New("authorization server did not issue an access token"))
	}
	grant := rsp.toAccessGrant()
	grant.Kind = models.TokenOneShot
	return grant, nil
}

// RequestInteractive starts an outgoing-payment grant that needs a human to
// approve it at the returned redirect. finishURI receives the browser once the
// interaction ends and nonce is the client half of the finish hash.
func (n *Negotiator) RequestInteractive(ctx context.Context, creds Credentials, wallet models.WalletIdentity,
	limits models.GrantLimits, finishURI string, nonce string) (models.AccessGrant, error) {
	const op = "grant.request_interactive"

	var body grantRequest
	body.Client = creds.WalletAddress
	body.AccessToken.Access = []accessItem{{
		Type:       models.CapabilityOutgoingPayment,
		Actions:    actionsFor(models.CapabilityOutgoingPayment),
		Identifier: wallet.IdentifierURL,
		Limits:     &limits,
	}}
	body.Interact = &interactRequest{
		Start:  []string{"redirect"},
		Finish: interactFinish{Method: "redirect", URI: finishURI, Nonce: nonce},
	}

	var rsp grantResponse
	if err := n.client.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		url:    wallet.AuthorizationServerURL,
		body:   body,
		creds:  &creds,
	}, &rsp); err != nil {
		return models.AccessGrant{}, grantFailure(op, err)
	}
	if rsp.Interact == nil || rsp.Interact.Redirect == "" || rsp.Continue == nil || rsp.Continue.URI == "" {
		return models.AccessGrant{}, models.NewUpstreamError(models.ReasonGrantDenied, op, 0,
			errors.New("authorization server did not return an interaction and continuation"))
	}
	return rsp.toAccessGrant(), nil
}

// Continue exchanges an interaction reference for the final access token.
func (n *Negotiator) Continue(ctx context.Context, creds Credentials, continuationURI string,
	continuationToken string, interactRef string) (models.AccessGrant, error) {
	const op = "grant.continue"

	body := map[string]string{"interact_ref": interactRef}
	var rsp grantResponse
	err := n.client.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		url:    continuationURI,
		body:   body,
		token:  continuationToken,
		creds:  &creds,
	}, &rsp)
	if err != nil {
		return models.AccessGrant{}, continueFailure(op, err)
	}
	if rsp.AccessToken == nil || rsp.AccessToken.Value == "" {
		return models.AccessGrant{}, models.NewUpstreamError(models.ReasonInteractionNotCompleted, op, 0,
			errors.New("grant has not been approved yet"))
	}
	grant := rsp.toAccessGrant()
	grant.Kind = models.TokenOneShot
	return grant, nil
}

func grantFailure(op string, err error) error {
	code, body, ok := statusOf(err)
	switch {
	case !ok && errors.Is(err, errMalformedResponse):
		return models.NewUpstreamError(models.ReasonGrantDenied, op, 0, err)
	case !ok || code >= 500:
		return models.NewUpstreamError(models.ReasonAuthServerUnreachable, op, code, err)
	default:
		if gnap := parseGnapError(body); gnap != "" {
			err = fmt.Errorf("%s: %w", gnap, err)
		}
		return models.NewUpstreamError(models.ReasonGrantDenied, op, code, err)
	}
}

func continueFailure(op string, err error) error {
	code, body, ok := statusOf(err)
	if !ok {
		if errors.Is(err, errMalformedResponse) {
			return models.NewUpstreamError(models.ReasonGrantDenied, op, 0, err)
		}
		return models.NewUpstreamError(models.ReasonAuthServerUnreachable, op, 0, err)
	}
	if code >= 500 {
		return models.NewUpstreamError(models.ReasonAuthServerUnreachable, op, code, err)
	}

	gnap := parseGnapError(body)
	switch gnap {
	case "user_denied", "request_denied":
		return models.NewUpstreamError(models.ReasonInteractionDenied, op, code, err)
	case "too_fast", "pending":
		return models.NewUpstreamError(models.ReasonInteractionNotCompleted, op, code, err)
	case "invalid_continuation", "expired":
		return models.NewUpstreamError(models.ReasonGrantExpired, op, code, err)
	}
	if code == http.StatusNotFound || code == http.StatusGone {
		return models.NewUpstreamError(models.ReasonGrantExpired, op, code, err)
	}
	return models.NewUpstreamError(models.ReasonGrantDenied, op, code, err)
}

// FinishHash is the hash the authorization server appends to the finish
// redirect so the client can bind the interaction to its own request.
func FinishHash(clientNonce, finishNonce, interactRef, grantEndpoint string) string {
	sum := sha256.Sum256([]byte(clientNonce + "\n" + finishNonce + "\n" + interactRef + "\n" + grantEndpoint))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func VerifyFinishHash(clientNonce, finishNonce, interactRef, grantEndpoint, hash string) bool {
	expected := FinishHash(clientNonce, finishNonce, interactRef, grantEndpoint)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
}
