package flows

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
	"github.com/Angel-Anselmo/NestPay-sub000/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFlowTTL        = 15 * time.Minute
	DefaultPublishTimeout = 30 * time.Second
	reaperBatch           = 100
)

type WalletResolver interface {
	Resolve(ctx context.Context, walletURL string) (models.WalletIdentity, error)
}

type GrantNegotiator interface {
	RequestNonInteractive(ctx context.Context, creds openpayments.Credentials, wallet models.WalletIdentity,
		capability models.Capability, limits *models.GrantLimits) (models.AccessGrant, error)
	RequestInteractive(ctx context.Context, creds openpayments.Credentials, wallet models.WalletIdentity,
		limits models.GrantLimits, finishURI string, nonce string) (models.AccessGrant, error)
	Continue(ctx context.Context, creds openpayments.Credentials, continuationURI string,
		continuationToken string, interactRef string) (models.AccessGrant, error)
}

type PaymentClient interface {
	CreateReservation(ctx context.Context, creds openpayments.Credentials, payee models.WalletIdentity,
		amount models.Amount, description string, expiresAt *time.Time, accessToken string) (models.Reservation, error)
	GetReservation(ctx context.Context, creds openpayments.Credentials, wallet models.WalletIdentity,
		id string, accessToken string) (models.Reservation, error)
	CreateQuote(ctx context.Context, creds openpayments.Credentials, payer models.WalletIdentity,
		reservationID string, amount *models.Amount, amountType models.AmountType, accessToken string) (models.Quote, error)
	CreateSettlement(ctx context.Context, creds openpayments.Credentials, payer models.WalletIdentity,
		quoteID string, accessToken string, metadata map[string]string) (models.Settlement, error)
}

// EventSink receives a FlowEvent whenever a flow reaches a terminal status.
type EventSink interface {
	Publish(ctx context.Context, e models.FlowEvent) error
}

type Dependencies struct {
	Wallets    WalletResolver
	Grants     GrantNegotiator
	Payments   PaymentClient
	Keys       *KeyRing
	Store      CorrelationStore
	Repository Repository
	Events     EventSink
}

type Config struct {
	// CallbackBaseURL is where the authorization server sends the browser
	// back to; /flows/callback is appended.
	CallbackBaseURL string
	FlowTTL         time.Duration
	// PublishTimeout bounds the delivery of one completion event, retries
	// included.
	PublishTimeout time.Duration
	Tracer         trace.Tracer
	Meter          metric.Meter
}

type Orchestrator struct {
	deps           Dependencies
	callbackURL    string
	flowTTL        time.Duration
	publishTimeout time.Duration

	tracer   trace.Tracer
	started  metric.Int64Counter
	terminal metric.Int64Counter

	pending sync.WaitGroup
	now     func() time.Time
}

func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if deps.Wallets == nil || deps.Grants == nil || deps.Payments == nil || deps.Keys == nil ||
		deps.Store == nil || deps.Repository == nil {
		return nil, errors.New("orchestrator dependencies are incomplete")
	}
	if _, err := url.ParseRequestURI(cfg.CallbackBaseURL); err != nil {
		return nil, fmt.Errorf("invalid callback base url: %w", err)
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = DefaultFlowTTL
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("flows")
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("flows")
	}

	started, err := cfg.Meter.Int64Counter("flows_started_total",
		metric.WithDescription("Total number of payment flows started"))
	if err != nil {
		return nil, fmt.Errorf("creating flows counter: %w", err)
	}
	terminal, err := cfg.Meter.Int64Counter("flows_terminal_total",
		metric.WithDescription("Total number of payment flows that reached a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("creating terminal counter: %w", err)
	}

	return &Orchestrator{
		deps:           deps,
		callbackURL:    strings.TrimSuffix(cfg.CallbackBaseURL, "/") + "/flows/callback",
		flowTTL:        cfg.FlowTTL,
		publishTimeout: cfg.PublishTimeout,
		tracer:         cfg.Tracer,
		started:        started,
		terminal:       terminal,
		now:            time.Now,
	}, nil
}

type StartRequest struct {
	PayerWallet string
	PayeeWallet string
	Amount      models.RequestedAmount
	Description string
}

type Fees struct {
	SendAmount    models.Amount  `json:"sendAmount"`
	ReceiveAmount models.Amount  `json:"receiveAmount"`
	Fee           *models.Amount `json:"fee,omitempty"`
}

type StartResult struct {
	FlowID        string            `json:"flowId"`
	StateToken    string            `json:"stateToken"`
	RedirectURL   string            `json:"redirectURL"`
	Status        models.FlowStatus `json:"status"`
	EstimatedFees Fees              `json:"estimatedFees"`
}

// Start runs reserve, quote and the interactive grant request. On success the
// flow waits in AUTHORIZATION_PENDING for the human behind RedirectURL.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	payerURL, err := openpayments.NormalizeWalletURL(req.PayerWallet)
	if err != nil {
		return nil, invalidf("payer wallet: %v", err)
	}
	payeeURL, err := openpayments.NormalizeWalletURL(req.PayeeWallet)
	if err != nil {
		return nil, invalidf("payee wallet: %v", err)
	}
	if value, err := req.Amount.Decimal(); err != nil || value.IsZero() {
		return nil, invalidf("amount must be a positive integer in minor units, got %q", req.Amount.Value)
	}

	flowID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("could not generate flow id: %w", err)
	}
	flow := &models.PaymentFlow{
		ID:          flowID.String(),
		PayerWallet: payerURL,
		PayeeWallet: payeeURL,
		Description: req.Description,
		Status:      models.FLOW_INITIATED,
	}
	o.started.Add(ctx, 1)
	log.Info().Str("flow_id", flow.ID).Str("payer", payerURL).Str("payee", payeeURL).Msg("starting payment flow")

	payer, payee, reservation, err := o.reserve(ctx, flow, req.Amount)
	if errors.Is(err, ErrInvalidRequest) {
		return nil, err
	}
	if err != nil {
		return nil, o.fail(ctx, flow, models.FLOW_RESERVATION_FAILED, StepReserve, err)
	}
	expiresAt := o.now().UTC().Add(o.flowTTL)
	flow.PayerWallet = payer.IdentifierURL
	flow.PayeeWallet = payee.IdentifierURL
	flow.Amount = reservation.RequestedAmount
	flow.ReservationID = reservation.ID
	flow.Status = models.FLOW_RESERVED
	flow.ExpiresAt = &expiresAt
	if err = o.deps.Repository.Create(ctx, flow); err != nil {
		return nil, fmt.Errorf("could not persist flow %s: %w", flow.ID, err)
	}

	quote, err := o.quote(ctx, flow, payer, reservation)
	if err != nil {
		return nil, o.fail(ctx, flow, models.FLOW_QUOTE_FAILED, StepQuote, err)
	}
	flow.QuoteID = quote.ID
	flow.SendAmount = quote.SendAmount
	flow.ReceiveAmount = quote.ReceiveAmount
	if !quote.ExpiresAt.IsZero() {
		flow.QuoteExpiresAt = &quote.ExpiresAt
	}
	if err = o.advance(ctx, flow, models.FLOW_QUOTED); err != nil {
		return nil, err
	}

	stateToken, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}
	corr, grant, err := o.authorize(ctx, flow, payer, payee, quote, stateToken)
	if err != nil {
		return nil, o.fail(ctx, flow, models.FLOW_AUTHORIZATION_DENIED, StepAuthorize, err)
	}
	if err = o.deps.Store.Put(ctx, stateToken, corr, corr.RemainingTTL(o.now())); err != nil {
		return nil, fmt.Errorf("could not store pending flow %s: %w", flow.ID, err)
	}
	flow.StateTokenHash = HashStateToken(stateToken)
	if err = o.advance(ctx, flow, models.FLOW_AUTHORIZATION_PENDING); err != nil {
		_ = o.deps.Store.Delete(ctx, stateToken)
		return nil, err
	}

	result := &StartResult{
		FlowID:      flow.ID,
		StateToken:  stateToken,
		RedirectURL: grant.InteractionRedirectURL,
		Status:      flow.Status,
		EstimatedFees: Fees{
			SendAmount:    quote.SendAmount,
			ReceiveAmount: quote.ReceiveAmount,
		},
	}
	if fee, err := models.Fee(quote.SendAmount, quote.ReceiveAmount); err == nil {
		result.EstimatedFees.Fee = &fee
	}
	log.Info().Str("flow_id", flow.ID).Str("quote_id", quote.ID).Msg("payment flow waiting for authorization")
	return result, nil
}

func (o *Orchestrator) reserve(ctx context.Context, flow *models.PaymentFlow, requested models.RequestedAmount) (
	payer models.WalletIdentity, payee models.WalletIdentity, res models.Reservation, err error) {
	ctx, span := o.tracer.Start(ctx, "flows.start.reserve", trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := o.deps.Wallets.Resolve(gctx, flow.PayerWallet)
		payer = w.As(models.RolePayer)
		return err
	})
	g.Go(func() error {
		w, err := o.deps.Wallets.Resolve(gctx, flow.PayeeWallet)
		payee = w.As(models.RolePayee)
		return err
	})
	if err = g.Wait(); err != nil {
		return payer, payee, res, utils.SpanErr(span, err)
	}

	amount, err := requested.Resolve(payee)
	if err != nil {
		return payer, payee, res, utils.SpanErr(span, invalidf("amount: %v", err))
	}

	creds, err := o.deps.Keys.For(payee)
	if err != nil {
		return payer, payee, res, utils.SpanErr(span, err)
	}
	grant, err := o.deps.Grants.RequestNonInteractive(ctx, creds, payee, models.CapabilityIncomingPayment, nil)
	if err != nil {
		return payer, payee, res, utils.SpanErr(span, err)
	}
	expiresAt := o.now().Add(o.flowTTL)
	res, err = o.deps.Payments.CreateReservation(ctx, creds, payee, amount, flow.Description, &expiresAt, grant.AccessToken)
	if err != nil {
		return payer, payee, res, utils.SpanErr(span, err)
	}
	span.SetAttributes(attribute.String("reservation.id", res.ID))
	return payer, payee, res, nil
}

func (o *Orchestrator) quote(ctx context.Context, flow *models.PaymentFlow, payer models.WalletIdentity,
	reservation models.Reservation) (models.Quote, error) {
	ctx, span := o.tracer.Start(ctx, "flows.start.quote", trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()

	creds, err := o.deps.Keys.For(payer)
	if err != nil {
		return models.Quote{}, utils.SpanErr(span, err)
	}
	grant, err := o.deps.Grants.RequestNonInteractive(ctx, creds, payer, models.CapabilityQuote, nil)
	if err != nil {
		return models.Quote{}, utils.SpanErr(span, err)
	}
	amount := reservation.RequestedAmount
	quote, err := o.deps.Payments.CreateQuote(ctx, creds, payer, reservation.ID, &amount, models.ReceiveAmount, grant.AccessToken)
	if err != nil {
		return models.Quote{}, utils.SpanErr(span, err)
	}
	span.SetAttributes(attribute.String("quote.id", quote.ID))
	return quote, nil
}

func (o *Orchestrator) authorize(ctx context.Context, flow *models.PaymentFlow, payer models.WalletIdentity,
	payee models.WalletIdentity, quote models.Quote, stateToken string) (Correlation, models.AccessGrant, error) {
	ctx, span := o.tracer.Start(ctx, "flows.start.authorize", trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()

	creds, err := o.deps.Keys.For(payer)
	if err != nil {
		return Correlation{}, models.AccessGrant{}, utils.SpanErr(span, err)
	}
	nonce, err := randomToken(16)
	if err != nil {
		return Correlation{}, models.AccessGrant{}, utils.SpanErr(span, err)
	}
	debit := quote.SendAmount
	limits := models.GrantLimits{Receiver: flow.ReservationID, DebitAmount: &debit}
	finishURI := o.callbackURL + "?state=" + url.QueryEscape(stateToken)

	grant, err := o.deps.Grants.RequestInteractive(ctx, creds, payer, limits, finishURI, nonce)
	if err != nil {
		return Correlation{}, models.AccessGrant{}, utils.SpanErr(span, err)
	}

	corr := Correlation{
		FlowID:         flow.ID,
		ContinueURI:    grant.ContinuationURI,
		ContinueToken:  grant.ContinuationAccessToken,
		QuoteID:        quote.ID,
		QuoteExpiresAt: quote.ExpiresAt,
		ReservationID:  flow.ReservationID,
		Payer:          payer,
		Payee:          payee,
		DebitAmount:    debit,
		ClientNonce:    nonce,
		FinishNonce:    grant.InteractionFinishNonce,
		GrantEndpoint:  payer.AuthorizationServerURL,
		ExpiresAt:      *flow.ExpiresAt,
	}
	return corr, grant, nil
}

// Finalize resumes the flow behind stateToken once the human is back with an
// interaction reference: it continues the grant and creates the settlement.
// When hash is given it must match the finish hash of the interaction.
func (o *Orchestrator) Finalize(ctx context.Context, stateToken, interactRef, hash string) (*models.PaymentFlow, error) {
	if stateToken == "" {
		return nil, invalidf("missing state token")
	}
	if interactRef == "" {
		return nil, invalidf("missing interaction reference")
	}

	corr, flow, err := o.claim(ctx, stateToken)
	if err != nil {
		return flow, err
	}
	if hash != "" && !openpayments.VerifyFinishHash(corr.ClientNonce, corr.FinishNonce, interactRef, corr.GrantEndpoint, hash) {
		o.restore(ctx, stateToken, corr)
		return nil, invalidf("interaction hash does not match")
	}

	final, err := o.continueGrant(ctx, flow, corr, interactRef)
	if err != nil {
		switch models.ReasonOf(err) {
		case models.ReasonInteractionNotCompleted, models.ReasonAuthServerUnreachable:
			o.restore(ctx, stateToken, corr)
			log.Info().Err(err).Str("flow_id", flow.ID).Msg("authorization not completed yet")
			return flow, &FlowError{FlowID: flow.ID, Status: flow.Status, Step: StepContinue, Reason: models.ReasonOf(err), cause: err}
		case models.ReasonGrantExpired:
			return flow, o.fail(ctx, flow, models.FLOW_AUTHORIZATION_EXPIRED, StepContinue, err)
		default:
			return flow, o.fail(ctx, flow, models.FLOW_AUTHORIZATION_DENIED, StepContinue, err)
		}
	}
	if err = o.advance(ctx, flow, models.FLOW_AUTHORIZED); err != nil {
		return flow, err
	}

	settlement, err := o.settle(ctx, flow, corr, final.AccessToken)
	if err != nil {
		return flow, o.fail(ctx, flow, models.FLOW_SETTLEMENT_FAILED, StepSettle, err)
	}
	flow.SettlementID = settlement.ID
	flow.SettlementState = settlement.State
	flow.SentAmount = settlement.SentAmount.Value
	if err = o.advance(ctx, flow, models.FLOW_SETTLED); err != nil {
		return flow, err
	}
	o.complete(ctx, flow)
	log.Info().Str("flow_id", flow.ID).Str("settlement_id", settlement.ID).Msg("payment flow settled")
	return flow, nil
}

// Reject closes a pending flow whose interaction the authorization server
// reported as rejected.
func (o *Orchestrator) Reject(ctx context.Context, stateToken string) (*models.PaymentFlow, error) {
	if stateToken == "" {
		return nil, invalidf("missing state token")
	}
	_, flow, err := o.claim(ctx, stateToken)
	if err != nil {
		return flow, err
	}
	cause := models.NewUpstreamError(models.ReasonInteractionDenied, "interaction.finish", 0,
		errors.New("authorization server reported grant_rejected"))
	return flow, o.fail(ctx, flow, models.FLOW_AUTHORIZATION_DENIED, StepContinue, cause)
}

// claim takes the correlation entry so no other finalize can resume the flow.
func (o *Orchestrator) claim(ctx context.Context, stateToken string) (Correlation, *models.PaymentFlow, error) {
	corr, err := o.deps.Store.Take(ctx, stateToken)
	if errors.Is(err, ErrCorrelationNotFound) {
		flow, err := o.notPending(ctx, stateToken)
		return Correlation{}, flow, err
	}
	if err != nil {
		return Correlation{}, nil, fmt.Errorf("could not read pending flow: %w", err)
	}

	flow, err := o.deps.Repository.Get(ctx, corr.FlowID)
	if err != nil {
		o.restore(ctx, stateToken, corr)
		return Correlation{}, nil, err
	}
	if flow.Status != models.FLOW_AUTHORIZATION_PENDING {
		return Correlation{}, flow, invalidState(flow)
	}
	return corr, flow, nil
}

// notPending explains why a state token has no correlation entry.
func (o *Orchestrator) notPending(ctx context.Context, stateToken string) (*models.PaymentFlow, error) {
	flow, err := o.deps.Repository.GetByStateToken(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if flow.Status == models.FLOW_AUTHORIZATION_PENDING && flow.ExpiresAt != nil && !o.now().Before(*flow.ExpiresAt) {
		cause := models.NewUpstreamError(models.ReasonGrantExpired, "flows.finalize", 0, errors.New("authorization window elapsed"))
		return flow, o.fail(ctx, flow, models.FLOW_AUTHORIZATION_EXPIRED, StepContinue, cause)
	}
	return flow, invalidState(flow)
}

func (o *Orchestrator) restore(ctx context.Context, stateToken string, corr Correlation) {
	if err := o.deps.Store.Put(ctx, stateToken, corr, corr.RemainingTTL(o.now())); err != nil {
		log.Error().Err(err).Str("flow_id", corr.FlowID).Msg("could not restore pending flow")
	}
}

func (o *Orchestrator) continueGrant(ctx context.Context, flow *models.PaymentFlow, corr Correlation,
	interactRef string) (models.AccessGrant, error) {
	ctx, span := o.tracer.Start(ctx, "flows.finalize.continue", trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()

	creds, err := o.deps.Keys.For(corr.Payer)
	if err != nil {
		return models.AccessGrant{}, utils.SpanErr(span, err)
	}
	grant, err := o.deps.Grants.Continue(ctx, creds, corr.ContinueURI, corr.ContinueToken, interactRef)
	if err != nil {
		return models.AccessGrant{}, utils.SpanErr(span, err)
	}
	return grant, nil
}

func (o *Orchestrator) settle(ctx context.Context, flow *models.PaymentFlow, corr Correlation,
	accessToken string) (models.Settlement, error) {
	ctx, span := o.tracer.Start(ctx, "flows.finalize.settle", trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()

	if !corr.QuoteExpiresAt.IsZero() && !o.now().Before(corr.QuoteExpiresAt) {
		return models.Settlement{}, utils.SpanErr(span, models.NewUpstreamError(models.ReasonConflict, "outgoing_payment.create", 0,
			fmt.Errorf("quote %s expired at %s", corr.QuoteID, corr.QuoteExpiresAt.Format(time.RFC3339))))
	}
	creds, err := o.deps.Keys.For(corr.Payer)
	if err != nil {
		return models.Settlement{}, utils.SpanErr(span, err)
	}
	metadata := map[string]string{"flowId": flow.ID}
	if flow.Description != "" {
		metadata["description"] = flow.Description
	}
	settlement, err := o.deps.Payments.CreateSettlement(ctx, creds, corr.Payer, corr.QuoteID, accessToken, metadata)
	if err != nil {
		return models.Settlement{}, utils.SpanErr(span, err)
	}
	span.SetAttributes(attribute.String("settlement.id", settlement.ID))
	return settlement, nil
}

func (o *Orchestrator) Get(ctx context.Context, flowID string) (*models.PaymentFlow, error) {
	return o.deps.Repository.Get(ctx, flowID)
}

// Refresh polls the payee's reservation and records what it has received.
func (o *Orchestrator) Refresh(ctx context.Context, flowID string) (*models.PaymentFlow, error) {
	flow, err := o.deps.Repository.Get(ctx, flowID)
	if err != nil || flow.ReservationID == "" {
		return flow, err
	}

	payee, err := o.deps.Wallets.Resolve(ctx, flow.PayeeWallet)
	if err != nil {
		return flow, err
	}
	payee = payee.As(models.RolePayee)
	creds, err := o.deps.Keys.For(payee)
	if err != nil {
		return flow, err
	}
	grant, err := o.deps.Grants.RequestNonInteractive(ctx, creds, payee, models.CapabilityIncomingPayment, nil)
	if err != nil {
		return flow, err
	}
	res, err := o.deps.Payments.GetReservation(ctx, creds, payee, flow.ReservationID, grant.AccessToken)
	if err != nil {
		return flow, err
	}
	flow.ReceivedAmount = res.ReceivedAmount.Value
	flow.ReservationDone = res.IsComplete
	if err = o.deps.Repository.Update(ctx, flow); err != nil {
		return flow, err
	}
	return flow, nil
}

// ExpireAbandoned marks flows whose human never came back as
// AUTHORIZATION_EXPIRED. It returns how many flows it expired.
func (o *Orchestrator) ExpireAbandoned(ctx context.Context) (int, error) {
	abandoned, err := o.deps.Repository.ListAbandoned(ctx, o.now().UTC(), reaperBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range abandoned {
		flow := &abandoned[i]
		flow.Fail(models.FLOW_AUTHORIZATION_EXPIRED, StepContinue, models.ReasonGrantExpired)
		if err = o.deps.Repository.Transition(ctx, flow, models.FLOW_AUTHORIZATION_PENDING); err != nil {
			if errors.Is(err, ErrStaleFlow) {
				continue
			}
			return expired, err
		}
		o.complete(ctx, flow)
		expired++
	}
	if expired > 0 {
		log.Info().Int("count", expired).Msg("expired abandoned payment flows")
	}
	return expired, nil
}

// Drain waits for completion events that are still being published.
func (o *Orchestrator) Drain() {
	o.pending.Wait()
}

func (o *Orchestrator) advance(ctx context.Context, flow *models.PaymentFlow, next models.FlowStatus) error {
	from := flow.Status
	if !from.CanTransitionTo(next) {
		return invalidState(flow)
	}
	flow.Status = next
	if err := o.deps.Repository.Transition(ctx, flow, from); err != nil {
		flow.Status = from
		if errors.Is(err, ErrStaleFlow) {
			// someone else, usually the reaper, moved the flow first
			if current, getErr := o.deps.Repository.Get(ctx, flow.ID); getErr == nil {
				*flow = *current
			}
			return invalidState(flow)
		}
		return fmt.Errorf("could not move flow %s to %s: %w", flow.ID, next, err)
	}
	return nil
}

// fail moves flow into a failure status, persists it unless it never got
// past INITIATED, and publishes the completion event.
func (o *Orchestrator) fail(ctx context.Context, flow *models.PaymentFlow, status models.FlowStatus, step string, cause error) *FlowError {
	from := flow.Status
	reason := models.ReasonOf(cause)
	if reason == "" {
		reason = models.ReasonUpstreamUnavailable
	}
	flow.Fail(status, step, reason)
	log.Warn().Err(cause).
		Str("flow_id", flow.ID).
		Str("step", step).
		Str("reason", string(reason)).
		Msg("payment flow failed")

	if from != models.FLOW_INITIATED {
		if err := o.deps.Repository.Transition(ctx, flow, from); err != nil {
			log.Error().Err(err).Str("flow_id", flow.ID).Msg("could not persist failed flow")
		}
	}
	o.complete(ctx, flow)
	return failure(flow, step, cause)
}

func (o *Orchestrator) complete(ctx context.Context, flow *models.PaymentFlow) {
	o.terminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(flow.Status))))
	if o.deps.Events == nil {
		return
	}

	event := models.NewFlowEvent(flow, o.now())
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.publishTimeout)
		defer cancel()
		if err := o.deps.Events.Publish(ctx, event); err != nil {
			log.Error().Err(err).Str("flow_id", event.FlowID).Msg("could not publish flow event")
		}
	}()
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
