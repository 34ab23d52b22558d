package flows

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments/opstest"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.FlowEvent
}

func (s *recordingSink) Publish(_ context.Context, e models.FlowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Events() []models.FlowEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FlowEvent(nil), s.events...)
}

type harness struct {
	net      *opstest.Network
	db       *gorm.DB
	repo     *GormRepository
	store    CorrelationStore
	keys     *KeyRing
	events   *recordingSink
	orch     *Orchestrator
	payerURL string
	payeeURL string
}

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.PaymentFlow{}))
	return db
}

func newHarness(t *testing.T) *harness {
	h := &harness{net: opstest.NewNetwork(), events: &recordingSink{}}
	t.Cleanup(h.net.Close)

	h.payerURL = h.net.AddWallet(opstest.Wallet{Name: "alice", AssetCode: "USD", AssetScale: 2})
	h.payeeURL = h.net.AddWallet(opstest.Wallet{Name: "shop", AssetCode: "USD", AssetScale: 2})
	h.keys = NewKeyRing(h.net.Credentials("alice"), h.net.Credentials("shop"))
	h.db = newTestDB(t)
	h.repo = NewGormRepository(h.db)
	h.store = NewMemoryStore(time.Minute)
	h.orch = h.newOrchestrator(t, h.store)
	return h
}

func (h *harness) newOrchestrator(t *testing.T, store CorrelationStore) *Orchestrator {
	client := openpayments.NewClient(openpayments.WithTimeout(5 * time.Second))
	orch, err := NewOrchestrator(Dependencies{
		Wallets:    openpayments.NewDirectory(client, time.Minute),
		Grants:     openpayments.NewNegotiator(client),
		Payments:   openpayments.NewResources(client),
		Keys:       h.keys,
		Store:      store,
		Repository: h.repo,
		Events:     h.events,
	}, Config{CallbackBaseURL: "https://app.example/", FlowTTL: 15 * time.Minute})
	require.NoError(t, err)
	return orch
}

func (h *harness) start(t *testing.T) *StartResult {
	res, err := h.orch.Start(context.Background(), StartRequest{
		PayerWallet: h.payerURL,
		PayeeWallet: h.payeeURL,
		Amount:      models.RequestedAmount{Value: "100", AssetCode: "USD"},
		Description: "coffee",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) countFlows(t *testing.T) int64 {
	var n int64
	require.NoError(t, h.db.Model(&models.PaymentFlow{}).Count(&n).Error)
	return n
}

func flowError(t *testing.T, err error) *FlowError {
	var fe *FlowError
	require.True(t, errors.As(err, &fe), "expected a FlowError, got %v", err)
	return fe
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.start(t)

	assert.Equal(t, models.FLOW_AUTHORIZATION_PENDING, res.Status)
	assert.NotEmpty(t, res.StateToken)
	redirect, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.True(t, redirect.IsAbs())
	assert.Equal(t, "100", res.EstimatedFees.SendAmount.Value)
	assert.Equal(t, "100", res.EstimatedFees.ReceiveAmount.Value)
	require.NotNil(t, res.EstimatedFees.Fee)
	assert.Equal(t, "0", res.EstimatedFees.Fee.Value)

	stored, err := h.orch.Get(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FLOW_AUTHORIZATION_PENDING, stored.Status)
	assert.NotEqual(t, res.StateToken, stored.StateTokenHash)
	assert.Equal(t, HashStateToken(res.StateToken), stored.StateTokenHash)

	in, ok := h.net.Approve(res.RedirectURL)
	require.True(t, ok)
	finishURL, err := url.Parse(in.FinishURL)
	require.NoError(t, err)
	assert.Equal(t, res.StateToken, finishURL.Query().Get("state"))

	flow, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)
	require.NoError(t, err)
	assert.Equal(t, models.FLOW_SETTLED, flow.Status)
	assert.Equal(t, "100", flow.SentAmount)
	assert.Equal(t, models.SETTLEMENT_COMPLETED, flow.SettlementState)

	settlements := h.net.Settlements()
	require.Len(t, settlements, 1)
	assert.Equal(t, "100", settlements[0].SentAmount.Value)
	assert.Equal(t, res.FlowID, settlements[0].Metadata["flowId"])

	t.Run("second finalize is rejected", func(t *testing.T) {
		_, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)

		assert.ErrorIs(t, err, models.ReasonInvalidFlowState)
		assert.Equal(t, models.FLOW_SETTLED, flowError(t, err).Status)
		assert.Len(t, h.net.Settlements(), 1)
	})
	t.Run("completion event", func(t *testing.T) {
		h.orch.Drain()
		events := h.events.Events()

		require.Len(t, events, 1)
		assert.Equal(t, models.FLOW_SETTLED, events[0].Status)
		assert.Equal(t, flow.SettlementID, events[0].SettlementID)
		require.NotNil(t, events[0].SentAmount)
		assert.Equal(t, "100", events[0].SentAmount.Value)
	})
	t.Run("refresh reads the completed reservation", func(t *testing.T) {
		refreshed, err := h.orch.Refresh(ctx, res.FlowID)

		require.NoError(t, err)
		assert.True(t, refreshed.ReservationDone)
		assert.Equal(t, "100", refreshed.ReceivedAmount)
	})
}

func TestOrchestrator_Denied(t *testing.T) {
	h := newHarness(t)
	res := h.start(t)
	in, ok := h.net.Deny(res.RedirectURL)
	require.True(t, ok)

	flow, err := h.orch.Finalize(context.Background(), res.StateToken, in.InteractRef, in.Hash)

	fe := flowError(t, err)
	assert.Equal(t, models.FLOW_AUTHORIZATION_DENIED, fe.Status)
	assert.Equal(t, models.ReasonInteractionDenied, fe.Reason)
	assert.Equal(t, models.FLOW_AUTHORIZATION_DENIED, flow.Status)
	assert.Empty(t, h.net.Settlements())

	stored, err := h.orch.Get(context.Background(), res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FLOW_AUTHORIZATION_DENIED, stored.Status)
	assert.Equal(t, StepContinue, stored.FailedStep)
}

func TestOrchestrator_Reject(t *testing.T) {
	h := newHarness(t)
	res := h.start(t)

	flow, err := h.orch.Reject(context.Background(), res.StateToken)

	assert.ErrorIs(t, err, models.ReasonInteractionDenied)
	assert.Equal(t, models.FLOW_AUTHORIZATION_DENIED, flow.Status)

	_, err = h.orch.Finalize(context.Background(), res.StateToken, "late", "")
	assert.ErrorIs(t, err, models.ReasonInvalidFlowState)
}

func TestOrchestrator_ExpiredQuote(t *testing.T) {
	t.Run("rejected by the resource server", func(t *testing.T) {
		h := newHarness(t)
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)
		h.net.ExpireQuotes()

		flow, err := h.orch.Finalize(context.Background(), res.StateToken, in.InteractRef, in.Hash)

		fe := flowError(t, err)
		assert.Equal(t, models.FLOW_SETTLEMENT_FAILED, fe.Status)
		assert.Equal(t, models.ReasonConflict, fe.Reason)
		assert.Equal(t, StepSettle, fe.Step)
		assert.Equal(t, models.FLOW_SETTLEMENT_FAILED, flow.Status)
		assert.Empty(t, h.net.Settlements())
		assert.Equal(t, "flow failed at step settle: Conflict", err.Error())
	})
	t.Run("caught before calling the resource server", func(t *testing.T) {
		h := newHarness(t)
		h.net.Configure(func(b *opstest.Behavior) { b.QuoteTTL = time.Minute })
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)
		h.orch.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

		_, err := h.orch.Finalize(context.Background(), res.StateToken, in.InteractRef, in.Hash)

		fe := flowError(t, err)
		assert.Equal(t, models.FLOW_SETTLEMENT_FAILED, fe.Status)
		assert.Equal(t, models.ReasonConflict, fe.Reason)
		assert.Empty(t, h.net.Settlements())
	})
}

func TestOrchestrator_UnreachablePayee(t *testing.T) {
	h := newHarness(t)
	h.net.SetWalletDown("shop", true)

	_, err := h.orch.Start(context.Background(), StartRequest{
		PayerWallet: h.payerURL,
		PayeeWallet: h.payeeURL,
		Amount:      models.RequestedAmount{Value: "100", AssetCode: "USD"},
	})

	fe := flowError(t, err)
	assert.Equal(t, models.FLOW_RESERVATION_FAILED, fe.Status)
	assert.Equal(t, models.ReasonWalletUnreachable, fe.Reason)
	counts := h.net.Counts()
	assert.Zero(t, counts.Grants)
	assert.Zero(t, counts.Reservations)
	assert.Zero(t, counts.Quotes)
	assert.Zero(t, h.countFlows(t))

	h.orch.Drain()
	require.Len(t, h.events.Events(), 1)
	assert.Equal(t, models.FLOW_RESERVATION_FAILED, h.events.Events()[0].Status)
}

func TestOrchestrator_StartFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid input", func(t *testing.T) {
		h := newHarness(t)
		cases := []StartRequest{
			{PayerWallet: "alice", PayeeWallet: h.payeeURL, Amount: models.RequestedAmount{Value: "1"}},
			{PayerWallet: h.payerURL, PayeeWallet: "ftp://shop", Amount: models.RequestedAmount{Value: "1"}},
			{PayerWallet: h.payerURL, PayeeWallet: h.payeeURL, Amount: models.RequestedAmount{Value: "1.5"}},
			{PayerWallet: h.payerURL, PayeeWallet: h.payeeURL, Amount: models.RequestedAmount{Value: "0"}},
			{PayerWallet: h.payerURL, PayeeWallet: h.payeeURL, Amount: models.RequestedAmount{Value: ""}},
		}
		for _, c := range cases {
			_, err := h.orch.Start(ctx, c)
			assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", c)
		}
		assert.Zero(t, h.net.Counts().WalletLookups)
	})
	t.Run("quote grant refused", func(t *testing.T) {
		h := newHarness(t)
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		h.keys.Register(h.payerURL, openpayments.Credentials{WalletAddress: h.payerURL, Signer: openpayments.NewSigner("untrusted", priv)})

		res, err := h.orch.Start(ctx, StartRequest{PayerWallet: h.payerURL, PayeeWallet: h.payeeURL, Amount: models.RequestedAmount{Value: "100"}})

		assert.Nil(t, res)
		fe := flowError(t, err)
		assert.Equal(t, models.FLOW_QUOTE_FAILED, fe.Status)
		assert.Equal(t, models.ReasonGrantDenied, fe.Reason)
		stored, err := h.orch.Get(ctx, fe.FlowID)
		require.NoError(t, err)
		assert.Equal(t, models.FLOW_QUOTE_FAILED, stored.Status)
		assert.NotEmpty(t, stored.ReservationID)
	})
	t.Run("interactive grant refused", func(t *testing.T) {
		h := newHarness(t)
		h.net.Configure(func(b *opstest.Behavior) { b.RejectInteractive = true })

		_, err := h.orch.Start(ctx, StartRequest{PayerWallet: h.payerURL, PayeeWallet: h.payeeURL, Amount: models.RequestedAmount{Value: "100"}})

		fe := flowError(t, err)
		assert.Equal(t, models.FLOW_AUTHORIZATION_DENIED, fe.Status)
		assert.Equal(t, StepAuthorize, fe.Step)
		assert.Equal(t, models.ReasonGrantDenied, fe.Reason)
	})
	t.Run("asset scale defaults to the payee's", func(t *testing.T) {
		h := newHarness(t)

		res := h.start(t)

		stored, err := h.orch.Get(ctx, res.FlowID)
		require.NoError(t, err)
		reservation, ok := h.net.Reservation(stored.ReservationID)
		require.True(t, ok)
		assert.Equal(t, models.Amount{Value: "100", AssetCode: "USD", AssetScale: 2}, reservation.RequestedAmount)
		assert.Equal(t, res.EstimatedFees.SendAmount.AssetScale, res.EstimatedFees.ReceiveAmount.AssetScale)
		require.NotNil(t, res.EstimatedFees.Fee)
	})
	t.Run("foreign asset without a scale", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.orch.Start(ctx, StartRequest{
			PayerWallet: h.payerURL,
			PayeeWallet: h.payeeURL,
			Amount:      models.RequestedAmount{Value: "100", AssetCode: "EUR"},
		})

		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.ErrorContains(t, err, "asset scale is required")
		assert.Zero(t, h.net.Counts().Reservations)
		assert.Zero(t, h.countFlows(t))
	})
	t.Run("fees are reported", func(t *testing.T) {
		h := newHarness(t)
		h.net.Configure(func(b *opstest.Behavior) { b.Fee = 5 })

		res := h.start(t)

		assert.Equal(t, "105", res.EstimatedFees.SendAmount.Value)
		assert.Equal(t, "5", res.EstimatedFees.Fee.Value)
	})
}

func TestOrchestrator_Finalize(t *testing.T) {
	ctx := context.Background()

	t.Run("before the human acted", func(t *testing.T) {
		h := newHarness(t)
		res := h.start(t)

		_, err := h.orch.Finalize(ctx, res.StateToken, "too-early", "")

		fe := flowError(t, err)
		assert.Equal(t, models.ReasonInteractionNotCompleted, fe.Reason)
		assert.Equal(t, models.FLOW_AUTHORIZATION_PENDING, fe.Status)

		in, _ := h.net.Approve(res.RedirectURL)
		flow, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)
		require.NoError(t, err)
		assert.Equal(t, models.FLOW_SETTLED, flow.Status)
	})
	t.Run("hash mismatch leaves the flow pending", func(t *testing.T) {
		h := newHarness(t)
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)

		_, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, "forged")
		assert.ErrorIs(t, err, ErrInvalidRequest)

		flow, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)
		require.NoError(t, err)
		assert.Equal(t, models.FLOW_SETTLED, flow.Status)
	})
	t.Run("expired grant", func(t *testing.T) {
		h := newHarness(t)
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)
		h.net.ExpireGrants()

		_, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, "")

		fe := flowError(t, err)
		assert.Equal(t, models.FLOW_AUTHORIZATION_EXPIRED, fe.Status)
		assert.Equal(t, models.ReasonGrantExpired, fe.Reason)
	})
	t.Run("unknown state token", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.orch.Finalize(ctx, "nope", "ref", "")

		assert.ErrorIs(t, err, ErrFlowNotFound)
	})
	t.Run("missing interaction reference", func(t *testing.T) {
		h := newHarness(t)
		res := h.start(t)

		_, err := h.orch.Finalize(ctx, res.StateToken, "", "")

		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
	t.Run("concurrent finalize settles once", func(t *testing.T) {
		h := newHarness(t)
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, models.ReasonInvalidFlowState)
		}
		assert.Equal(t, 1, succeeded)
		assert.Len(t, h.net.Settlements(), 1)
	})
	t.Run("reaper wins the race", func(t *testing.T) {
		h := newHarness(t)
		h.orch.deps.Repository = &reapedFirst{GormRepository: h.repo}
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)

		flow, err := h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)

		assert.ErrorIs(t, err, models.ReasonInvalidFlowState)
		fe := flowError(t, err)
		assert.Equal(t, models.FLOW_AUTHORIZATION_EXPIRED, fe.Status)
		require.NotNil(t, flow)
		assert.Equal(t, models.FLOW_AUTHORIZATION_EXPIRED, flow.Status)
		assert.Empty(t, h.net.Settlements())
	})
	t.Run("survives a restart with redis", func(t *testing.T) {
		h := newHarness(t)
		server := miniredis.RunT(t)
		store := NewRedisStore(redis.NewClient(&redis.Options{Addr: server.Addr()}))
		h.orch = h.newOrchestrator(t, store)
		res := h.start(t)
		in, _ := h.net.Approve(res.RedirectURL)

		restarted := h.newOrchestrator(t, NewRedisStore(redis.NewClient(&redis.Options{Addr: server.Addr()})))
		flow, err := restarted.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)

		require.NoError(t, err)
		assert.Equal(t, models.FLOW_SETTLED, flow.Status)
		assert.False(t, server.Exists(redisKeyPrefix+res.StateToken))
	})
}

// reapedFirst expires the flow right before the first move to AUTHORIZED is
// written, the way the reaper would when it wins the race.
type reapedFirst struct {
	*GormRepository
	once sync.Once
}

func (r *reapedFirst) Transition(ctx context.Context, f *models.PaymentFlow, from models.FlowStatus) error {
	if f.Status == models.FLOW_AUTHORIZED {
		r.once.Do(func() {
			stored, err := r.GormRepository.Get(ctx, f.ID)
			if err != nil {
				return
			}
			stored.Fail(models.FLOW_AUTHORIZATION_EXPIRED, StepContinue, models.ReasonGrantExpired)
			_ = r.GormRepository.Transition(ctx, stored, models.FLOW_AUTHORIZATION_PENDING)
		})
	}
	return r.GormRepository.Transition(ctx, f, from)
}

func TestOrchestrator_ExpireAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.start(t)

	expired, err := h.orch.ExpireAbandoned(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	h.orch.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	expired, err = h.orch.ExpireAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	flow, err := h.orch.Get(ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FLOW_AUTHORIZATION_EXPIRED, flow.Status)
	assert.Equal(t, models.ReasonGrantExpired, flow.FailureReason)

	in, _ := h.net.Approve(res.RedirectURL)
	_, err = h.orch.Finalize(ctx, res.StateToken, in.InteractRef, in.Hash)
	assert.ErrorIs(t, err, models.ReasonInvalidFlowState)
	assert.Empty(t, h.net.Settlements())

	h.orch.Drain()
	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.FLOW_AUTHORIZATION_EXPIRED, events[0].Status)
}

type stuckSink struct {
	errs chan error
}

func (s stuckSink) Publish(ctx context.Context, _ models.FlowEvent) error {
	<-ctx.Done()
	s.errs <- ctx.Err()
	return ctx.Err()
}

func TestOrchestrator_PublishTimeout(t *testing.T) {
	h := newHarness(t)
	sink := stuckSink{errs: make(chan error, 1)}
	h.orch.deps.Events = sink
	h.orch.publishTimeout = 50 * time.Millisecond
	res := h.start(t)

	_, err := h.orch.Reject(context.Background(), res.StateToken)
	require.Error(t, err)

	drained := make(chan struct{})
	go func() {
		h.orch.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain is stuck on a hanging sink")
	}
	assert.ErrorIs(t, <-sink.errs, context.DeadlineExceeded)
}

func TestKeyRing(t *testing.T) {
	payer := openpayments.Credentials{WalletAddress: "https://w.example/payer", Signer: openpayments.NewSigner("p", nil)}
	payee := openpayments.Credentials{WalletAddress: "https://w.example/payee", Signer: openpayments.NewSigner("q", nil)}
	keys := NewKeyRing(payer, payee)

	got, err := keys.For(models.WalletIdentity{IdentifierURL: "https://other.example/x", Role: models.RolePayer})
	require.NoError(t, err)
	assert.Equal(t, payer, got)

	got, err = keys.For(models.WalletIdentity{IdentifierURL: "https://other.example/x", Role: models.RolePayee})
	require.NoError(t, err)
	assert.Equal(t, payee, got)

	special := openpayments.Credentials{WalletAddress: "https://other.example/x", Signer: openpayments.NewSigner("s", nil)}
	keys.Register("https://other.example/x", special)
	got, err = keys.For(models.WalletIdentity{IdentifierURL: "https://other.example/x", Role: models.RolePayer})
	require.NoError(t, err)
	assert.Equal(t, special, got)

	_, err = NewKeyRing(openpayments.Credentials{}, payee).For(models.WalletIdentity{Role: models.RolePayer})
	assert.Error(t, err)
	_, err = keys.For(models.WalletIdentity{})
	assert.Error(t, err)
}
