package kernel

import (
	"context"
	"fmt"
	"github.com/Angel-Anselmo/NestPay-sub000/flows"
	"github.com/Angel-Anselmo/NestPay-sub000/notifications"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
	"github.com/rs/zerolog/log"
	"time"
)

// PrepareFlows wires the orchestrator: outbound clients, credentials, the
// correlation store, the flow repository and the completion sinks.
// PrepareDatabase has to run first.
func (art *AppRuntime) PrepareFlows() error {
	if art.DatabaseClient == nil {
		return fmt.Errorf("database is not prepared")
	}

	payer, err := art.Payer.credentials()
	if err != nil {
		return fmt.Errorf("payer credentials: %w", err)
	}
	payee, err := art.Payee.credentials()
	if err != nil {
		return fmt.Errorf("payee credentials: %w", err)
	}

	store, err := art.correlationStore()
	if err != nil {
		return err
	}
	art.closers = append(art.closers, store.Close)

	events, err := art.notifier()
	if err != nil {
		return err
	}

	client := openpayments.NewClient(
		openpayments.WithTimeout(art.HTTPTimeout),
		openpayments.WithStrictMode(art.StrictMode),
	)
	art.Wallets = openpayments.NewDirectory(client, art.WalletCacheTTL)

	art.Flows, err = flows.NewOrchestrator(flows.Dependencies{
		Wallets:    art.Wallets,
		Grants:     openpayments.NewNegotiator(client),
		Payments:   openpayments.NewResources(client),
		Keys:       flows.NewKeyRing(payer, payee),
		Store:      store,
		Repository: flows.NewGormRepository(art.DatabaseClient),
		Events:     events,
	}, flows.Config{
		CallbackBaseURL: art.CallbackBaseURL,
		FlowTTL:         art.FlowTTL,
		PublishTimeout:  art.EventPublishTimeout,
		Tracer:          art.Diagnostic.Tracer,
		Meter:           art.Diagnostic.Meter,
	})
	return err
}

func (k WalletKey) credentials() (openpayments.Credentials, error) {
	signer, err := openpayments.LoadSigner(k.KeyID, k.PrivateKey)
	if err != nil {
		return openpayments.Credentials{}, err
	}
	walletURL, err := openpayments.NormalizeWalletURL(k.WalletAddress)
	if err != nil {
		return openpayments.Credentials{}, err
	}
	return openpayments.Credentials{WalletAddress: walletURL, Signer: signer}, nil
}

func (art *AppRuntime) correlationStore() (flows.CorrelationStore, error) {
	if art.StoreBackend == StoreRedis {
		ctx, cancel := context.WithTimeout(art.Context, 10*time.Second)
		defer cancel()
		store, err := flows.NewRedisStoreFromURL(ctx, art.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting correlation store: %w", err)
		}
		log.Info().Msg("flow correlation store: redis")
		return store, nil
	}
	log.Warn().Msg("flow correlation store: memory, pending flows do not survive a restart")
	return flows.NewMemoryStore(time.Minute), nil
}

func (art *AppRuntime) notifier() (notifications.Notifier, error) {
	sinks := notifications.Multi{notifications.Log{}}
	if art.WebhookURL != "" {
		sinks = append(sinks, notifications.NewWebhook(art.WebhookURL,
			notifications.WithAttempts(art.WebhookMaxAttempts)))
	}
	if art.NatsURL != "" {
		publisher, err := notifications.ConnectNats(art.NatsURL, art.NatsSubject, art.HTTPTimeout)
		if err != nil {
			return nil, err
		}
		art.closers = append(art.closers, publisher.Close)
		sinks = append(sinks, publisher)
	}
	return sinks, nil
}

// RunReaper expires abandoned flows every ReaperInterval until ctx is done.
func (art *AppRuntime) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(art.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := art.Flows.ExpireAbandoned(ctx); err != nil {
				log.Error().Err(err).Msg("could not expire abandoned flows")
			}
		}
	}
}

// Close waits for pending completion events and releases the flow
// infrastructure.
func (art *AppRuntime) Close() {
	if art.Flows != nil {
		art.Flows.Drain()
	}
	for i := len(art.closers) - 1; i >= 0; i-- {
		if err := art.closers[i](); err != nil {
			log.Warn().Err(err).Msg("could not close resource")
		}
	}
}
