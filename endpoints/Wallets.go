package endpoints

import (
	"errors"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"net/http"
)

func resolveWallet(rt *kernel.RequestRuntime, raw string) (models.WalletIdentity, bool) {
	if _, err := openpayments.NormalizeWalletURL(raw); err != nil {
		rt.Ef(http.StatusBadRequest, "bad request: %v", err)
		return models.WalletIdentity{}, false
	}
	wallet, err := rt.AppRuntime.Wallets.Resolve(rt.Context(), raw)
	if err != nil {
		walletError(rt, err)
		return models.WalletIdentity{}, false
	}
	return wallet, true
}

func walletError(rt *kernel.RequestRuntime, err error) {
	log.Warn().Err(err).Msg("wallet lookup failed")
	reason := models.ReasonOf(err)
	if reason == "" {
		reason = models.ReasonWalletUnreachable
	}
	rt.EJSON(http.StatusBadGateway, errors.New("wallet lookup failed"), gin.H{"reason": reason})
}

// Wallet resolves ?url= to its public metadata.
func Wallet(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.NewChildTracer("wallets.resolve.handler").Advance()

	wallet, ok := resolveWallet(rt, c.Query("url"))
	if !ok {
		return
	}

	c.JSON(http.StatusOK, wallet)
	rt.EndBlock()
}

// WalletCompatibility tells whether ?payer= can pay ?payee=.
func WalletCompatibility(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.NewChildTracer("wallets.compatibility.handler").Advance()

	payerURL, payeeURL := c.Query("payer"), c.Query("payee")
	for _, raw := range []string{payerURL, payeeURL} {
		if _, err := openpayments.NormalizeWalletURL(raw); err != nil {
			rt.Ef(http.StatusBadRequest, "bad request: %v", err)
			return
		}
	}

	var payer, payee models.WalletIdentity
	g, ctx := errgroup.WithContext(rt.Context())
	g.Go(func() (err error) {
		payer, err = rt.AppRuntime.Wallets.Resolve(ctx, payerURL)
		return err
	})
	g.Go(func() (err error) {
		payee, err = rt.AppRuntime.Wallets.Resolve(ctx, payeeURL)
		return err
	})
	if err := g.Wait(); err != nil {
		walletError(rt, err)
		return
	}

	compat := openpayments.CheckCompatibility(payer.As(models.RolePayer), payee.As(models.RolePayee))
	c.JSON(http.StatusOK, gin.H{
		"payer":      payer.As(models.RolePayer),
		"payee":      payee.As(models.RolePayee),
		"compatible": compat.Compatible,
		"notes":      compat.Notes,
	})
	rt.EndBlock()
}
