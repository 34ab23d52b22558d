package openpayments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/patrickmn/go-cache"
)

// Directory resolves wallet addresses to their published metadata.
// Successful resolutions are cached for ttl; failures never are.
type Directory struct {
	client *Client
	cache  *cache.Cache
}

func NewDirectory(client *Client, ttl time.Duration) *Directory {
	d := &Directory{client: client}
	if ttl > 0 {
		d.cache = cache.New(ttl, 2*ttl)
	}
	return d
}

// NormalizeWalletURL turns a payment pointer ($host/path) into its https URL
// and rejects anything that is not an absolute http(s) URL.
func NormalizeWalletURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "$") {
		raw = "https://" + strings.TrimPrefix(raw, "$")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("not an absolute http(s) url: %q", raw)
	}
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func (d *Directory) Resolve(ctx context.Context, walletURL string) (models.WalletIdentity, error) {
	const op = "wallet.resolve"

	normalized, err := NormalizeWalletURL(walletURL)
	if err != nil {
		return models.WalletIdentity{}, models.NewUpstreamError(models.ReasonWalletMalformed, op, 0, err)
	}
	if d.cache != nil {
		if cached, ok := d.cache.Get(normalized); ok {
			return cached.(models.WalletIdentity), nil
		}
	}

	var w models.WalletIdentity
	err = d.client.do(ctx, request{op: op, method: http.MethodGet, url: normalized, expected: []int{http.StatusOK}}, &w)
	if err != nil {
		if errors.Is(err, errMalformedResponse) {
			return models.WalletIdentity{}, models.NewUpstreamError(models.ReasonWalletMalformed, op, 0, err)
		}
		code, _, _ := statusOf(err)
		return models.WalletIdentity{}, models.NewUpstreamError(models.ReasonWalletUnreachable, op, code, err)
	}
	if err = validateWallet(w); err != nil {
		return models.WalletIdentity{}, models.NewUpstreamError(models.ReasonWalletMalformed, op, 0, err)
	}
	w.Role = ""

	if d.cache != nil {
		d.cache.SetDefault(normalized, w)
	}
	return w, nil
}

func validateWallet(w models.WalletIdentity) error {
	var missing []string
	if w.IdentifierURL == "" {
		missing = append(missing, "id")
	}
	if w.AssetCode == "" {
		missing = append(missing, "assetCode")
	}
	if _, err := url.ParseRequestURI(w.AuthorizationServerURL); err != nil {
		missing = append(missing, "authServer")
	}
	if _, err := url.ParseRequestURI(w.ResourceServerURL); err != nil {
		missing = append(missing, "resourceServer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("wallet metadata is missing or has invalid %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckCompatibility is advisory: settlement converts between assets, so a
// mismatch is reported but never blocks a flow.
func CheckCompatibility(a, b models.WalletIdentity) models.Compatibility {
	result := models.Compatibility{Compatible: true}
	if a.AssetCode != b.AssetCode {
		result.Compatible = false
		result.Notes = append(result.Notes, fmt.Sprintf("asset codes differ (%s vs %s), settlement will convert currency", a.AssetCode, b.AssetCode))
	} else if a.AssetScale != b.AssetScale {
		result.Notes = append(result.Notes, fmt.Sprintf("asset scales differ (%d vs %d)", a.AssetScale, b.AssetScale))
	}
	if a.IdentifierURL == b.IdentifierURL {
		result.Notes = append(result.Notes, "payer and payee are the same wallet")
	}
	return result
}
