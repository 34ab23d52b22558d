package flows

import (
	"fmt"
	"sync"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
)

// KeyRing picks the client credentials for a call. Credentials registered for
// a specific wallet address win over the role defaults.
type KeyRing struct {
	mu       sync.RWMutex
	defaults map[models.Role]openpayments.Credentials
	byWallet map[string]openpayments.Credentials
}

func NewKeyRing(payer, payee openpayments.Credentials) *KeyRing {
	return &KeyRing{
		defaults: map[models.Role]openpayments.Credentials{
			models.RolePayer: payer,
			models.RolePayee: payee,
		},
		byWallet: map[string]openpayments.Credentials{},
	}
}

func (k *KeyRing) Register(walletURL string, creds openpayments.Credentials) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.byWallet[walletURL] = creds
}

func (k *KeyRing) For(wallet models.WalletIdentity) (openpayments.Credentials, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if creds, ok := k.byWallet[wallet.IdentifierURL]; ok {
		return creds, nil
	}
	creds, ok := k.defaults[wallet.Role]
	if !ok || creds.Signer == nil || creds.WalletAddress == "" {
		return openpayments.Credentials{}, fmt.Errorf("no credentials for %s wallet %s", wallet.Role, wallet.IdentifierURL)
	}
	return creds, nil
}
