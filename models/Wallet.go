package models

type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// WalletIdentity is the resolved public metadata of a wallet address.
type WalletIdentity struct {
	IdentifierURL          string `json:"id"`
	AssetCode              string `json:"assetCode"`
	AssetScale             uint8  `json:"assetScale"`
	AuthorizationServerURL string `json:"authServer"`
	ResourceServerURL      string `json:"resourceServer"`
	DisplayName            string `json:"publicName,omitempty"`

	Role Role `json:"role,omitempty"`
}

func (w WalletIdentity) As(role Role) WalletIdentity {
	w.Role = role
	return w
}

type Compatibility struct {
	Compatible bool     `json:"compatible"`
	Notes      []string `json:"notes,omitempty"`
}
