// Package opstest runs an in-process Open Payments network (wallet addresses,
// one authorization server and one resource server) for tests.
package opstest

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Behavior are the knobs a test can turn on the network.
type Behavior struct {
	// Fee is added to the debit amount of every quote, in payer minor units.
	Fee int64
	// QuoteTTL is the lifetime of new quotes, 5 minutes when zero.
	QuoteTTL time.Duration
	// RejectGrants makes every non-interactive grant request fail with request_denied.
	RejectGrants bool
	// RejectInteractive makes interactive grant requests fail with request_denied.
	RejectInteractive bool
	// ResourceStatus, when set, is returned by every resource server call.
	ResourceStatus int
	// SkipSignatureCheck accepts unsigned requests.
	SkipSignatureCheck bool
}

// Counts is how many artifacts the network has created.
type Counts struct {
	WalletLookups int
	Grants        int
	Reservations  int
	Quotes        int
	Settlements   int
}

type Wallet struct {
	Name       string
	AssetCode  string
	AssetScale uint8
	PublicName string
	Down       bool
	Malformed  bool
}

type grantDecision int

const (
	decisionPending grantDecision = iota
	decisionApproved
	decisionDenied
)

type pendingGrant struct {
	id            string
	client        string
	continueToken string
	clientNonce   string
	finishNonce   string
	finishURI     string
	interactRef   string
	limits        *models.GrantLimits
	decision      grantDecision
	expired       bool
}

type issuedToken struct {
	capability models.Capability
	limits     *models.GrantLimits
}

type Network struct {
	Server *httptest.Server

	mu           sync.Mutex
	behavior     Behavior
	counts       Counts
	wallets      map[string]*Wallet
	keys         map[string]ed25519.PublicKey
	grants       map[string]*pendingGrant
	tokens       map[string]issuedToken
	reservations map[string]*models.Reservation
	quotes       map[string]*models.Quote
	settlements  map[string]*models.Settlement
}

func NewNetwork() *Network {
	gin.SetMode(gin.TestMode)
	n := &Network{
		wallets:      map[string]*Wallet{},
		keys:         map[string]ed25519.PublicKey{},
		grants:       map[string]*pendingGrant{},
		tokens:       map[string]issuedToken{},
		reservations: map[string]*models.Reservation{},
		quotes:       map[string]*models.Quote{},
		settlements:  map[string]*models.Settlement{},
	}

	r := gin.New()
	r.GET("/wallets/:name", n.walletMetadata)
	r.POST("/auth", n.signed(n.grant))
	r.POST("/auth/continue/:id", n.signed(n.continueGrant))
	r.GET("/interact/:id", n.interact)
	r.POST("/rs/incoming-payments", n.signed(n.resource(models.CapabilityIncomingPayment, n.createIncomingPayment)))
	r.GET("/rs/incoming-payments/:id", n.signed(n.resource(models.CapabilityIncomingPayment, n.getIncomingPayment)))
	r.POST("/rs/quotes", n.signed(n.resource(models.CapabilityQuote, n.createQuote)))
	r.POST("/rs/outgoing-payments", n.signed(n.resource(models.CapabilityOutgoingPayment, n.createOutgoingPayment)))
	r.GET("/rs/outgoing-payments/:id", n.signed(n.resource(models.CapabilityOutgoingPayment, n.getOutgoingPayment)))

	n.Server = httptest.NewServer(r)
	return n
}

func (n *Network) Close() {
	n.Server.Close()
}

// AddWallet registers a wallet address and returns its URL.
func (n *Network) AddWallet(w Wallet) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := w
	n.wallets[w.Name] = &cp
	return n.WalletURL(w.Name)
}

func (n *Network) WalletURL(name string) string {
	return n.Server.URL + "/wallets/" + name
}

func (n *Network) GrantEndpoint() string {
	return n.Server.URL + "/auth"
}

// SetWalletDown makes the wallet's metadata endpoint answer 503.
func (n *Network) SetWalletDown(name string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.wallets[name]; ok {
		w.Down = down
	}
}

// Trust registers the public key of a signer so its requests verify.
func (n *Network) Trust(signer *openpayments.Signer) {
	key, err := signer.PublicJWK()
	if err != nil {
		panic(err)
	}
	var raw interface{}
	if err = key.Raw(&raw); err != nil {
		panic(err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys[signer.KeyID()] = raw.(ed25519.PublicKey)
}

func (n *Network) Configure(fn func(b *Behavior)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.behavior)
}

func (n *Network) Counts() Counts {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts
}

func (n *Network) Settlements() []models.Settlement {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Settlement, 0, len(n.settlements))
	for _, s := range n.settlements {
		out = append(out, *s)
	}
	return out
}

func (n *Network) Reservation(id string) (models.Reservation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.reservations[id]
	if !ok {
		return models.Reservation{}, false
	}
	return *r, true
}

// ExpireQuote moves a quote's expiry into the past.
func (n *Network) ExpireQuote(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if q, ok := n.quotes[id]; ok {
		q.ExpiresAt = time.Now().Add(-time.Second)
	}
}

// ExpireQuotes moves the expiry of every quote into the past.
func (n *Network) ExpireQuotes() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, q := range n.quotes {
		q.ExpiresAt = time.Now().Add(-time.Second)
	}
}

// ExpireGrants closes every pending continuation.
func (n *Network) ExpireGrants() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, g := range n.grants {
		g.expired = true
	}
}

// Interaction is what the authorization server hands back to the browser
// once the human is done.
type Interaction struct {
	InteractRef string
	Hash        string
	Result      string
	FinishURL   string
}

// Approve plays the human approving the grant behind redirectURL.
func (n *Network) Approve(redirectURL string) (Interaction, bool) {
	return n.decide(redirectURL, decisionApproved)
}

// Deny plays the human declining the grant behind redirectURL.
func (n *Network) Deny(redirectURL string) (Interaction, bool) {
	return n.decide(redirectURL, decisionDenied)
}

func (n *Network) decide(redirectURL string, decision grantDecision) (Interaction, bool) {
	id := redirectURL[strings.LastIndex(redirectURL, "/")+1:]

	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.grants[id]
	if !ok {
		return Interaction{}, false
	}
	g.decision = decision
	g.interactRef = uuid.NewString()

	in := Interaction{
		InteractRef: g.interactRef,
		Hash:        openpayments.FinishHash(g.clientNonce, g.finishNonce, g.interactRef, n.GrantEndpoint()),
	}
	q := url.Values{}
	q.Set("interact_ref", in.InteractRef)
	q.Set("hash", in.Hash)
	if decision == decisionDenied {
		in.Result = "grant_rejected"
		q.Set("result", in.Result)
	}
	if u, err := url.Parse(g.finishURI); err == nil {
		for k, v := range u.Query() {
			q[k] = v
		}
		u.RawQuery = q.Encode()
		in.FinishURL = u.String()
	}
	return in, true
}

func (n *Network) interact(c *gin.Context) {
	decision := decisionApproved
	if c.Query("decision") == "deny" {
		decision = decisionDenied
	}
	in, ok := n.decide(c.Param("id"), decision)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Redirect(http.StatusFound, in.FinishURL)
}

func (n *Network) walletMetadata(c *gin.Context) {
	n.mu.Lock()
	n.counts.WalletLookups++
	w, ok := n.wallets[c.Param("name")]
	n.mu.Unlock()

	switch {
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown wallet address"})
	case w.Down:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	case w.Malformed:
		c.JSON(http.StatusOK, gin.H{"id": n.WalletURL(w.Name)})
	default:
		c.JSON(http.StatusOK, models.WalletIdentity{
			IdentifierURL:          n.WalletURL(w.Name),
			AssetCode:              w.AssetCode,
			AssetScale:             w.AssetScale,
			AuthorizationServerURL: n.GrantEndpoint(),
			ResourceServerURL:      n.Server.URL + "/rs",
			DisplayName:            w.PublicName,
		})
	}
}

// signed verifies the request signature and stores the raw body under "body".
func (n *Network) signed(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		c.Set("body", body)

		n.mu.Lock()
		skip := n.behavior.SkipSignatureCheck
		key, known := n.keys[openpayments.SignatureKeyID(c.Request)]
		n.mu.Unlock()
		if !skip {
			if !known {
				gnapError(c, http.StatusUnauthorized, "invalid_client")
				return
			}
			var signedBody []byte
			if len(body) > 0 {
				signedBody = body
			}
			if err = openpayments.VerifySignature(c.Request, signedBody, key); err != nil {
				gnapError(c, http.StatusUnauthorized, "invalid_client")
				return
			}
		}
		next(c)
	}
}

func gnapError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "description": code}})
}

func bind(c *gin.Context, out any) bool {
	if err := json.Unmarshal(c.MustGet("body").([]byte), out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func gnapToken(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "GNAP ")
}

type grantRequest struct {
	AccessToken struct {
		Access []struct {
			Type   models.Capability   `json:"type"`
			Limits *models.GrantLimits `json:"limits"`
		} `json:"access"`
	} `json:"access_token"`
	Client   string `json:"client"`
	Interact *struct {
		Finish struct {
			URI   string `json:"uri"`
			Nonce string `json:"nonce"`
		} `json:"finish"`
	} `json:"interact"`
}

func (n *Network) issue(capability models.Capability, limits *models.GrantLimits) gin.H {
	token := uuid.NewString()
	n.tokens[token] = issuedToken{capability: capability, limits: limits}
	return gin.H{"value": token, "manage": n.Server.URL + "/auth/token/" + token, "expires_in": 600}
}

func (n *Network) grant(c *gin.Context) {
	var req grantRequest
	if !bind(c, &req) {
		return
	}
	if len(req.AccessToken.Access) != 1 {
		gnapError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	access := req.AccessToken.Access[0]

	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts.Grants++

	if req.Interact == nil {
		if n.behavior.RejectGrants || access.Type == models.CapabilityOutgoingPayment {
			gnapError(c, http.StatusBadRequest, "request_denied")
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": n.issue(access.Type, access.Limits)})
		return
	}

	if n.behavior.RejectInteractive {
		gnapError(c, http.StatusBadRequest, "request_denied")
		return
	}
	g := &pendingGrant{
		id:            uuid.NewString(),
		client:        req.Client,
		continueToken: uuid.NewString(),
		clientNonce:   req.Interact.Finish.Nonce,
		finishNonce:   uuid.NewString(),
		finishURI:     req.Interact.Finish.URI,
		limits:        access.Limits,
	}
	n.grants[g.id] = g
	c.JSON(http.StatusOK, gin.H{
		"continue": gin.H{
			"access_token": gin.H{"value": g.continueToken},
			"uri":          n.Server.URL + "/auth/continue/" + g.id,
			"wait":         0,
		},
		"interact": gin.H{
			"redirect": n.Server.URL + "/interact/" + g.id,
			"finish":   g.finishNonce,
		},
	})
}

func (n *Network) continueGrant(c *gin.Context) {
	var req struct {
		InteractRef string `json:"interact_ref"`
	}
	if !bind(c, &req) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.grants[c.Param("id")]
	if !ok {
		gnapError(c, http.StatusNotFound, "invalid_continuation")
		return
	}
	if g.continueToken != gnapToken(c) {
		gnapError(c, http.StatusUnauthorized, "invalid_continuation")
		return
	}
	if g.expired {
		delete(n.grants, g.id)
		gnapError(c, http.StatusBadRequest, "expired")
		return
	}

	switch g.decision {
	case decisionPending:
		c.JSON(http.StatusOK, gin.H{"continue": gin.H{
			"access_token": gin.H{"value": g.continueToken},
			"uri":          n.Server.URL + "/auth/continue/" + g.id,
			"wait":         5,
		}})
	case decisionDenied:
		delete(n.grants, g.id)
		gnapError(c, http.StatusUnauthorized, "user_denied")
	default:
		if req.InteractRef != g.interactRef {
			gnapError(c, http.StatusBadRequest, "invalid_request")
			return
		}
		delete(n.grants, g.id)
		c.JSON(http.StatusOK, gin.H{"access_token": n.issue(models.CapabilityOutgoingPayment, g.limits)})
	}
}

// resource authorizes a resource server call with a token of capability.
func (n *Network) resource(capability models.Capability, next func(c *gin.Context, tok issuedToken)) gin.HandlerFunc {
	return func(c *gin.Context) {
		n.mu.Lock()
		status := n.behavior.ResourceStatus
		tok, ok := n.tokens[gnapToken(c)]
		n.mu.Unlock()

		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		if !ok || tok.capability != capability {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}
		next(c, tok)
	}
}

func (n *Network) resourceID(collection string) string {
	return n.Server.URL + "/rs/" + collection + "/" + uuid.NewString()
}

func (n *Network) createIncomingPayment(c *gin.Context, _ issuedToken) {
	var req struct {
		WalletAddress  string            `json:"walletAddress"`
		IncomingAmount models.Amount     `json:"incomingAmount"`
		ExpiresAt      *time.Time        `json:"expiresAt"`
		Metadata       map[string]string `json:"metadata"`
	}
	if !bind(c, &req) {
		return
	}
	if _, err := req.IncomingAmount.Decimal(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.walletByURL(req.WalletAddress) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown wallet address"})
		return
	}
	n.counts.Reservations++
	res := &models.Reservation{
		ID:              n.resourceID("incoming-payments"),
		OwnerWallet:     req.WalletAddress,
		RequestedAmount: req.IncomingAmount,
		ReceivedAmount:  models.Amount{Value: "0", AssetCode: req.IncomingAmount.AssetCode, AssetScale: req.IncomingAmount.AssetScale},
		Metadata:        req.Metadata,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       req.ExpiresAt,
	}
	n.reservations[res.ID] = res
	c.JSON(http.StatusCreated, res)
}

func (n *Network) getIncomingPayment(c *gin.Context, _ issuedToken) {
	n.mu.Lock()
	defer n.mu.Unlock()
	res, ok := n.reservations[n.Server.URL+"/rs/incoming-payments/"+c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (n *Network) createQuote(c *gin.Context, _ issuedToken) {
	var req struct {
		WalletAddress string         `json:"walletAddress"`
		Receiver      string         `json:"receiver"`
		DebitAmount   *models.Amount `json:"debitAmount"`
		ReceiveAmount *models.Amount `json:"receiveAmount"`
	}
	if !bind(c, &req) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	payer := n.walletByURL(req.WalletAddress)
	res, ok := n.reservations[req.Receiver]
	if payer == nil || !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receiver or wallet address"})
		return
	}
	if res.ExpiresAt != nil && time.Now().After(*res.ExpiresAt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver expired"})
		return
	}

	fee := decimal.NewFromInt(n.behavior.Fee)
	q := &models.Quote{
		ID:                    n.resourceID("quotes"),
		PayerWallet:           req.WalletAddress,
		ReceiverReservationID: req.Receiver,
		CreatedAt:             time.Now().UTC(),
	}
	switch {
	case req.ReceiveAmount != nil:
		v, err := req.ReceiveAmount.Decimal()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q.ReceiveAmount = *req.ReceiveAmount
		q.SendAmount = models.Amount{Value: v.Add(fee).String(), AssetCode: payer.AssetCode, AssetScale: payer.AssetScale}
	case req.DebitAmount != nil:
		v, err := req.DebitAmount.Decimal()
		if err != nil || v.LessThan(fee) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid debit amount"})
			return
		}
		q.SendAmount = *req.DebitAmount
		q.ReceiveAmount = models.Amount{Value: v.Sub(fee).String(), AssetCode: res.RequestedAmount.AssetCode, AssetScale: res.RequestedAmount.AssetScale}
	default:
		q.ReceiveAmount = res.RequestedAmount
		v, _ := res.RequestedAmount.Decimal()
		q.SendAmount = models.Amount{Value: v.Add(fee).String(), AssetCode: payer.AssetCode, AssetScale: payer.AssetScale}
	}

	ttl := n.behavior.QuoteTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	q.ExpiresAt = q.CreatedAt.Add(ttl)
	n.counts.Quotes++
	n.quotes[q.ID] = q
	c.JSON(http.StatusCreated, q)
}

func (n *Network) createOutgoingPayment(c *gin.Context, tok issuedToken) {
	var req struct {
		WalletAddress string            `json:"walletAddress"`
		QuoteID       string            `json:"quoteId"`
		Metadata      map[string]string `json:"metadata"`
	}
	if !bind(c, &req) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.quotes[req.QuoteID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown quote"})
		return
	}
	if q.Expired(time.Now()) {
		c.JSON(http.StatusConflict, gin.H{"error": "quote expired"})
		return
	}
	if tok.limits != nil && tok.limits.Receiver != "" && tok.limits.Receiver != q.ReceiverReservationID {
		c.JSON(http.StatusForbidden, gin.H{"error": "grant does not cover this receiver"})
		return
	}
	if tok.limits != nil && tok.limits.DebitAmount != nil {
		limit, _ := tok.limits.DebitAmount.Decimal()
		debit, _ := q.SendAmount.Decimal()
		if debit.GreaterThan(limit) {
			c.JSON(http.StatusForbidden, gin.H{"error": "debit amount exceeds grant limit"})
			return
		}
	}

	now := time.Now().UTC()
	s := &models.Settlement{
		ID:          n.resourceID("outgoing-payments"),
		PayerWallet: req.WalletAddress,
		QuoteID:     q.ID,
		DebitAmount: q.SendAmount,
		SentAmount:  q.SendAmount,
		State:       models.SETTLEMENT_COMPLETED,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if res, ok := n.reservations[q.ReceiverReservationID]; ok {
		res.ReceivedAmount = q.ReceiveAmount
		res.IsComplete = true
	}
	delete(n.quotes, q.ID)
	n.counts.Settlements++
	n.settlements[s.ID] = s
	c.JSON(http.StatusCreated, s)
}

func (n *Network) getOutgoingPayment(c *gin.Context, _ issuedToken) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.settlements[n.Server.URL+"/rs/outgoing-payments/"+c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (n *Network) walletByURL(raw string) *Wallet {
	prefix := n.Server.URL + "/wallets/"
	if !strings.HasPrefix(raw, prefix) {
		return nil
	}
	return n.wallets[strings.TrimPrefix(raw, prefix)]
}

// NewKey returns a fresh signer that the network trusts.
func (n *Network) NewKey(keyID string) *openpayments.Signer {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	signer := openpayments.NewSigner(keyID, priv)
	n.Trust(signer)
	return signer
}

// Credentials are the client credentials of a wallet with a trusted key.
func (n *Network) Credentials(walletName string) openpayments.Credentials {
	return openpayments.Credentials{
		WalletAddress: n.WalletURL(walletName),
		Signer:        n.NewKey(walletName + "-" + uuid.NewString()[:8]),
	}
}
