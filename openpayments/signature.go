package openpayments

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const signatureLabel = "sig1"

var ErrInvalidSignature = errors.New("invalid request signature")

// Signer produces HTTP message signatures (Ed25519) for one registered key.
type Signer struct {
	keyID string
	key   ed25519.PrivateKey
	now   func() time.Time
}

func NewSigner(keyID string, key ed25519.PrivateKey) *Signer {
	return &Signer{keyID: keyID, key: key, now: time.Now}
}

// LoadSigner accepts a path to a PEM file, an inline PEM or a base64 encoded PEM.
func LoadSigner(keyID string, source string) (*Signer, error) {
	data, err := readKeyMaterial(source)
	if err != nil {
		return nil, err
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	var raw interface{}
	if err = key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("could not export private key: %w", err)
	}
	priv, ok := raw.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is %T, expected ed25519", keyID, raw)
	}
	return NewSigner(keyID, priv), nil
}

func readKeyMaterial(source string) ([]byte, error) {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		return []byte(trimmed), nil
	}
	if data, err := os.ReadFile(trimmed); err == nil {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, errors.New("private key is neither a readable file, a PEM nor a base64 PEM")
	}
	return decoded, nil
}

func (s *Signer) KeyID() string {
	return s.keyID
}

// PublicJWK is the key as published in a wallet address' jwks.json.
func (s *Signer) PublicJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(s.key.Public())
	if err != nil {
		return nil, err
	}
	if err = key.Set(jwk.KeyIDKey, s.keyID); err != nil {
		return nil, err
	}
	if err = key.Set(jwk.AlgorithmKey, jwa.EdDSA); err != nil {
		return nil, err
	}
	return key, nil
}

// Sign adds Content-Digest, Signature-Input and Signature headers to r.
// The request headers must be final before calling Sign.
func (s *Signer) Sign(r *http.Request, body []byte) error {
	components := []string{"@method", "@target-uri"}
	if r.Header.Get("Authorization") != "" {
		components = append(components, "authorization")
	}
	if body != nil {
		digest := sha512.Sum512(body)
		r.Header.Set("Content-Digest", "sha-512=:"+base64.StdEncoding.EncodeToString(digest[:])+":")
		r.Header.Set("Content-Length", strconv.Itoa(len(body)))
		components = append(components, "content-digest", "content-length", "content-type")
	}

	params := signatureParams(components, s.now().Unix(), s.keyID)
	base, err := signatureBase(r, components, params)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.key, []byte(base))

	r.Header.Set("Signature-Input", signatureLabel+"="+params)
	r.Header.Set("Signature", signatureLabel+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
	return nil
}

func signatureParams(components []string, created int64, keyID string) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf(`(%s);created=%d;keyid=%q;alg="ed25519"`, strings.Join(quoted, " "), created, keyID)
}

func signatureBase(r *http.Request, components []string, params string) (string, error) {
	var sb strings.Builder
	for _, c := range components {
		var value string
		switch c {
		case "@method":
			value = r.Method
		case "@target-uri":
			value = targetURI(r)
		case "content-length":
			value = r.Header.Get(c)
			if value == "" && r.ContentLength > 0 {
				value = strconv.FormatInt(r.ContentLength, 10)
			}
		default:
			value = r.Header.Get(c)
		}
		if value == "" {
			return "", fmt.Errorf("missing signed component %q", c)
		}
		sb.WriteString(strconv.Quote(c) + ": " + value + "\n")
	}
	sb.WriteString(`"@signature-params": ` + params)
	return sb.String(), nil
}

// targetURI rebuilds the absolute URI on the receiving side, where r.URL only
// carries the path.
func targetURI(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

var (
	signatureInputPattern = regexp.MustCompile(`^` + signatureLabel + `=\(([^)]*)\)(.*)$`)
	keyIDPattern          = regexp.MustCompile(`;keyid="([^"]*)"`)
)

// SignatureKeyID returns the keyid parameter of the request's signature, if any.
func SignatureKeyID(r *http.Request) string {
	m := keyIDPattern.FindStringSubmatch(r.Header.Get("Signature-Input"))
	if m == nil {
		return ""
	}
	return m[1]
}

// VerifySignature checks a request signed by Sign against pub.
func VerifySignature(r *http.Request, body []byte, pub ed25519.PublicKey) error {
	input := signatureInputPattern.FindStringSubmatch(r.Header.Get("Signature-Input"))
	if input == nil {
		return fmt.Errorf("%w: missing Signature-Input", ErrInvalidSignature)
	}
	var components []string
	for _, c := range strings.Fields(input[1]) {
		unquoted, err := strconv.Unquote(c)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		components = append(components, unquoted)
	}
	if body != nil {
		digest := sha512.Sum512(body)
		if r.Header.Get("Content-Digest") != "sha-512=:"+base64.StdEncoding.EncodeToString(digest[:])+":" {
			return fmt.Errorf("%w: content digest mismatch", ErrInvalidSignature)
		}
	}
	params := "(" + input[1] + ")" + input[2]
	base, err := signatureBase(r, components, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig := strings.TrimSuffix(strings.TrimPrefix(r.Header.Get("Signature"), signatureLabel+"=:"), ":")
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(pub, []byte(base), raw) {
		return ErrInvalidSignature
	}
	return nil
}
