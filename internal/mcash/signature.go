package mcash

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const authScheme = "RSA-SHA256"

var (
	// ErrMissingSignature is returned in strict mode when a callback
	// arrives without an Authorization header.
	ErrMissingSignature = errors.New("mcash: missing signature")
	// ErrInvalidSignature is returned when signature validation fails.
	ErrInvalidSignature = errors.New("mcash: invalid signature")
)

// Verifier authenticates inbound callbacks against the provider's public key.
//
// When the Authorization header is absent and Strict is false the request is
// let through. That permissive fallback matches the provider's historic
// behaviour and is a documented risk, not an oversight; enable Strict to
// reject unsigned deliveries.
type Verifier struct {
	PublicKey          *rsa.PublicKey
	Strict             bool
	TrustForwardedHost bool
}

// Verify authenticates the callback. Signatures are computed over the literal
// request bytes, so callers must pass the raw unparsed body.
func (v Verifier) Verify(method, url string, header http.Header, body []byte) error {
	auth := strings.TrimSpace(header.Get("Authorization"))
	if auth == "" {
		if v.Strict {
			return ErrMissingSignature
		}
		return nil
	}
	if v.PublicKey == nil {
		return ErrInvalidSignature
	}
	scheme, encoded, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, authScheme) {
		return ErrInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return ErrInvalidSignature
	}
	if digest := header.Get("X-Mcash-Content"); digest != "" {
		if !strings.EqualFold(digest, ContentDigest(body)) {
			return ErrInvalidSignature
		}
	}
	hashed := sha256.Sum256([]byte(SignedMessage(method, url, header)))
	if err := rsa.VerifyPKCS1v15(v.PublicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyRequest reconstructs the absolute request URL and verifies the
// delivery. The forwarded host header is only honoured when explicitly
// enabled.
func (v Verifier) VerifyRequest(r *http.Request, body []byte) error {
	return v.Verify(r.Method, RequestURL(r, v.TrustForwardedHost), r.Header, body)
}

// SignedMessage builds the canonical signing input:
// METHOD|URL|KEY=value&KEY=value for every X-Mcash-* header, keys uppercased
// and sorted.
func SignedMessage(method, url string, header http.Header) string {
	keys := make([]string, 0, 4)
	values := make(map[string]string, 4)
	for name := range header {
		upper := strings.ToUpper(name)
		if !strings.HasPrefix(upper, "X-MCASH-") {
			continue
		}
		keys = append(keys, upper)
		values[upper] = header.Get(name)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+values[k])
	}
	return strings.ToUpper(method) + "|" + url + "|" + strings.Join(parts, "&")
}

// ContentDigest computes the X-Mcash-Content header value for a body.
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// RequestURL reconstructs the absolute URL the provider signed.
func RequestURL(r *http.Request, trustForwardedHost bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if trustForwardedHost {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// ParsePublicKey decodes a PEM encoded RSA public key.
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("mcash: no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if rsaKey, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("mcash: parse public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("mcash: public key is not RSA")
	}
	return rsaKey, nil
}

// ParsePrivateKey decodes a PEM encoded RSA private key.
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("mcash: no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("mcash: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("mcash: private key is not RSA")
	}
	return key, nil
}
