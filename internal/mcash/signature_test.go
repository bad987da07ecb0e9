package mcash_test

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klappmedia/mcash-gateway/internal/mcash"
)

func pemEncodePrivate(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func pemEncodePublic(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{"meta":{"id":"evt1"}}`)
	req := httptest.NewRequest("POST", "http://merchant.example/api/v1/callback/mcash", bytes.NewReader(body))
	req.Header.Set("X-Mcash-Merchant", "m123")
	req.Header.Set("X-Mcash-Timestamp", "1700000000")
	req.Header.Set("X-Mcash-Content", mcash.ContentDigest(body))

	url := mcash.RequestURL(req, false)
	hashed := sha256.Sum256([]byte(mcash.SignedMessage("POST", url, req.Header)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)
	req.Header.Set("Authorization", "RSA-SHA256 "+base64.StdEncoding.EncodeToString(sig))

	v := mcash.Verifier{PublicKey: &key.PublicKey}
	require.NoError(t, v.VerifyRequest(req, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{"amount":"100.00"}`)
	req := httptest.NewRequest("POST", "http://merchant.example/cb", bytes.NewReader(body))
	req.Header.Set("X-Mcash-Content", mcash.ContentDigest(body))

	url := mcash.RequestURL(req, false)
	hashed := sha256.Sum256([]byte(mcash.SignedMessage("POST", url, req.Header)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)
	req.Header.Set("Authorization", "RSA-SHA256 "+base64.StdEncoding.EncodeToString(sig))

	v := mcash.Verifier{PublicKey: &key.PublicKey}
	tampered := []byte(`{"amount":"999.00"}`)
	require.ErrorIs(t, v.VerifyRequest(req, tampered), mcash.ErrInvalidSignature)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signing, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "http://merchant.example/cb", bytes.NewReader(body))
	url := mcash.RequestURL(req, false)
	hashed := sha256.Sum256([]byte(mcash.SignedMessage("POST", url, req.Header)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, signing, crypto.SHA256, hashed[:])
	require.NoError(t, err)
	req.Header.Set("Authorization", "RSA-SHA256 "+base64.StdEncoding.EncodeToString(sig))

	v := mcash.Verifier{PublicKey: &other.PublicKey}
	require.ErrorIs(t, v.VerifyRequest(req, body), mcash.ErrInvalidSignature)
}

func TestVerifyMissingHeaderWeakMode(t *testing.T) {
	req := httptest.NewRequest("POST", "http://merchant.example/cb", nil)
	v := mcash.Verifier{}
	require.NoError(t, v.VerifyRequest(req, []byte(`{}`)))
}

func TestVerifyMissingHeaderStrictMode(t *testing.T) {
	req := httptest.NewRequest("POST", "http://merchant.example/cb", nil)
	v := mcash.Verifier{Strict: true}
	require.ErrorIs(t, v.VerifyRequest(req, []byte(`{}`)), mcash.ErrMissingSignature)
}

func TestRequestURLForwardedHost(t *testing.T) {
	req := httptest.NewRequest("POST", "http://internal:8080/cb?x=1", nil)
	req.Header.Set("X-Forwarded-Host", "shop.example.com")
	req.Header.Set("X-Forwarded-Proto", "https")

	require.Equal(t, "https://internal:8080/cb?x=1", mcash.RequestURL(req, false))
	require.Equal(t, "https://shop.example.com/cb?x=1", mcash.RequestURL(req, true))
}

func TestSignedMessageCanonicalForm(t *testing.T) {
	req := httptest.NewRequest("PUT", "http://api.example/payment_request/t1/", nil)
	req.Header.Set("X-Mcash-User", "u1")
	req.Header.Set("X-Mcash-Merchant", "m1")
	req.Header.Set("Content-Type", "application/json")

	msg := mcash.SignedMessage("PUT", "https://api.example/payment_request/t1/", req.Header)
	require.Equal(t,
		"PUT|https://api.example/payment_request/t1/|X-MCASH-MERCHANT=m1&X-MCASH-USER=u1",
		msg)
}

func TestParseKeysRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pemEncodePrivate(t, key)
	parsed, err := mcash.ParsePrivateKey(privPEM)
	require.NoError(t, err)
	require.Equal(t, key.D, parsed.D)

	pubPEM := pemEncodePublic(t, &key.PublicKey)
	pub, err := mcash.ParsePublicKey(pubPEM)
	require.NoError(t, err)
	require.Equal(t, key.PublicKey.N, pub.N)
}
