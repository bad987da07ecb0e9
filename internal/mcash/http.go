package mcash

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/klappmedia/mcash-gateway/internal/resilience"
)

// HTTPClient talks to the Merchant API over signed JSON/HTTPS. All calls run
// through the resilience wrapper for retries and circuit breaking.
type HTTPClient struct {
	BaseURL        string
	MerchantID     string
	MerchantUserID string
	SigningKey     *rsa.PrivateKey
	TestMode       bool
	TestbedToken   string
	HTTP           resilience.HTTPClient
	Logger         zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// Create opens a new payment request.
func (c *HTTPClient) Create(ctx context.Context, params CreateParams) (PaymentRequest, error) {
	var pr PaymentRequest
	if err := c.call(ctx, "create", http.MethodPost, "/payment_request/", params, &pr); err != nil {
		return PaymentRequest{}, err
	}
	return pr, nil
}

// Retrieve fetches the payment request record for a transaction id.
func (c *HTTPClient) Retrieve(ctx context.Context, tid string) (PaymentRequest, error) {
	var pr PaymentRequest
	if err := c.call(ctx, "retrieve", http.MethodGet, "/payment_request/"+tid+"/", nil, &pr); err != nil {
		return PaymentRequest{}, err
	}
	return pr, nil
}

// Outcome fetches the current outcome snapshot for a transaction id.
func (c *HTTPClient) Outcome(ctx context.Context, tid string) (Outcome, error) {
	var out Outcome
	if err := c.call(ctx, "outcome", http.MethodGet, "/payment_request/"+tid+"/outcome/", nil, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Capture converts an authorized payment into a settled one.
func (c *HTTPClient) Capture(ctx context.Context, tid string) error {
	return c.update(ctx, "capture", tid)
}

// Release voids an authorization without collecting funds.
func (c *HTTPClient) Release(ctx context.Context, tid string) error {
	return c.update(ctx, "release", tid)
}

// Reauthorize refreshes an authorization that is about to go stale.
func (c *HTTPClient) Reauthorize(ctx context.Context, tid string) error {
	return c.update(ctx, "reauth", tid)
}

// Refund returns captured funds to the customer.
func (c *HTTPClient) Refund(ctx context.Context, tid string, params RefundParams) error {
	return c.call(ctx, "refund", http.MethodPost, "/payment_request/"+tid+"/refund/", params, nil)
}

func (c *HTTPClient) update(ctx context.Context, action, tid string) error {
	payload := map[string]string{"action": action}
	return c.call(ctx, action, http.MethodPut, "/payment_request/"+tid+"/", payload, nil)
}

func (c *HTTPClient) call(ctx context.Context, op, method, path string, payload, result any) error {
	ctx, span := otel.Tracer("mcash.HTTPClient").Start(ctx, "mcash."+op)
	defer span.End()
	span.SetAttributes(attribute.String("mcash.op", op))

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = encoded
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if err := c.sign(req, url, body); err != nil {
		return &Error{Op: op, Err: err}
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.Logger.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("merchant api call failed")
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// sign attaches the identification and RSA signature headers. The signature is
// computed over the same canonical message the Verifier checks on inbound
// deliveries.
func (c *HTTPClient) sign(req *http.Request, url string, body []byte) error {
	req.Header.Set("Accept", "application/vnd.mcash.api.merchant.v1+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mcash-Merchant", c.MerchantID)
	req.Header.Set("X-Mcash-User", c.MerchantUserID)
	req.Header.Set("X-Mcash-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Mcash-Content", ContentDigest(body))
	if c.TestMode && c.TestbedToken != "" {
		req.Header.Set("X-Testbed-Token", c.TestbedToken)
	}
	if c.SigningKey == nil {
		return fmt.Errorf("signing key not configured")
	}
	hashed := sha256.Sum256([]byte(SignedMessage(req.Method, url, req.Header)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.SigningKey, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set("Authorization", authScheme+" "+base64.StdEncoding.EncodeToString(sig))
	return nil
}
