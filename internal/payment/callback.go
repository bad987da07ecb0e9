package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/common"
	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/obs"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

// CallbackStore is the slice of order persistence the callback handler needs.
type CallbackStore interface {
	Get(ctx context.Context, id string) (order.Order, error)
	UpdateStatus(ctx context.Context, id string, status order.Status, note string) error
	SetMeta(ctx context.Context, id, key, value string) error
	SetAddress(ctx context.Context, id string, addr order.Address) error
	AttachCustomer(ctx context.Context, id, customerID string) error
	ResolveCustomer(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, email, credentialHash string) (string, error)
}

// Capturer triggers an idempotent capture attempt.
type Capturer interface {
	Capture(ctx context.Context, o order.Order) bool
}

// Locker serialises concurrent deliveries for the same transaction.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// RetryPolicy bounds the address-completion wait: Attempts additional polls
// after the initial read, Interval apart. Sleep is injectable for tests.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
	Sleep    func(time.Duration)
}

func (p RetryPolicy) sleep() {
	if p.Sleep != nil {
		p.Sleep(p.Interval)
		return
	}
	time.Sleep(p.Interval)
}

// Callback processes asynchronous outcome deliveries from the provider and
// drives the order's payment state transitions.
type Callback struct {
	Store    CallbackStore
	Client   mcash.Client
	Verifier mcash.Verifier
	Capture  Capturer
	Locker   Locker
	LockTTL  time.Duration

	AutoCapture        bool
	AutoCaptureVirtual bool

	Poll RetryPolicy

	// HashCredential hashes the random credential generated for customers
	// auto-created from the provider's permission grant.
	HashCredential func(plain string) (string, error)

	Logger zerolog.Logger
}

type callbackPayload struct {
	Meta struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	} `json:"meta"`
}

// Handle is the callback HTTP endpoint. Responses: 204 processed, 400
// malformed, 401 bad signature, 500 address wait exhausted, 503 upstream
// failure (the provider retries on 5xx).
func (c *Callback) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		countCallback("read_error")
		common.JSONError(w, http.StatusBadRequest, "bad_request", "unreadable body", nil)
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Meta.ID == "" {
		countCallback("malformed")
		common.JSONError(w, http.StatusBadRequest, "bad_request", "missing event id", nil)
		return
	}

	// The transaction id is the third-from-last segment of the event's
	// reference path. Fragile, but it is what the provider sends and the
	// parse must match it exactly.
	parts := strings.Split(payload.Meta.URI, "/")
	if len(parts) < 3 {
		countCallback("malformed")
		common.JSONError(w, http.StatusBadRequest, "bad_request", "unparseable event uri", nil)
		return
	}
	tid := parts[len(parts)-3]

	if err := c.Verifier.VerifyRequest(r, body); err != nil {
		countCallback("unauthorized")
		c.Logger.Warn().Err(err).Str("tid", tid).Msg("callback signature rejected")
		common.JSONError(w, http.StatusUnauthorized, "unauthorized", "invalid signature", nil)
		return
	}

	status := http.StatusServiceUnavailable
	lockErr := c.Locker.WithLock(r.Context(), "mcash:cb:"+tid, c.LockTTL, func(ctx context.Context) error {
		status = c.process(ctx, tid)
		return nil
	})
	if lockErr != nil {
		countCallback("lock_error")
		c.Logger.Error().Err(lockErr).Str("tid", tid).Msg("callback lock failed")
		common.JSONError(w, http.StatusServiceUnavailable, "unavailable", "could not serialise delivery", nil)
		return
	}

	switch status {
	case http.StatusNoContent:
		countCallback("ok")
		w.WriteHeader(http.StatusNoContent)
	case http.StatusInternalServerError:
		countCallback("address_timeout")
		common.JSONError(w, status, "address_timeout", "shipping address never arrived", nil)
	default:
		countCallback("upstream_error")
		common.JSONError(w, status, "unavailable", "upstream failure, retry later", nil)
	}
}

// process runs steps 4-7 of the callback flow under the per-transaction lock
// and returns the HTTP status to answer with. Mutations committed before a
// failure are not rolled back; the store offers no multi-field transactions
// and the provider redelivers on 5xx.
func (c *Callback) process(ctx context.Context, tid string) int {
	if _, err := c.Client.Retrieve(ctx, tid); err != nil {
		c.Logger.Error().Err(err).Str("tid", tid).Msg("payment request lookup failed")
		return http.StatusServiceUnavailable
	}
	out, err := c.Client.Outcome(ctx, tid)
	if err != nil {
		c.Logger.Error().Err(err).Str("tid", tid).Msg("outcome fetch failed")
		return http.StatusServiceUnavailable
	}

	o, err := c.Store.Get(ctx, out.PosTID)
	if err != nil {
		c.Logger.Error().Err(err).Str("tid", tid).Str("pos_tid", out.PosTID).Msg("order lookup failed")
		return http.StatusServiceUnavailable
	}

	if err := c.Store.SetMeta(ctx, o.ID, order.MetaPaymentStatus, string(out.Status)); err != nil {
		c.Logger.Error().Err(err).Str("order_id", o.ID).Msg("persist payment status failed")
		return http.StatusServiceUnavailable
	}

	if t := o.TransactionType(); t == order.TransactionTypeDirect || t == order.TransactionTypeExpress {
		final, ok := c.awaitAddress(ctx, tid, out)
		if !ok {
			return http.StatusInternalServerError
		}
		if err := c.commitAddress(ctx, o.ID, final); err != nil {
			c.Logger.Error().Err(err).Str("order_id", o.ID).Msg("address commit failed")
			return http.StatusServiceUnavailable
		}
		out = final
	}

	switch out.Status {
	case mcash.StatusAuth:
		if err := c.Store.UpdateStatus(ctx, o.ID, order.StatusProcessing, "mCASH payment authorized"); err != nil {
			c.Logger.Error().Err(err).Str("order_id", o.ID).Msg("status transition failed")
			return http.StatusServiceUnavailable
		}
		if c.AutoCapture || (c.AutoCaptureVirtual && o.AllVirtual()) {
			fresh, err := c.Store.Get(ctx, o.ID)
			if err != nil {
				c.Logger.Error().Err(err).Str("order_id", o.ID).Msg("order refresh before capture failed")
				return http.StatusServiceUnavailable
			}
			c.Capture.Capture(ctx, fresh)
		}
	case mcash.StatusFail:
		if err := c.Store.UpdateStatus(ctx, o.ID, order.StatusCancelled, "mCASH payment failed"); err != nil {
			c.Logger.Error().Err(err).Str("order_id", o.ID).Msg("status transition failed")
			return http.StatusServiceUnavailable
		}
	}

	return http.StatusNoContent
}

// awaitAddress runs the address-completion sub-protocol: the initial outcome
// plus up to Attempts additional polls, stopping the moment the address
// appears. Returns false when the bound is exhausted; the caller answers 500
// and commits nothing, so the provider retries the whole delivery.
func (c *Callback) awaitAddress(ctx context.Context, tid string, out mcash.Outcome) (mcash.Outcome, bool) {
	polls := 1
	if out.HasShippingAddress() {
		observePolls(polls)
		return out, true
	}
	for i := 0; i < c.Poll.Attempts; i++ {
		c.Poll.sleep()
		refreshed, err := c.Client.Outcome(ctx, tid)
		polls++
		if err != nil {
			c.Logger.Warn().Err(err).Str("tid", tid).Int("poll", polls).Msg("outcome poll failed")
			continue
		}
		out = refreshed
		if out.HasShippingAddress() {
			observePolls(polls)
			return out, true
		}
	}
	observePolls(polls)
	c.Logger.Warn().Str("tid", tid).Int("polls", polls).Msg("shipping address never arrived")
	return out, false
}

// commitAddress writes the granted shipping address onto the order and
// attaches a customer identity resolved (or created) by email.
func (c *Callback) commitAddress(ctx context.Context, orderID string, out mcash.Outcome) error {
	ui := out.Permissions.UserInfo
	addr := ui.ShippingAddress

	// Last whitespace-delimited token is the surname, the remainder the
	// given name. Single-token names become surname only.
	first, last := splitName(addr.Name)

	if err := c.Store.SetAddress(ctx, orderID, order.Address{
		FirstName: first,
		LastName:  last,
		Address1:  addr.StreetAddress,
		City:      addr.Locality,
		Postcode:  addr.PostalCode,
		Country:   addr.Country,
		Email:     ui.Email,
		Phone:     ui.PhoneNumber,
	}); err != nil {
		return err
	}

	email := strings.TrimSpace(ui.Email)
	if email == "" {
		return nil
	}
	customerID, err := c.Store.ResolveCustomer(ctx, email)
	if err != nil {
		if err != order.ErrNoCustomer {
			return err
		}
		hash, hashErr := c.HashCredential(uuid.NewString())
		if hashErr != nil {
			return hashErr
		}
		customerID, err = c.Store.CreateCustomer(ctx, email, hash)
		if err != nil {
			return err
		}
	}
	return c.Store.AttachCustomer(ctx, orderID, customerID)
}

func splitName(name string) (first, last string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	last = fields[len(fields)-1]
	first = strings.Join(fields[:len(fields)-1], " ")
	return first, last
}

func countCallback(result string) {
	if obs.CallbackTotal != nil {
		obs.CallbackTotal.WithLabelValues(result).Inc()
	}
}

func observePolls(n int) {
	if obs.AddressPollAttempts != nil {
		obs.AddressPollAttempts.Observe(float64(n))
	}
}
