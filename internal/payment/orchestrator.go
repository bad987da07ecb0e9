package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/obs"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

const paidDateLayout = "2006-01-02 15:04:05"

var (
	// ErrWrongPaymentMethod is returned when an order was not paid through
	// this gateway.
	ErrWrongPaymentMethod = errors.New("payment: order does not belong to this gateway")
	// ErrNotCaptured is returned when a refund is attempted before capture.
	ErrNotCaptured = errors.New("payment: cannot refund an uncaptured payment")
	// ErrRefundRejected wraps a provider-side refund failure.
	ErrRefundRejected = errors.New("payment: refund rejected by provider")
)

// Store is the slice of order persistence the orchestrator mutates.
type Store interface {
	Get(ctx context.Context, id string) (order.Order, error)
	UpdateStatus(ctx context.Context, id string, status order.Status, note string) error
	SetMeta(ctx context.Context, id, key, value string) error
	AddNote(ctx context.Context, id, note string) error
	PaymentComplete(ctx context.Context, id, tid string) error
}

// Orchestrator wraps the provider's capture, release and refund calls in
// idempotent guards. Mutating operations never propagate provider faults past
// this boundary: they return a result and always leave an audit note on the
// order so operators can diagnose without log access.
type Orchestrator struct {
	Store     Store
	Client    mcash.Client
	GatewayID string
	CaptureOn order.Status
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Capture settles an authorized payment. It is a no-op returning false unless
// the order belongs to this gateway, has no capture reference yet, and is not
// already captured. Safe to invoke repeatedly.
func (x *Orchestrator) Capture(ctx context.Context, o order.Order) bool {
	if o.MetaValue(order.MetaPaymentMethod) != x.GatewayID {
		return false
	}
	if o.MetaValue(order.MetaCaptureRef) != "" {
		return false
	}
	if o.MetaValue(order.MetaPaymentStatus) == string(mcash.StatusOK) {
		return false
	}
	tid := o.MetaValue(order.MetaTransactionID)
	if tid == "" {
		x.note(ctx, o.ID, "mCASH capture skipped: order has no transaction id")
		return false
	}

	if err := x.Client.Capture(ctx, tid); err != nil {
		x.note(ctx, o.ID, "mCASH capture failed: "+err.Error())
		countOp("capture", "error")
		return false
	}

	if err := x.Store.PaymentComplete(ctx, o.ID, tid); err != nil {
		x.Logger.Error().Err(err).Str("order_id", o.ID).Msg("persist capture reference failed")
	}
	x.refreshStatus(ctx, o.ID, tid)
	x.note(ctx, o.ID, "mCASH payment captured (transaction id: "+tid+")")
	countOp("capture", "ok")
	return true
}

// Release voids an authorization without collecting funds. Only the payment
// method guard applies. On success the capture-reference and paid-date fields
// are written as an audit trail; downstream reporting reads the same fields
// for both captured and released orders, so the dual use is intentional.
func (x *Orchestrator) Release(ctx context.Context, o order.Order) bool {
	if o.MetaValue(order.MetaPaymentMethod) != x.GatewayID {
		return false
	}
	tid := o.MetaValue(order.MetaTransactionID)
	if tid == "" {
		x.note(ctx, o.ID, "mCASH release skipped: order has no transaction id")
		return false
	}

	if err := x.Client.Release(ctx, tid); err != nil {
		x.note(ctx, o.ID, "mCASH release failed: "+err.Error())
		countOp("release", "error")
		return false
	}

	if err := x.Store.SetMeta(ctx, o.ID, order.MetaCaptureRef, tid); err != nil {
		x.Logger.Error().Err(err).Str("order_id", o.ID).Msg("persist release reference failed")
	}
	if err := x.Store.SetMeta(ctx, o.ID, order.MetaPaidDate, x.now().Format(paidDateLayout)); err != nil {
		x.Logger.Error().Err(err).Str("order_id", o.ID).Msg("persist release date failed")
	}
	x.note(ctx, o.ID, "mCASH authorization released (transaction id: "+tid+")")
	countOp("release", "ok")
	return true
}

// Refund returns captured funds. Preconditions: the order was paid through
// this gateway and carries a capture reference. The amount may arrive with a
// comma decimal separator and is normalized before hitting the provider.
// Refund ids are strictly increasing per order, starting at 1, and are only
// persisted after the provider accepts the refund.
func (x *Orchestrator) Refund(ctx context.Context, o order.Order, amount, reason string) error {
	if o.MetaValue(order.MetaPaymentMethod) != x.GatewayID {
		return ErrWrongPaymentMethod
	}
	if o.MetaValue(order.MetaCaptureRef) == "" {
		x.note(ctx, o.ID, "mCASH refund refused: payment has not been captured")
		return ErrNotCaptured
	}
	tid := o.MetaValue(order.MetaTransactionID)
	amount = strings.ReplaceAll(strings.TrimSpace(amount), ",", ".")

	prev, _ := strconv.Atoi(o.MetaValue(order.MetaRefundID))
	refundID := prev + 1

	err := x.Client.Refund(ctx, tid, mcash.RefundParams{
		Amount:           amount,
		RefundID:         strconv.Itoa(refundID),
		AdditionalAmount: "0",
		Currency:         o.Currency,
		Text:             reason,
	})
	if err != nil {
		x.note(ctx, o.ID, fmt.Sprintf("mCASH refund of %s failed: %v", amount, err))
		countOp("refund", "error")
		return fmt.Errorf("%w: %v", ErrRefundRejected, err)
	}

	if err := x.Store.SetMeta(ctx, o.ID, order.MetaRefundID, strconv.Itoa(refundID)); err != nil {
		x.Logger.Error().Err(err).Str("order_id", o.ID).Msg("persist refund counter failed")
	}
	x.note(ctx, o.ID, fmt.Sprintf("mCASH refund of %s processed (refund id: %d)", amount, refundID))
	countOp("refund", "ok")
	return nil
}

// Reauthorize refreshes a stale authorization. Used by the daily sweep.
func (x *Orchestrator) Reauthorize(ctx context.Context, o order.Order) error {
	if o.MetaValue(order.MetaPaymentMethod) != x.GatewayID {
		return ErrWrongPaymentMethod
	}
	tid := o.MetaValue(order.MetaTransactionID)
	if tid == "" {
		return fmt.Errorf("payment: order %s has no transaction id", o.ID)
	}
	if _, err := x.Client.Retrieve(ctx, tid); err != nil {
		countOp("reauthorize", "error")
		return err
	}
	if err := x.Client.Reauthorize(ctx, tid); err != nil {
		countOp("reauthorize", "error")
		return err
	}
	countOp("reauthorize", "ok")
	return nil
}

// HandleStatusChange applies the capture policy when the host moves an order
// between statuses: release on cancellation, capture when the configured
// capture status is reached.
func (x *Orchestrator) HandleStatusChange(ctx context.Context, o order.Order, to order.Status) {
	switch {
	case to == order.StatusCancelled:
		x.Release(ctx, o)
	case to == x.CaptureOn:
		x.Capture(ctx, o)
	}
}

// refreshStatus pulls the post-capture status from the provider rather than
// assuming it, keeping payment_status a projection of provider truth.
func (x *Orchestrator) refreshStatus(ctx context.Context, orderID, tid string) {
	status := string(mcash.StatusOK)
	if out, err := x.Client.Outcome(ctx, tid); err == nil && out.Status != "" {
		status = string(out.Status)
	}
	if err := x.Store.SetMeta(ctx, orderID, order.MetaPaymentStatus, status); err != nil {
		x.Logger.Error().Err(err).Str("order_id", orderID).Msg("persist payment status failed")
	}
}

func (x *Orchestrator) note(ctx context.Context, orderID, note string) {
	if err := x.Store.AddNote(ctx, orderID, note); err != nil {
		x.Logger.Error().Err(err).Str("order_id", orderID).Msg("order note failed")
	}
}

func (x *Orchestrator) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now().UTC()
}

func countOp(op, result string) {
	if obs.PaymentOpsTotal != nil {
		obs.PaymentOpsTotal.WithLabelValues(op, result).Inc()
	}
}
