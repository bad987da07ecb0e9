package order

import (
	"context"
	"errors"
	"strings"
)

// Status mirrors the host platform's order lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Metadata keys persisted per order. These names are part of the contract
// with the host order platform and must not change.
const (
	MetaPaymentMethod      = "payment_method"
	MetaPaymentMethodTitle = "payment_method_title"
	MetaTransactionID      = "mcash_tid"
	MetaTransactionType    = "mcash_transaction_type"
	MetaPaymentStatus      = "payment_status"
	MetaCaptureRef         = "transaction_id"
	MetaPaidDate           = "paid_date"
	MetaRefundID           = "refund_id"
)

// Transaction types for the checkout flows that need mid-flow address
// collection.
const (
	TransactionTypeNone    = "none"
	TransactionTypeDirect  = "direct"
	TransactionTypeExpress = "express"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order: not found")
	// ErrNoCustomer is returned when no customer matches an email.
	ErrNoCustomer = errors.New("order: no customer for email")
)

// Item is a single order line. ProductID is empty for synthetic lines such as
// the shipping charge; stock reduction only touches lines that carry one.
type Item struct {
	ProductID string
	Name      string
	Qty       int
	Subtotal  string
	Virtual   bool
}

// Address holds a billing or shipping address.
type Address struct {
	FirstName string
	LastName  string
	Company   string
	Address1  string
	Address2  string
	City      string
	State     string
	Postcode  string
	Country   string
	Email     string
	Phone     string
}

// Order is the gateway's read model of a host-platform order. Payment fields
// live in Meta; they are created empty, populated at payment-request
// creation, advanced by the callback and orchestrator, and never deleted.
type Order struct {
	ID         string
	Status     Status
	Total      string
	Currency   string
	CustomerID string
	CartRef    string
	Items      []Item
	Meta       map[string]string
}

// MetaValue returns the metadata value for key, or "".
func (o Order) MetaValue(key string) string {
	if o.Meta == nil {
		return ""
	}
	return o.Meta[key]
}

// AllVirtual reports whether every line item is a virtual/downloadable
// product.
func (o Order) AllVirtual() bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, it := range o.Items {
		if !it.Virtual {
			return false
		}
	}
	return true
}

// TransactionType returns the recorded checkout flow for the order.
func (o Order) TransactionType() string {
	if t := strings.TrimSpace(o.MetaValue(MetaTransactionType)); t != "" {
		return t
	}
	return TransactionTypeNone
}

// Product is the catalog view of a purchasable item.
type Product struct {
	ID      string
	Name    string
	Price   float64
	Virtual bool
}

// NewOrder describes an order to create for a direct or express purchase.
type NewOrder struct {
	Status   Status
	Currency string
	Total    string
	CartRef  string
	Items    []Item
	Meta     map[string]string
	Note     string
}

// Store is the order persistence contract. The backing platform guarantees
// atomic single-field updates but no multi-field transactions; callers must
// tolerate partial writes.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	Create(ctx context.Context, in NewOrder) (Order, error)
	UpdateStatus(ctx context.Context, id string, status Status, note string) error
	AddItem(ctx context.Context, id string, it Item) error
	SetTotal(ctx context.Context, id, total string) error
	SetMeta(ctx context.Context, id, key, value string) error
	AddNote(ctx context.Context, id, note string) error
	SetAddress(ctx context.Context, id string, addr Address) error
	AttachCustomer(ctx context.Context, id, customerID string) error
	ReduceStock(ctx context.Context, id string) error
	ClearCart(ctx context.Context, cartRef string) error
	PaymentComplete(ctx context.Context, id, tid string) error
	ListAuthorized(ctx context.Context, gatewayID string) ([]Order, error)
	ResolveCustomer(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, email, credentialHash string) (string, error)
	CreateFromCart(ctx context.Context, cartRef, currency string, meta map[string]string) (Order, error)
}
