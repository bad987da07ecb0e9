package mcash

import "strings"

// Status is the payment request status as reported by the Merchant API. It is
// the authoritative source of truth; the order store caches a projection of it.
type Status string

const (
	// StatusPending means the user has not yet acted on the request.
	StatusPending Status = "pending"
	// StatusAuth means the user authorized the payment; funds are reserved
	// but not collected.
	StatusAuth Status = "auth"
	// StatusOK means the payment has been captured.
	StatusOK Status = "ok"
	// StatusFail means the user declined or the authorization failed.
	StatusFail Status = "fail"
)

// ShippingAddress is the address structure granted through the
// shipping_address permission scope.
type ShippingAddress struct {
	Name          string `json:"name"`
	StreetAddress string `json:"street_address"`
	Locality      string `json:"locality"`
	PostalCode    string `json:"postal_code"`
	Country       string `json:"country"`
}

// UserInfo carries the identity attributes granted by the user mid-flow.
// ShippingAddress is populated asynchronously by the provider after user
// action; its absence is transient, not an error.
type UserInfo struct {
	Email           string           `json:"email"`
	PhoneNumber     string           `json:"phone_number"`
	ShippingAddress *ShippingAddress `json:"shipping_address"`
}

// Permissions groups scope grants attached to an outcome.
type Permissions struct {
	UserInfo *UserInfo `json:"user_info"`
}

// Outcome is the current state snapshot of a payment request.
type Outcome struct {
	Status      Status      `json:"status"`
	PosTID      string      `json:"pos_tid"`
	Amount      string      `json:"amount"`
	Currency    string      `json:"currency"`
	Permissions Permissions `json:"permissions"`
}

// HasShippingAddress reports whether the shipping_address permission has been
// populated with a usable address.
func (o Outcome) HasShippingAddress() bool {
	ui := o.Permissions.UserInfo
	return ui != nil && ui.ShippingAddress != nil && strings.TrimSpace(ui.ShippingAddress.StreetAddress) != ""
}

// PaymentRequest is the provider-side record of an authorization attempt.
type PaymentRequest struct {
	ID     string `json:"id"`
	URI    string `json:"uri"`
	PosTID string `json:"pos_tid"`
}

// CreateParams describes a payment request creation call.
type CreateParams struct {
	SuccessReturnURI string `json:"success_return_uri"`
	FailureReturnURI string `json:"failure_return_uri"`
	AllowCredit      bool   `json:"allow_credit"`
	PosID            string `json:"pos_id"`
	PosTID           string `json:"pos_tid"`
	Action           string `json:"action"`
	Amount           string `json:"amount"`
	Text             string `json:"text"`
	Currency         string `json:"currency"`
	CallbackURI      string `json:"callback_uri"`
	RequiredScope    string `json:"required_scope,omitempty"`
}

// RefundParams describes a refund call. The API expects every numeric field as
// a string.
type RefundParams struct {
	Amount           string `json:"amount"`
	RefundID         string `json:"refund_id"`
	AdditionalAmount string `json:"additional_amount"`
	Currency         string `json:"currency"`
	Text             string `json:"text"`
}
