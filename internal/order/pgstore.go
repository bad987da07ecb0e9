package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed order store.
type PGStore struct {
	Pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// Get loads an order with its items and metadata.
func (s *PGStore) Get(ctx context.Context, id string) (Order, error) {
	var o Order
	row := s.Pool.QueryRow(ctx,
		`SELECT id, status, total, currency, COALESCE(customer_id::text, ''), COALESCE(cart_ref, '')
		 FROM orders WHERE id = $1`, id)
	if err := row.Scan(&o.ID, &o.Status, &o.Total, &o.Currency, &o.CustomerID, &o.CartRef); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	items, err := s.items(ctx, id)
	if err != nil {
		return Order{}, err
	}
	o.Items = items
	meta, err := s.meta(ctx, id)
	if err != nil {
		return Order{}, err
	}
	o.Meta = meta
	return o, nil
}

// Create inserts a new order with its items and initial metadata.
func (s *PGStore) Create(ctx context.Context, in NewOrder) (Order, error) {
	id := uuid.NewString()
	status := in.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO orders (id, status, total, currency, cart_ref) VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		id, status, in.Total, in.Currency, in.CartRef)
	if err != nil {
		return Order{}, err
	}
	for _, it := range in.Items {
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO order_items (id, order_id, product_id, name, qty, subtotal, virtual)
			 VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7)`,
			uuid.NewString(), id, it.ProductID, it.Name, it.Qty, it.Subtotal, it.Virtual); err != nil {
			return Order{}, err
		}
	}
	for key, value := range in.Meta {
		if err := s.SetMeta(ctx, id, key, value); err != nil {
			return Order{}, err
		}
	}
	if in.Note != "" {
		if err := s.AddNote(ctx, id, in.Note); err != nil {
			return Order{}, err
		}
	}
	return s.Get(ctx, id)
}

// UpdateStatus moves the order to a new status and records a status note.
func (s *PGStore) UpdateStatus(ctx context.Context, id string, status Status, note string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if note != "" {
		_, err = s.Pool.Exec(ctx,
			`INSERT INTO order_notes (id, order_id, note, kind) VALUES ($1, $2, $3, 'status')`,
			uuid.NewString(), id, note)
	}
	return err
}

// AddItem appends a line to an existing order. Used for the shipping line on
// express orders.
func (s *PGStore) AddItem(ctx context.Context, id string, it Item) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO order_items (id, order_id, product_id, name, qty, subtotal, virtual)
		 VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7)`,
		uuid.NewString(), id, it.ProductID, it.Name, it.Qty, it.Subtotal, it.Virtual)
	return err
}

// SetTotal overwrites the order total.
func (s *PGStore) SetTotal(ctx context.Context, id, total string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE orders SET total = $2, updated_at = now() WHERE id = $1`, id, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMeta upserts a single metadata field. Each call is an independent atomic
// write; there is deliberately no multi-key transaction.
func (s *PGStore) SetMeta(ctx context.Context, id, key, value string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO order_meta (order_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (order_id, key) DO UPDATE SET value = EXCLUDED.value`,
		id, key, value)
	return err
}

// AddNote appends an operator-visible audit note to the order.
func (s *PGStore) AddNote(ctx context.Context, id, note string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO order_notes (id, order_id, note, kind) VALUES ($1, $2, $3, 'order')`,
		uuid.NewString(), id, note)
	return err
}

// SetAddress writes the address as both billing and shipping. The dual write
// mirrors the host platform's behaviour for express/direct checkouts.
func (s *PGStore) SetAddress(ctx context.Context, id string, addr Address) error {
	encoded, err := json.Marshal(addr)
	if err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE orders SET billing_address = $2, shipping_address = $2, updated_at = now() WHERE id = $1`,
		id, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachCustomer links the order to a customer identity.
func (s *PGStore) AttachCustomer(ctx context.Context, id, customerID string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE orders SET customer_id = $2, updated_at = now() WHERE id = $1`, id, customerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReduceStock decrements product stock for every line on the order.
func (s *PGStore) ReduceStock(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE products p SET stock = GREATEST(p.stock - i.qty, 0)
		 FROM order_items i WHERE i.order_id = $1 AND i.product_id = p.id`, id)
	return err
}

// ClearCart removes all items from the referenced cart.
func (s *PGStore) ClearCart(ctx context.Context, cartRef string) error {
	if strings.TrimSpace(cartRef) == "" {
		return nil
	}
	_, err := s.Pool.Exec(ctx, `DELETE FROM cart_items WHERE cart_ref = $1`, cartRef)
	return err
}

// PaymentComplete records the paid date and capture reference after a
// successful capture.
func (s *PGStore) PaymentComplete(ctx context.Context, id, tid string) error {
	if err := s.SetMeta(ctx, id, MetaCaptureRef, tid); err != nil {
		return err
	}
	return s.SetMeta(ctx, id, MetaPaidDate, time.Now().UTC().Format("2006-01-02 15:04:05"))
}

// ListAuthorized returns all orders still sitting on an authorization for the
// given gateway. Input to the daily reauthorization sweep.
func (s *PGStore) ListAuthorized(ctx context.Context, gatewayID string) ([]Order, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT o.id FROM orders o
		 JOIN order_meta pm ON pm.order_id = o.id AND pm.key = $1 AND pm.value = $2
		 JOIN order_meta ps ON ps.order_id = o.id AND ps.key = $3 AND ps.value = 'auth'
		 ORDER BY o.created_at`,
		MetaPaymentMethod, gatewayID, MetaPaymentStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ResolveCustomer looks up a customer id by email.
func (s *PGStore) ResolveCustomer(ctx context.Context, email string) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx,
		`SELECT id FROM customers WHERE lower(email) = lower($1)`, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoCustomer
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateCustomer registers a customer identity. A concurrent insert for the
// same email resolves to the existing row instead of failing.
func (s *PGStore) CreateCustomer(ctx context.Context, email, credentialHash string) (string, error) {
	id := uuid.NewString()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO customers (id, email, credential) VALUES ($1, lower($2), $3)`,
		id, email, credentialHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.ResolveCustomer(ctx, email)
		}
		return "", err
	}
	return id, nil
}

// Product resolves a catalog product by id.
func (s *PGStore) Product(ctx context.Context, id string) (Product, error) {
	var p Product
	err := s.Pool.QueryRow(ctx,
		`SELECT id, name, price, virtual FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Virtual)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// CreateFromCart builds a pending order from the current items in a cart.
func (s *PGStore) CreateFromCart(ctx context.Context, cartRef, currency string, meta map[string]string) (Order, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT ci.product_id::text, ci.qty, p.name, p.price, p.virtual
		 FROM cart_items ci JOIN products p ON p.id = ci.product_id
		 WHERE ci.cart_ref = $1`, cartRef)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	var items []Item
	total := 0.0
	for rows.Next() {
		var qty int
		var productID, name, price string
		var virtual bool
		if err := rows.Scan(&productID, &qty, &name, &price, &virtual); err != nil {
			return Order{}, err
		}
		var unit float64
		if _, err := fmt.Sscanf(price, "%f", &unit); err != nil {
			return Order{}, fmt.Errorf("parse price %q: %w", price, err)
		}
		line := unit * float64(qty)
		total += line
		items = append(items, Item{
			ProductID: productID,
			Name:      name,
			Qty:       qty,
			Subtotal:  fmt.Sprintf("%.2f", line),
			Virtual:   virtual,
		})
	}
	if err := rows.Err(); err != nil {
		return Order{}, err
	}
	if len(items) == 0 {
		return Order{}, errors.New("order: cart is empty")
	}
	return s.Create(ctx, NewOrder{
		Status:   StatusPending,
		Total:    fmt.Sprintf("%.2f", total),
		CartRef:  cartRef,
		Items:    items,
		Meta:     meta,
		Currency: currency,
	})
}

func (s *PGStore) items(ctx context.Context, id string) ([]Item, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT COALESCE(product_id::text, ''), name, qty, subtotal, virtual
		 FROM order_items WHERE order_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Qty, &it.Subtotal, &it.Virtual); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PGStore) meta(ctx context.Context, id string) (map[string]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT key, value FROM order_meta WHERE order_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}
