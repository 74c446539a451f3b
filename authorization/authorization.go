// Package authorization records payment authorizations for checkout orders.
//
// Authorization is simulated: every valid request is approved with a
// placeholder token and one row is appended to the store.
package authorization

import (
	"context"
	"fmt"
	"time"
)

const (
	// StatusAuthorized is the only status produced by the simulated recorder.
	StatusAuthorized = "AUTHORIZED"

	// PlaceholderToken stands in for the token a payment gateway would return.
	PlaceholderToken = "fakeToken123"

	// RecentLimit is how many rows the diagnostic listing returns.
	RecentLimit = 20
)

// Record is one persisted authorization row.
type Record struct {
	ID                      int64      `db:"id" json:"id"`
	OrderID                 string     `db:"order_id" json:"order_id"`
	TransactionDatetime     time.Time  `db:"transaction_datetime" json:"transaction_datetime"`
	AuthorizationAmount     float64    `db:"authorization_amount" json:"authorization_amount"`
	AuthorizationExpiration *time.Time `db:"authorization_expiration" json:"authorization_expiration"`
	AuthorizationToken      string     `db:"authorization_token" json:"authorization_token"`
	PaymentStatus           string     `db:"payment_status" json:"payment_status"`
}

// Result is what the checkout flow gets back from an authorization.
type Result struct {
	OrderID             string
	PaymentStatus       string
	AuthorizationAmount float64
	AuthorizationToken  string
}

// Store persists authorization records. Insert is append-only.
type Store interface {
	Insert(ctx context.Context, r Record) (Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Recorder authorizes an order amount.
// Implementations backed by a real gateway can replace SimulatedRecorder
// without changes to the HTTP layer.
type Recorder interface {
	Authorize(ctx context.Context, orderID string, amount float64) (Result, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// ValidationError reports an unusable authorization request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// MsgRequired is the message for a request without orderId or amount.
const MsgRequired = "orderId and amount are required"

// Validate checks the request fields.
// A zero amount counts as missing.
func Validate(orderID string, amount float64) error {
	if orderID == "" || amount == 0 {
		return &ValidationError{Message: MsgRequired}
	}
	if amount < 0 {
		return &ValidationError{Message: "amount must be positive"}
	}
	return nil
}

// SimulatedRecorder approves every valid request.
type SimulatedRecorder struct {
	store Store
	now   func() time.Time
}

// NewSimulatedRecorder creates a recorder writing into store.
// If now is nil, time.Now is used.
func NewSimulatedRecorder(store Store, now func() time.Time) *SimulatedRecorder {
	if now == nil {
		now = time.Now
	}
	return &SimulatedRecorder{store: store, now: now}
}

// Authorize validates the request and appends exactly one record.
func (s *SimulatedRecorder) Authorize(ctx context.Context, orderID string, amount float64) (Result, error) {
	if err := Validate(orderID, amount); err != nil {
		return Result{}, err
	}

	rec := Record{
		OrderID:                 orderID,
		TransactionDatetime:     s.now(),
		AuthorizationAmount:     amount,
		AuthorizationExpiration: nil,
		AuthorizationToken:      orderID + "_" + PlaceholderToken,
		PaymentStatus:           StatusAuthorized,
	}

	if _, err := s.store.Insert(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("insert authorization for order %s: %w", orderID, err)
	}

	return Result{
		OrderID:             rec.OrderID,
		PaymentStatus:       rec.PaymentStatus,
		AuthorizationAmount: rec.AuthorizationAmount,
		AuthorizationToken:  rec.AuthorizationToken,
	}, nil
}

// Recent returns the newest records first.
func (s *SimulatedRecorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.store.Recent(ctx, limit)
}
