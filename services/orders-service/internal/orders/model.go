package orders

import (
	"errors"
	"time"
)

const (
	StatusCreated   = "created"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrAlreadyCancelled = errors.New("order already cancelled")
)

type Order struct {
	ID          string
	CustomerID  string
	AmountCents int64
	Currency    string
	Status      string
	// EventID is the id of the order.created event; cancellations cite it as their cause.
	EventID     string
	CreatedAt   time.Time
	CancelledAt *time.Time
}

type CreateOrder struct {
	CustomerID  string
	AmountCents int64
	Currency    string
}
