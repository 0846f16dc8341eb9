// Package events holds the payload contracts shared by producers and
// consumers of the events topic.
package events

const (
	TypeOrderCreated   = "order.created"
	TypeOrderCancelled = "order.cancelled"

	// OrderSchemaVersion covers both order events. Bump the major only for
	// changes old consumers cannot read.
	OrderSchemaVersion = "1.0.0"
)

type OrderCreated struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type OrderCancelled struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}
