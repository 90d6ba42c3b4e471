package types

import (
	"encoding/json"
	"time"
)

// Event names published by route handlers and by this pipeline.
const (
	EventQuoteSent                    = "quote.sent"
	EventQuoteAccepted                = "quote.accepted"
	EventOrderCreated                 = "order.created"
	EventOrderDelivered               = "order.delivered"
	EventInventoryTransactionRecorded = "inventory.transaction.recorded"
	EventMaterialStockChanged         = "material.stock.changed"
	EventExportCompleted              = "export.completed"
	EventExportFailed                 = "export.failed"
)

// DefaultEventVersion is stamped on events published without a version.
const DefaultEventVersion = "1"

// DomainEvent is a named, timestamped fact. It is immutable once published;
// listeners receive a copy and must not mutate Payload.
type DomainEvent struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// EventLogRecord is the durable projection of a DomainEvent in the event
// ledger. Records are append-only.
type EventLogRecord struct {
	ID int64 `json:"id"`
	DomainEvent
	RecordedAt time.Time `json:"recorded_at"`
}

// InventoryTransactionPayload is the payload of inventory.transaction.recorded.
type InventoryTransactionPayload struct {
	MaterialID int64   `json:"materialId"`
	Direction  string  `json:"direction"` // "in" or "out"
	Quantity   float64 `json:"quantity"`
	Reference  string  `json:"reference,omitempty"`
}

// Inventory transaction directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// SignedQuantity returns +Quantity for inbound and -Quantity for outbound
// transactions. Unknown directions contribute zero.
func (p InventoryTransactionPayload) SignedQuantity() float64 {
	switch p.Direction {
	case DirectionIn:
		return p.Quantity
	case DirectionOut:
		return -p.Quantity
	default:
		return 0
	}
}

// MaterialStockChangedPayload is the payload of material.stock.changed.
type MaterialStockChangedPayload struct {
	MaterialID int64   `json:"materialId"`
	Delta      float64 `json:"delta"`
}

// OrderDeliveredPayload is the subset of the order.delivered payload used for
// cycle-time analytics.
type OrderDeliveredPayload struct {
	OrderID     string    `json:"orderId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	DeliveredAt time.Time `json:"deliveredAt"`
}
