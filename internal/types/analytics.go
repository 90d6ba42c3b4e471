package types

import "time"

// DateLayout is the ISO calendar-date layout used in payloads and the API.
const DateLayout = "2006-01-02"

// Tracked KPI event names, in snapshot column order.
var KPITrackedEvents = []string{
	EventQuoteSent,
	EventQuoteAccepted,
	EventOrderCreated,
	EventOrderDelivered,
}

// KPIDailySnapshot is one row of pre-aggregated analytics per UTC day. Date is
// unique; re-aggregating a day overwrites the row.
type KPIDailySnapshot struct {
	Date                time.Time `json:"date"`
	QuotesSent          int       `json:"quotes_sent"`
	QuotesAccepted      int       `json:"quotes_accepted"`
	QuoteConversionRate float64   `json:"quote_conversion_rate"`
	OrdersCreated       int       `json:"orders_created"`
	OrdersDelivered     int       `json:"orders_delivered"`
	AvgOrderCycleDays   float64   `json:"avg_order_cycle_days"`
	InventoryNetChange  float64   `json:"inventory_net_change"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AnalyticsSummary is the cached rollup served at analytics:summary.
type AnalyticsSummary struct {
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	Days                int       `json:"days"`
	QuotesSent          int       `json:"quotes_sent"`
	QuotesAccepted      int       `json:"quotes_accepted"`
	QuoteConversionRate float64   `json:"quote_conversion_rate"`
	OrdersCreated       int       `json:"orders_created"`
	OrdersDelivered     int       `json:"orders_delivered"`
	AvgOrderCycleDays   float64   `json:"avg_order_cycle_days"`
	InventoryNetChange  float64   `json:"inventory_net_change"`
	ComputedAt          time.Time `json:"computed_at"`
}

// Cache keys and tags shared between writers and invalidators.
const (
	CacheKeyAnalyticsSummary   = "analytics:summary"
	CacheKeyMaterialCategories = "materials:categories"
	CacheKeyMaterialsLowStock  = "materials:lowStock"

	CacheTagAnalytics = "analytics"
	CacheTagMaterials = "materials"
)
