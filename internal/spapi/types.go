package spapi

import "time"

// InventorySummary is one FBA inventory row as reported by the marketplace.
// Produced by the client, never mutated.
type InventorySummary struct {
	SKU               string    `json:"sellerSku"`
	ASIN              string    `json:"asin,omitempty"`
	FnSKU             string    `json:"fnSku,omitempty"`
	AvailableQuantity int       `json:"totalQuantity"`
	ReservedQuantity  int       `json:"reservedQuantity"`
	DamagedQuantity   int       `json:"damagedQuantity"`
	Condition         string    `json:"condition,omitempty"`
	MarketplaceID     string    `json:"marketplaceId,omitempty"`
	LastUpdatedTime   time.Time `json:"lastUpdatedTime,omitempty"`
}

// Order is one marketplace order header.
type Order struct {
	AmazonOrderID  string    `json:"AmazonOrderId"`
	OrderStatus    string    `json:"OrderStatus"`
	PurchaseDate   time.Time `json:"PurchaseDate"`
	LastUpdateDate time.Time `json:"LastUpdateDate"`
	OrderTotal     Money     `json:"OrderTotal"`
	MarketplaceID  string    `json:"MarketplaceId"`
}

// Money is the SP-API currency pair.
type Money struct {
	Amount       string `json:"Amount"`
	CurrencyCode string `json:"CurrencyCode"`
}

// FinancialEvent is a flattened financial event entry. Ingestion is
// best-effort; a 4xx from the finances endpoint yields an empty stream.
type FinancialEvent struct {
	EventType   string    `json:"eventType"`
	OrderID     string    `json:"orderId,omitempty"`
	SKU         string    `json:"sku,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	PostedDate  time.Time `json:"postedDate"`
	Description string    `json:"description,omitempty"`
}

// ReturnRecord is one customer return.
type ReturnRecord struct {
	OrderID      string    `json:"orderId"`
	SKU          string    `json:"sku"`
	Quantity     int       `json:"quantity"`
	Reason       string    `json:"reason,omitempty"`
	Disposition  string    `json:"disposition,omitempty"`
	ReturnedDate time.Time `json:"returnedDate"`
}

// Shipment is one inbound/outbound shipment summary.
type Shipment struct {
	ShipmentID   string    `json:"shipmentId"`
	Status       string    `json:"status"`
	DestinationID string   `json:"destinationFulfillmentCenterId,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Settlement is one settlement report row.
type Settlement struct {
	SettlementID string    `json:"settlementId"`
	OrderID      string    `json:"orderId,omitempty"`
	SKU          string    `json:"sku,omitempty"`
	Amount       float64   `json:"amount"`
	Currency     string    `json:"currency"`
	PostedDate   time.Time `json:"postedDate"`
}

// Removal is one removal-order row.
type Removal struct {
	OrderID       string    `json:"orderId"`
	SKU           string    `json:"sku"`
	RequestedQty  int       `json:"requestedQuantity"`
	ShippedQty    int       `json:"shippedQuantity"`
	DisposedQty   int       `json:"disposedQuantity"`
	Status        string    `json:"status"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// ReportDocumentRef points at a finished report document.
type ReportDocumentRef struct {
	ReportID   string `json:"reportId"`
	DocumentID string `json:"reportDocumentId"`
	URL        string `json:"url,omitempty"`
}

// Report processing states the poller acts on.
const (
	reportStatusCompleted = "COMPLETED"
	reportStatusFailed    = "FAILED"
	reportStatusCancelled = "CANCELLED"
)
