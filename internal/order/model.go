package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceWeb       Source = "web"
	SourcePhone     Source = "phone"
	SourceMessaging Source = "messaging"
	SourceWalkIn    Source = "walk_in"
)

func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourcePhone, SourceMessaging, SourceWalkIn:
		return true
	}
	return false
}

// CodePrefix is the human-facing prefix of display codes for orders from this source.
func (s Source) CodePrefix() string {
	switch s {
	case SourcePhone:
		return "PH"
	case SourceMessaging:
		return "WA"
	case SourceWalkIn:
		return "WI"
	default:
		return "WEB"
	}
}

type OrderType string

const (
	TypePickup   OrderType = "pickup"
	TypeDineIn   OrderType = "dine_in"
	TypeDelivery OrderType = "delivery"
)

func (t OrderType) Valid() bool {
	switch t {
	case TypePickup, TypeDineIn, TypeDelivery:
		return true
	}
	return false
}

type LineItem struct {
	CatalogItemID string          `json:"catalog_item_id"`
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Quantity      int             `json:"quantity"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

// Order is immutable after creation except for Status and UpdatedAt.
type Order struct {
	ID              string
	DisplayCode     string
	RestaurantID    string
	CustomerName    string
	ContactHandle   string
	Source          Source
	OrderType       OrderType
	DeliveryAddress string
	Items           []LineItem
	Subtotal        decimal.Decimal
	TaxAmount       decimal.Decimal
	ServiceCharge   decimal.Decimal
	Total           decimal.Decimal
	Notes           string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StatusEvent is one entry of the append-only transition log. Creation is
// recorded with an empty FromStatus.
type StatusEvent struct {
	Sequence     int64     `json:"sequence"`
	RestaurantID string    `json:"restaurant_id"`
	OrderID      string    `json:"order_id"`
	FromStatus   Status    `json:"from_status"`
	ToStatus     Status    `json:"to_status"`
	Actor        string    `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e StatusEvent) IsCreation() bool {
	return e.FromStatus == ""
}

type Filter struct {
	RestaurantID string
	Statuses     []Status
	Source       Source
	Since        *time.Time
	Limit        int
}

type TransitionRequest struct {
	OrderID  string
	Expected *Status
	Target   Status
	Actor    string
}

// Stats is the simple per-restaurant aggregation served to the dashboard.
type Stats struct {
	RestaurantID     string          `json:"restaurant_id"`
	Since            *time.Time      `json:"since,omitempty"`
	Total            int             `json:"total"`
	ByStatus         map[Status]int  `json:"by_status"`
	BySource         map[Source]int  `json:"by_source"`
	CompletedRevenue decimal.Decimal `json:"completed_revenue"`
}

// View is the wire representation of an order used by the HTTP API and the
// display channel. Amounts are fixed to two decimals.
type View struct {
	ID              string     `json:"id"`
	DisplayCode     string     `json:"display_code"`
	RestaurantID    string     `json:"restaurant_id"`
	CustomerName    string     `json:"customer_name"`
	ContactHandle   string     `json:"contact_handle"`
	Source          Source     `json:"source"`
	OrderType       OrderType  `json:"order_type"`
	DeliveryAddress string     `json:"delivery_address,omitempty"`
	Items           []LineView `json:"items"`
	Subtotal        string     `json:"subtotal"`
	TaxAmount       string     `json:"tax_amount"`
	ServiceCharge   string     `json:"service_charge"`
	Total           string     `json:"total"`
	Notes           string     `json:"notes,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type LineView struct {
	CatalogItemID string `json:"catalog_item_id"`
	Name          string `json:"name"`
	UnitPrice     string `json:"unit_price"`
	Quantity      int    `json:"quantity"`
	LineTotal     string `json:"line_total"`
}

func (o *Order) View() View {
	items := make([]LineView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, LineView{
			CatalogItemID: it.CatalogItemID,
			Name:          it.Name,
			UnitPrice:     it.UnitPrice.StringFixed(2),
			Quantity:      it.Quantity,
			LineTotal:     it.LineTotal.StringFixed(2),
		})
	}

	return View{
		ID:              o.ID,
		DisplayCode:     o.DisplayCode,
		RestaurantID:    o.RestaurantID,
		CustomerName:    o.CustomerName,
		ContactHandle:   o.ContactHandle,
		Source:          o.Source,
		OrderType:       o.OrderType,
		DeliveryAddress: o.DeliveryAddress,
		Items:           items,
		Subtotal:        o.Subtotal.StringFixed(2),
		TaxAmount:       o.TaxAmount.StringFixed(2),
		ServiceCharge:   o.ServiceCharge.StringFixed(2),
		Total:           o.Total.StringFixed(2),
		Notes:           o.Notes,
		Status:          o.Status,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// Clone returns a deep copy so stores never hand out shared slices.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	return &c
}
