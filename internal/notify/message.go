package notify

import (
	"fmt"
	"strings"

	"github.com/vasiliy-maslov/kds-service/internal/order"
)

// Message renders the customer-facing text for an accepted change. An empty
// string means the change is not worth a message.
func Message(o order.Order, e order.StatusEvent) string {
	switch e.ToStatus {
	case order.StatusNew:
		return Receipt(o)
	case order.StatusConfirmed:
		return fmt.Sprintf("Order %s has been confirmed by the kitchen.", o.DisplayCode)
	case order.StatusPreparing:
		return fmt.Sprintf("Order %s is being prepared.", o.DisplayCode)
	case order.StatusReady:
		if o.OrderType == order.TypeDelivery {
			return fmt.Sprintf("Order %s is ready and waiting for a courier.", o.DisplayCode)
		}
		return fmt.Sprintf("Order %s is ready for pickup.", o.DisplayCode)
	case order.StatusOutForDelivery:
		return fmt.Sprintf("Order %s is on its way to %s.", o.DisplayCode, o.DeliveryAddress)
	case order.StatusCompleted:
		return fmt.Sprintf("Order %s is complete. Thank you, %s!", o.DisplayCode, o.CustomerName)
	case order.StatusCancelled:
		return fmt.Sprintf("Order %s has been cancelled. Please contact us if this is unexpected.", o.DisplayCode)
	}
	return ""
}

// Receipt lists the items and the server-computed total.
func Receipt(o order.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order confirmed!\n\nOrder# %s\n\nItems:\n", o.DisplayCode)
	for _, it := range o.Items {
		fmt.Fprintf(&b, "%s x%d\n", it.Name, it.Quantity)
	}
	if o.ServiceCharge.IsPositive() {
		fmt.Fprintf(&b, "\nService charge: %s", o.ServiceCharge.StringFixed(2))
	}
	if o.TaxAmount.IsPositive() {
		fmt.Fprintf(&b, "\nTax: %s", o.TaxAmount.StringFixed(2))
	}
	fmt.Fprintf(&b, "\nTotal: %s\nType: %s", o.Total.StringFixed(2), o.OrderType)
	return b.String()
}

// Card is the board mirror representation of an order.
type Card struct {
	OrderID      string       `json:"order_id"`
	DisplayCode  string       `json:"display_code"`
	RestaurantID string       `json:"restaurant_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Status       order.Status `json:"status"`
	Sequence     int64        `json:"sequence"`
}

func NewCard(o order.Order, e order.StatusEvent) Card {
	var items strings.Builder
	for i, it := range o.Items {
		if i > 0 {
			items.WriteString("\n")
		}
		fmt.Fprintf(&items, "%s x%d", it.Name, it.Quantity)
	}

	return Card{
		OrderID:      o.ID,
		DisplayCode:  o.DisplayCode,
		RestaurantID: o.RestaurantID,
		Title:        fmt.Sprintf("Order #%s - %s", o.DisplayCode, o.CustomerName),
		Description:  fmt.Sprintf("Items:\n%s\n\nTotal: %s\nType: %s", items.String(), o.Total.StringFixed(2), o.OrderType),
		Status:       e.ToStatus,
		Sequence:     e.Sequence,
	}
}
