package order

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/kds-service/internal/catalog"
	"github.com/vasiliy-maslov/kds-service/internal/clock"
)

const defaultCodeAttempts = 8

// Pricing holds the server-side rates; client-supplied amounts never reach the factory.
type Pricing struct {
	TaxRate        decimal.Decimal
	ServiceCharges map[OrderType]decimal.Decimal
}

func (p Pricing) serviceChargeRate(t OrderType) decimal.Decimal {
	if rate, ok := p.ServiceCharges[t]; ok {
		return rate
	}
	return decimal.Zero
}

// CodeChecker reports whether a display code is held by an active order.
type CodeChecker interface {
	ActiveCodeExists(ctx context.Context, restaurantID, code string) (bool, error)
}

// Draft is validated customer input.
type Draft struct {
	RestaurantID    string
	CustomerName    string
	ContactHandle   string
	Source          Source
	OrderType       OrderType
	DeliveryAddress string
	Notes           string
}

type Factory struct {
	pricing     Pricing
	codes       CodeChecker
	clock       clock.Clock
	maxAttempts int
	newCode     func(Source) (string, error)
}

type FactoryOption func(*Factory)

func WithMaxCodeAttempts(n int) FactoryOption {
	return func(f *Factory) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithCodeGenerator replaces the random display code generator.
func WithCodeGenerator(gen func(Source) (string, error)) FactoryOption {
	return func(f *Factory) {
		f.newCode = gen
	}
}

func NewFactory(pricing Pricing, codes CodeChecker, clk clock.Clock, opts ...FactoryOption) *Factory {
	f := &Factory{
		pricing:     pricing,
		codes:       codes,
		clock:       clk,
		maxAttempts: defaultCodeAttempts,
		newCode:     randomCode,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Create(ctx context.Context, draft Draft, lines []catalog.ResolvedLine) (*Order, error) {
	if len(lines) == 0 {
		return nil, catalog.ErrEmptyItems
	}

	items := make([]LineItem, 0, len(lines))
	subtotal := decimal.Zero
	for _, line := range lines {
		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2)
		subtotal = subtotal.Add(lineTotal)
		items = append(items, LineItem{
			CatalogItemID: line.ItemID,
			Name:          line.Name,
			UnitPrice:     line.UnitPrice,
			Quantity:      line.Quantity,
			LineTotal:     lineTotal,
		})
	}

	taxAmount := subtotal.Mul(f.pricing.TaxRate).Round(2)
	serviceCharge := subtotal.Mul(f.pricing.serviceChargeRate(draft.OrderType)).Round(2)

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("factory: failed to generate order id: %w", err)
	}

	now := f.clock.Now()
	o := &Order{
		ID:              id.String(),
		RestaurantID:    draft.RestaurantID,
		CustomerName:    draft.CustomerName,
		ContactHandle:   draft.ContactHandle,
		Source:          draft.Source,
		OrderType:       draft.OrderType,
		DeliveryAddress: draft.DeliveryAddress,
		Items:           items,
		Subtotal:        subtotal,
		TaxAmount:       taxAmount,
		ServiceCharge:   serviceCharge,
		Total:           subtotal.Add(taxAmount).Add(serviceCharge),
		Notes:           draft.Notes,
		Status:          StatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := f.AssignCode(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// AssignCode picks a display code not used by any active order of the restaurant.
func (f *Factory) AssignCode(ctx context.Context, o *Order) error {
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		code, err := f.newCode(o.Source)
		if err != nil {
			return fmt.Errorf("factory: failed to generate display code: %w", err)
		}

		taken, err := f.codes.ActiveCodeExists(ctx, o.RestaurantID, code)
		if err != nil {
			return fmt.Errorf("factory: failed to check display code: %w", err)
		}
		if !taken {
			o.DisplayCode = code
			return nil
		}

		log.Debug().Str("restaurant_id", o.RestaurantID).Str("code", code).Int("attempt", attempt).Msg("factory: display code collision")
	}

	return ErrCodeGenerationExhausted
}

func randomCode(source Source) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", source.CodePrefix(), 1000+n.Int64()), nil
}
