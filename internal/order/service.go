package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kds-service/internal/broadcast"
	"github.com/vasiliy-maslov/kds-service/internal/catalog"
)

const (
	WarningNoActiveDisplays      = "no_active_displays"
	WarningNotificationNotQueued = "notification_not_queued"

	defaultActor         = "operator"
	maxCodeConflictRetry = 3
)

// Publisher is the display fan-out.
type Publisher interface {
	Publish(e broadcast.Event)
	CountFor(restaurantID string) int
}

// Notifier hands an accepted change to the outbound collaborators. It must not
// block; an error means the change was not queued.
type Notifier interface {
	Enqueue(o Order, e StatusEvent) error
}

type SubmitInput struct {
	RestaurantID    string
	CustomerName    string
	ContactHandle   string
	Source          Source
	OrderType       OrderType
	DeliveryAddress string
	Notes           string
	Items           []catalog.RequestedItem
}

type SubmitResult struct {
	Order    *Order
	Warnings []string
}

type Service interface {
	Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	Transition(ctx context.Context, req TransitionRequest) (*Order, error)
	Bump(ctx context.Context, orderID, actor string) (*Order, error)
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f Filter) ([]Order, error)
	History(ctx context.Context, orderID string) ([]StatusEvent, error)
	Stats(ctx context.Context, restaurantID string, since *time.Time) (*Stats, error)
}

type service struct {
	repo      Repository
	resolver  *catalog.Resolver
	factory   *Factory
	publisher Publisher
	notifier  Notifier
}

func NewService(repo Repository, resolver *catalog.Resolver, factory *Factory, publisher Publisher, notifier Notifier) Service {
	return &service{
		repo:      repo,
		resolver:  resolver,
		factory:   factory,
		publisher: publisher,
		notifier:  notifier,
	}
}

func validateSubmission(in *SubmitInput) error {
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	in.ContactHandle = strings.TrimSpace(in.ContactHandle)
	in.DeliveryAddress = strings.TrimSpace(in.DeliveryAddress)

	if in.Source == "" {
		in.Source = SourceWeb
	}
	if in.OrderType == "" {
		in.OrderType = TypePickup
	}

	switch {
	case in.RestaurantID == "":
		return ValidationError{Field: "restaurant_id", Message: "is required"}
	case in.CustomerName == "":
		return ValidationError{Field: "customer_name", Message: "is required"}
	case in.ContactHandle == "":
		return ValidationError{Field: "contact_handle", Message: "is required"}
	case !in.Source.Valid():
		return ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", in.Source)}
	case !in.OrderType.Valid():
		return ValidationError{Field: "order_type", Message: fmt.Sprintf("unknown order type %q", in.OrderType)}
	case in.OrderType == TypeDelivery && in.DeliveryAddress == "":
		return ValidationError{Field: "delivery_address", Message: "is required for delivery orders"}
	case len(in.Items) == 0:
		return ValidationError{Field: "items", Message: "at least one item is required"}
	}
	return nil
}

// Submit prices the order from the catalog, persists it and only then
// announces it. Nothing is published or notified when any step before the
// insert fails.
func (s *service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if err := validateSubmission(&in); err != nil {
		log.Warn().Err(err).Str("restaurant_id", in.RestaurantID).Msg("service: rejected order submission")
		return nil, err
	}

	lines, err := s.resolver.Resolve(ctx, in.RestaurantID, in.Items)
	if err != nil {
		log.Warn().Err(err).Str("restaurant_id", in.RestaurantID).Msg("service: catalog resolution failed")
		return nil, err
	}

	o, err := s.factory.Create(ctx, Draft{
		RestaurantID:    in.RestaurantID,
		CustomerName:    in.CustomerName,
		ContactHandle:   in.ContactHandle,
		Source:          in.Source,
		OrderType:       in.OrderType,
		DeliveryAddress: in.DeliveryAddress,
		Notes:           strings.TrimSpace(in.Notes),
	}, lines)
	if err != nil {
		return nil, s.creationFailed(err, in.RestaurantID, "")
	}

	event, err := s.insert(ctx, o)
	if err != nil {
		return nil, s.creationFailed(err, in.RestaurantID, o.ID)
	}

	log.Info().Str("order_id", o.ID).Str("display_code", o.DisplayCode).Str("restaurant_id", o.RestaurantID).
		Str("total", o.Total.StringFixed(2)).Int64("sequence", event.Sequence).Msg("service: order created")

	warnings := s.announce(o, *event)
	return &SubmitResult{Order: o, Warnings: warnings}, nil
}

// insert retries with a fresh display code when the store's unique index
// catches a collision the factory check could not see.
func (s *service) insert(ctx context.Context, o *Order) (*StatusEvent, error) {
	for attempt := 1; ; attempt++ {
		event, err := s.repo.Insert(ctx, o)
		if err == nil {
			return event, nil
		}
		if !errors.Is(err, ErrDisplayCodeConflict) {
			return nil, err
		}
		if attempt >= maxCodeConflictRetry {
			return nil, ErrCodeGenerationExhausted
		}

		log.Warn().Str("order_id", o.ID).Str("display_code", o.DisplayCode).Msg("service: display code taken at insert, reassigning")
		if err := s.factory.AssignCode(ctx, o); err != nil {
			return nil, err
		}
	}
}

func (s *service) creationFailed(err error, restaurantID, orderID string) error {
	if IsIntegrityError(err) {
		log.Error().Err(err).Str("restaurant_id", restaurantID).Str("order_id", orderID).Msg("service: integrity violation while creating order")
		return err
	}
	log.Error().Err(err).Str("restaurant_id", restaurantID).Msg("service: failed to create order")
	return fmt.Errorf("service: failed to create order: %w", err)
}

// announce runs after the commit. Its failures never reach the caller as errors.
func (s *service) announce(o *Order, e StatusEvent) []string {
	var warnings []string

	s.publisher.Publish(NewBroadcastEvent(o, e))
	if e.IsCreation() && s.publisher.CountFor(o.RestaurantID) == 0 {
		log.Warn().Str("order_id", o.ID).Str("restaurant_id", o.RestaurantID).Msg("service: no display connected for restaurant")
		warnings = append(warnings, WarningNoActiveDisplays)
	}

	if err := s.notifier.Enqueue(*o.Clone(), e); err != nil {
		log.Warn().Err(err).Str("order_id", o.ID).Str("status", e.ToStatus.String()).Msg("service: notification not queued")
		warnings = append(warnings, WarningNotificationNotQueued)
	}

	return warnings
}

func (s *service) Transition(ctx context.Context, req TransitionRequest) (*Order, error) {
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	if !req.Target.Valid() {
		return nil, ErrInvalidStatus
	}

	o, event, err := s.repo.Transition(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrStaleTransition), errors.Is(err, ErrIllegalTransition):
			log.Warn().Err(err).Str("order_id", req.OrderID).Str("target", req.Target.String()).Msg("service: transition rejected")
			return nil, err
		}
		log.Error().Err(err).Str("order_id", req.OrderID).Msg("service: failed to transition order")
		return nil, fmt.Errorf("service: failed to transition order: %w", err)
	}

	log.Info().Str("order_id", o.ID).Str("from", event.FromStatus.String()).Str("to", event.ToStatus.String()).
		Str("actor", event.Actor).Int64("sequence", event.Sequence).Msg("service: order status changed")

	s.announce(o, *event)
	return o, nil
}

// Bump advances the order to its natural successor, guarded by the status it was read with.
func (s *service) Bump(ctx context.Context, orderID, actor string) (*Order, error) {
	current, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next, ok := NextStatus(current.Status, current.OrderType)
	if !ok {
		log.Warn().Str("order_id", orderID).Str("status", current.Status.String()).Msg("service: cannot bump terminal order")
		return nil, ErrIllegalTransition
	}

	expected := current.Status
	return s.Transition(ctx, TransitionRequest{
		OrderID:  orderID,
		Expected: &expected,
		Target:   next,
		Actor:    actor,
	})
}

func (s *service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", id).Msg("service: failed to fetch order")
		return nil, fmt.Errorf("service: failed to fetch order: %w", err)
	}
	return o, nil
}

func (s *service) List(ctx context.Context, f Filter) ([]Order, error) {
	orders, err := s.repo.List(ctx, f)
	if err != nil {
		log.Error().Err(err).Str("restaurant_id", f.RestaurantID).Msg("service: failed to list orders")
		return nil, fmt.Errorf("service: failed to list orders: %w", err)
	}
	return orders, nil
}

func (s *service) History(ctx context.Context, orderID string) ([]StatusEvent, error) {
	events, err := s.repo.History(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch order history: %w", err)
	}
	return events, nil
}

func (s *service) Stats(ctx context.Context, restaurantID string, since *time.Time) (*Stats, error) {
	stats, err := s.repo.Stats(ctx, restaurantID, since)
	if err != nil {
		return nil, fmt.Errorf("service: failed to compute stats: %w", err)
	}
	return stats, nil
}
