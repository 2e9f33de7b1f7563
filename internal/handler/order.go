package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kds-service/internal/catalog"
	"github.com/vasiliy-maslov/kds-service/internal/order"
)

type OrderItemRequest struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1"`
}

type CreateOrderRequest struct {
	RestaurantID    string             `json:"restaurant_id"`
	CustomerName    string             `json:"customer_name" validate:"required,max=120"`
	ContactHandle   string             `json:"contact_handle" validate:"required,max=64"`
	Source          string             `json:"source" validate:"omitempty,oneof=web phone messaging walk_in"`
	OrderType       string             `json:"order_type" validate:"omitempty,oneof=pickup dine_in delivery"`
	DeliveryAddress string             `json:"delivery_address" validate:"required_if=OrderType delivery,max=300"`
	Notes           string             `json:"notes" validate:"max=500"`
	Items           []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type CreateOrderResponse struct {
	OrderID       string       `json:"order_id"`
	DisplayCode   string       `json:"display_code"`
	Status        order.Status `json:"status"`
	Subtotal      string       `json:"subtotal"`
	TaxAmount     string       `json:"tax_amount"`
	ServiceCharge string       `json:"service_charge"`
	Total         string       `json:"total"`
	Warnings      []string     `json:"warnings,omitempty"`
}

type UpdateStatusRequest struct {
	Status         string  `json:"status" validate:"required"`
	ExpectedStatus *string `json:"expected_status,omitempty"`
	Actor          string  `json:"actor" validate:"max=64"`
}

type OrderOptions struct {
	DefaultRestaurant string
	DefaultLimit      int
	MaxLimit          int
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
	opts     OrderOptions
}

func NewOrderHandler(service order.Service, opts OrderOptions) *OrderHandler {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	return &OrderHandler{
		service:  service,
		validate: newValidator(),
		opts:     opts,
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Route("/orders", func(r chi.Router) {
		r.Post("/", h.handleCreateOrder)
		r.Get("/", h.handleListOrders)
		r.Get("/stats", h.handleStats)
		r.Get("/{id}", h.handleGetOrder)
		r.Get("/{id}/history", h.handleHistory)
		r.Patch("/{id}/status", h.handleUpdateStatus)
		r.Post("/{id}/bump", h.handleBump)
	})
}

func (h *OrderHandler) restaurant(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if q := r.URL.Query().Get("restaurant"); q != "" {
		return q
	}
	return h.opts.DefaultRestaurant
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	// Clients send their own prices and totals; anything not declared here is dropped.
	var req CreateOrderRequest
	if !decodeLenient(w, r, h.validate, &req) {
		return
	}

	items := make([]catalog.RequestedItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, catalog.RequestedItem{ItemID: it.ItemID, Quantity: it.Quantity})
	}

	res, err := h.service.Submit(r.Context(), order.SubmitInput{
		RestaurantID:    h.restaurant(r, req.RestaurantID),
		CustomerName:    req.CustomerName,
		ContactHandle:   req.ContactHandle,
		Source:          order.Source(req.Source),
		OrderType:       order.OrderType(req.OrderType),
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
		Items:           items,
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	o := res.Order
	respondWithJSON(w, http.StatusCreated, CreateOrderResponse{
		OrderID:       o.ID,
		DisplayCode:   o.DisplayCode,
		Status:        o.Status,
		Subtotal:      o.Subtotal.StringFixed(2),
		TaxAmount:     o.TaxAmount.StringFixed(2),
		ServiceCharge: o.ServiceCharge.StringFixed(2),
		Total:         o.Total.StringFixed(2),
		Warnings:      res.Warnings,
	})
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := order.Filter{
		RestaurantID: h.restaurant(r, ""),
		Limit:        h.opts.DefaultLimit,
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := order.Status(strings.TrimSpace(part))
			if !status.Valid() {
				respondWithError(w, http.StatusBadRequest, CodeValidationFailed, "unknown status "+strconv.Quote(string(status)))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := q.Get("source"); raw != "" {
		filter.Source = order.Source(raw)
		if !filter.Source.Valid() {
			respondWithError(w, http.StatusBadRequest, CodeValidationFailed, "unknown source "+strconv.Quote(raw))
			return
		}
	}

	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	filter.Since = since

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondWithError(w, http.StatusBadRequest, CodeValidationFailed, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, h.opts.MaxLimit)
	}

	orders, err := h.service.List(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	views := make([]order.View, 0, len(orders))
	for i := range orders {
		views = append(views, orders[i].View())
	}
	respondWithJSON(w, http.StatusOK, views)
}

func parseSince(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, true
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeValidationFailed, "since must be an RFC 3339 timestamp")
		return nil, false
	}
	return &since, true
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, o.View())
}

func (h *OrderHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	tr := order.TransitionRequest{
		OrderID: chi.URLParam(r, "id"),
		Target:  order.Status(req.Status),
		Actor:   req.Actor,
	}
	if req.ExpectedStatus != nil {
		expected := order.Status(*req.ExpectedStatus)
		if !expected.Valid() {
			respondWithError(w, http.StatusBadRequest, CodeValidationFailed, "unknown expected_status "+strconv.Quote(*req.ExpectedStatus))
			return
		}
		tr.Expected = &expected
	}

	updated, err := h.service.Transition(r.Context(), tr)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated.View())
}

func (h *OrderHandler) handleBump(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	updated, err := h.service.Bump(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated.View())
}

func (h *OrderHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}

	restaurantID := h.restaurant(r, "")
	stats, err := h.service.Stats(r.Context(), restaurantID, since)
	if err != nil {
		log.Error().Err(err).Str("restaurant_id", restaurantID).Msg("handler: failed to compute stats")
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}
