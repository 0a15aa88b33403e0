// Package handler contains the HTTP handlers of the eligibility service API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/addiseats/eligibility/internal/middleware"
	"github.com/addiseats/eligibility/internal/model"
	"github.com/addiseats/eligibility/internal/orders"
	"github.com/addiseats/eligibility/internal/pricing"
	"github.com/addiseats/eligibility/internal/promo"
	"github.com/addiseats/eligibility/internal/repository"
	"github.com/addiseats/eligibility/internal/zone"
)

// ZoneService defines the zone administration contract used by the handlers.
type ZoneService interface {
	List(ctx context.Context) ([]model.DeliveryZone, error)
	Create(ctx context.Context, in zone.Input) (*model.DeliveryZone, error)
	Update(ctx context.Context, id int64, in zone.Input) (*model.DeliveryZone, error)
	ToggleActive(ctx context.Context, id int64) (*model.DeliveryZone, error)
	Delete(ctx context.Context, id int64) error
	UncoveredSubCities(ctx context.Context) ([]string, error)
	Summary(ctx context.Context) (*model.ZoneSummary, error)
}

// PromoService defines the promo administration contract used by the handlers.
type PromoService interface {
	List(ctx context.Context) ([]model.PromoCode, error)
	Create(ctx context.Context, in promo.Input) (*model.PromoCode, error)
	Update(ctx context.Context, id int64, in promo.Input) (*model.PromoCode, error)
	ToggleActive(ctx context.Context, id int64) (*model.PromoCode, error)
}

// PricingService defines the order pricing contract used by the handlers.
type PricingService interface {
	Price(ctx context.Context, draft model.OrderPricingDraft) (*model.PricedOrder, error)
	Place(ctx context.Context, draft model.OrderPricingDraft) (*model.PricedOrder, string, error)
}

// Handler implements the HTTP handlers of the eligibility service API.
type Handler struct {
	zones          ZoneService
	promos         PromoService
	pricing        PricingService
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a handler over the given services.
func NewHandler(zones ZoneService, promos PromoService, pricing PricingService, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		zones:          zones,
		promos:         promos,
		pricing:        pricing,
		logger:         logger,
		authMiddleware: auth,
	}
}

// Amounts cross the API as ETB floats and live as santim int64 inside.

func toSantim(etb float64) int64 {
	return int64(math.Round(etb * 100))
}

func toETB(santim int64) float64 {
	return float64(santim) / 100
}

func toSantimPtr(etb *float64) *int64 {
	if etb == nil {
		return nil
	}
	v := toSantim(*etb)
	return &v
}

func toETBPtr(santim *int64) *float64 {
	if santim == nil {
		return nil
	}
	v := toETB(*santim)
	return &v
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// rejectionReason maps eligibility rejections to machine-readable codes.
func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, zone.ErrOutsideServiceArea):
		return "OUTSIDE_SERVICE_AREA", true
	case errors.Is(err, pricing.ErrBelowMinimumOrder):
		return "BELOW_ZONE_MINIMUM", true
	case errors.Is(err, promo.ErrPromoNotFound):
		return "PROMO_NOT_FOUND", true
	case errors.Is(err, promo.ErrPromoInactive):
		return "PROMO_INACTIVE", true
	case errors.Is(err, promo.ErrPromoNotStarted):
		return "PROMO_NOT_STARTED", true
	case errors.Is(err, promo.ErrPromoExpired):
		return "PROMO_EXPIRED", true
	case errors.Is(err, promo.ErrMinOrderNotMet):
		return "PROMO_MIN_ORDER_NOT_MET", true
	case errors.Is(err, promo.ErrPromoExhausted):
		return "PROMO_EXHAUSTED", true
	case errors.Is(err, promo.ErrPerUserLimitReached):
		return "PROMO_ALREADY_USED", true
	}
	return "", false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// serviceError handles everything the calling handler did not branch on
// itself: upstream outages become 502, the rest becomes 500.
func (h *Handler) serviceError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, repository.ErrUnavailable) || errors.Is(err, orders.ErrUnavailable) {
		h.writeErr(w, http.StatusBadGateway, err)
		return
	}
	h.logger.Error(msg, zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type zoneRequest struct {
	Name         string   `json:"name"`
	NameAm       string   `json:"name_am,omitempty"`
	SubCity      string   `json:"sub_city"`
	CenterLat    *float64 `json:"center_lat,omitempty"`
	CenterLng    *float64 `json:"center_lng,omitempty"`
	RadiusKm     float64  `json:"radius_km"`
	DeliveryFee  float64  `json:"delivery_fee"`
	MinOrder     float64  `json:"min_order"`
	EstimatedMin int      `json:"estimated_min"`
	EstimatedMax int      `json:"estimated_max"`
	IsActive     bool     `json:"is_active"`
}

func (req zoneRequest) toInput() zone.Input {
	return zone.Input{
		Name:         req.Name,
		NameAm:       req.NameAm,
		SubCity:      req.SubCity,
		CenterLat:    req.CenterLat,
		CenterLng:    req.CenterLng,
		RadiusKm:     req.RadiusKm,
		DeliveryFee:  toSantim(req.DeliveryFee),
		MinOrder:     toSantim(req.MinOrder),
		EstimatedMin: req.EstimatedMin,
		EstimatedMax: req.EstimatedMax,
		IsActive:     req.IsActive,
	}
}

type zoneResponse struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	NameAm       string   `json:"name_am,omitempty"`
	SubCity      string   `json:"sub_city"`
	CenterLat    *float64 `json:"center_lat,omitempty"`
	CenterLng    *float64 `json:"center_lng,omitempty"`
	RadiusKm     float64  `json:"radius_km"`
	DeliveryFee  float64  `json:"delivery_fee"`
	MinOrder     float64  `json:"min_order"`
	EstimatedMin int      `json:"estimated_min"`
	EstimatedMax int      `json:"estimated_max"`
	IsActive     bool     `json:"is_active"`
	CreatedAt    string   `json:"created_at"`
}

func toZoneResponse(z *model.DeliveryZone) zoneResponse {
	return zoneResponse{
		ID:           z.ID,
		Name:         z.Name,
		NameAm:       z.NameAm,
		SubCity:      z.SubCity,
		CenterLat:    z.CenterLat,
		CenterLng:    z.CenterLng,
		RadiusKm:     z.RadiusKm,
		DeliveryFee:  toETB(z.DeliveryFee),
		MinOrder:     toETB(z.MinOrder),
		EstimatedMin: z.EstimatedMin,
		EstimatedMax: z.EstimatedMax,
		IsActive:     z.IsActive,
		CreatedAt:    z.CreatedAt.Format(time.RFC3339),
	}
}

// ListZones returns every delivery zone, active or not.
func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.zones.List(r.Context())
	if err != nil {
		h.serviceError(w, "list zones", err)
		return
	}

	resp := make([]zoneResponse, 0, len(zones))
	for i := range zones {
		resp = append(resp, toZoneResponse(&zones[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateZone registers a new delivery zone.
func (h *Handler) CreateZone(w http.ResponseWriter, r *http.Request) {
	var req zoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	z, err := h.zones.Create(r.Context(), req.toInput())
	if err != nil {
		switch {
		case errors.Is(err, zone.ErrInvalidParameters), errors.Is(err, zone.ErrInvalidCoordinates):
			h.writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, zone.ErrDuplicateSubCity):
			h.writeErr(w, http.StatusConflict, err)
		default:
			h.serviceError(w, "create zone", err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toZoneResponse(z))
}

// UpdateZone replaces the mutable fields of a zone. The sub-city binding is
// never changed.
func (h *Handler) UpdateZone(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req zoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	z, err := h.zones.Update(r.Context(), id, req.toInput())
	if err != nil {
		switch {
		case errors.Is(err, zone.ErrInvalidParameters), errors.Is(err, zone.ErrInvalidCoordinates):
			h.writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, zone.ErrZoneNotFound):
			h.writeErr(w, http.StatusNotFound, err)
		default:
			h.serviceError(w, "update zone", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toZoneResponse(z))
}

// ToggleZone flips the active flag of a zone.
func (h *Handler) ToggleZone(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	z, err := h.zones.ToggleActive(r.Context(), id)
	if err != nil {
		if errors.Is(err, zone.ErrZoneNotFound) {
			h.writeErr(w, http.StatusNotFound, err)
			return
		}
		h.serviceError(w, "toggle zone", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toZoneResponse(z))
}

// DeleteZone removes a zone unless orders still reference it.
func (h *Handler) DeleteZone(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.zones.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, zone.ErrZoneNotFound):
			h.writeErr(w, http.StatusNotFound, err)
		case errors.Is(err, zone.ErrZoneInUse):
			h.writeErr(w, http.StatusConflict, err)
		default:
			h.serviceError(w, "delete zone", err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UncoveredSubCities lists sub-cities that have no zone yet.
func (h *Handler) UncoveredSubCities(w http.ResponseWriter, r *http.Request) {
	subCities, err := h.zones.UncoveredSubCities(r.Context())
	if err != nil {
		h.serviceError(w, "uncovered sub-cities", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string][]string{"sub_cities": subCities})
}

type summaryResponse struct {
	Total      int     `json:"total"`
	Active     int     `json:"active"`
	Geofenced  int     `json:"geofenced"`
	AverageFee float64 `json:"average_fee"`
}

// ZoneSummary returns the dashboard counters.
func (h *Handler) ZoneSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.zones.Summary(r.Context())
	if err != nil {
		h.serviceError(w, "zone summary", err)
		return
	}

	h.writeJSON(w, http.StatusOK, summaryResponse{
		Total:      s.Total,
		Active:     s.Active,
		Geofenced:  s.Geofenced,
		AverageFee: toETB(s.AverageFee),
	})
}

type promoRequest struct {
	Code           string             `json:"code"`
	Title          string             `json:"title"`
	TitleAm        string             `json:"title_am,omitempty"`
	Description    string             `json:"description,omitempty"`
	DescriptionAm  string             `json:"description_am,omitempty"`
	DiscountType   model.DiscountType `json:"discount_type"`
	DiscountValue  float64            `json:"discount_value"`
	MinOrder       float64            `json:"min_order"`
	MaxDiscount    *float64           `json:"max_discount,omitempty"`
	MaxUses        *int64             `json:"max_uses,omitempty"`
	MaxUsesPerUser int                `json:"max_uses_per_user,omitempty"`
	StartDate      time.Time          `json:"start_date"`
	EndDate        *time.Time         `json:"end_date,omitempty"`
	IsActive       bool               `json:"is_active"`
}

func (req promoRequest) toInput() promo.Input {
	return promo.Input{
		Code:           req.Code,
		Title:          req.Title,
		TitleAm:        req.TitleAm,
		Description:    req.Description,
		DescriptionAm:  req.DescriptionAm,
		DiscountType:   req.DiscountType,
		DiscountValue:  req.DiscountValue,
		MinOrder:       toSantim(req.MinOrder),
		MaxDiscount:    toSantimPtr(req.MaxDiscount),
		MaxUses:        req.MaxUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		IsActive:       req.IsActive,
	}
}

type promoResponse struct {
	ID             int64              `json:"id"`
	Code           string             `json:"code"`
	Title          string             `json:"title"`
	TitleAm        string             `json:"title_am,omitempty"`
	Description    string             `json:"description,omitempty"`
	DescriptionAm  string             `json:"description_am,omitempty"`
	DiscountType   model.DiscountType `json:"discount_type"`
	DiscountValue  float64            `json:"discount_value"`
	MinOrder       float64            `json:"min_order"`
	MaxDiscount    *float64           `json:"max_discount,omitempty"`
	MaxUses        *int64             `json:"max_uses,omitempty"`
	MaxUsesPerUser int                `json:"max_uses_per_user"`
	UsedCount      int64              `json:"used_count"`
	IsActive       bool               `json:"is_active"`
	StartDate      string             `json:"start_date"`
	EndDate        *string            `json:"end_date,omitempty"`
	CreatedAt      string             `json:"created_at"`
}

func toPromoResponse(p *model.PromoCode) promoResponse {
	resp := promoResponse{
		ID:             p.ID,
		Code:           p.Code,
		Title:          p.Title,
		TitleAm:        p.TitleAm,
		Description:    p.Description,
		DescriptionAm:  p.DescriptionAm,
		DiscountType:   p.DiscountType,
		DiscountValue:  p.DiscountValue,
		MinOrder:       toETB(p.MinOrder),
		MaxDiscount:    toETBPtr(p.MaxDiscount),
		MaxUses:        p.MaxUses,
		MaxUsesPerUser: p.MaxUsesPerUser,
		UsedCount:      p.UsedCount,
		IsActive:       p.IsActive,
		StartDate:      p.StartDate.Format(time.RFC3339),
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
	if p.EndDate != nil {
		end := p.EndDate.Format(time.RFC3339)
		resp.EndDate = &end
	}
	return resp
}

// ListPromos returns every promo code.
func (h *Handler) ListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := h.promos.List(r.Context())
	if err != nil {
		h.serviceError(w, "list promos", err)
		return
	}

	resp := make([]promoResponse, 0, len(promos))
	for i := range promos {
		resp = append(resp, toPromoResponse(&promos[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreatePromo registers a new promo code.
func (h *Handler) CreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.promos.Create(r.Context(), req.toInput())
	if err != nil {
		switch {
		case errors.Is(err, promo.ErrInvalidPromo):
			h.writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, promo.ErrPromoCodeExists):
			h.writeErr(w, http.StatusConflict, err)
		default:
			h.serviceError(w, "create promo", err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toPromoResponse(p))
}

// UpdatePromo replaces the mutable fields of a promo. Code and discount type
// are never changed.
func (h *Handler) UpdatePromo(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.promos.Update(r.Context(), id, req.toInput())
	if err != nil {
		switch {
		case errors.Is(err, promo.ErrInvalidPromo):
			h.writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, promo.ErrPromoNotFound):
			h.writeErr(w, http.StatusNotFound, err)
		default:
			h.serviceError(w, "update promo", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toPromoResponse(p))
}

// TogglePromo flips the active flag of a promo.
func (h *Handler) TogglePromo(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.promos.ToggleActive(r.Context(), id)
	if err != nil {
		if errors.Is(err, promo.ErrPromoNotFound) {
			h.writeErr(w, http.StatusNotFound, err)
			return
		}
		h.serviceError(w, "toggle promo", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPromoResponse(p))
}

type priceRequest struct {
	UserID     int64   `json:"user_id"`
	DropoffLat float64 `json:"dropoff_lat"`
	DropoffLng float64 `json:"dropoff_lng"`
	Subtotal   float64 `json:"subtotal"`
	PromoCode  string  `json:"promo_code,omitempty"`
}

func (req priceRequest) toDraft() model.OrderPricingDraft {
	return model.OrderPricingDraft{
		DropoffLat: req.DropoffLat,
		DropoffLng: req.DropoffLng,
		Subtotal:   toSantim(req.Subtotal),
		PromoCode:  req.PromoCode,
		UserID:     req.UserID,
	}
}

type priceResponse struct {
	OrderID      string  `json:"order_id,omitempty"`
	ZoneID       int64   `json:"zone_id"`
	Subtotal     float64 `json:"subtotal"`
	Discount     float64 `json:"discount"`
	DeliveryFee  float64 `json:"delivery_fee"`
	Total        float64 `json:"total"`
	PromoID      *int64  `json:"promo_id,omitempty"`
	EstimatedMin int     `json:"estimated_min"`
	EstimatedMax int     `json:"estimated_max"`
}

func toPriceResponse(p *model.PricedOrder, orderID string) priceResponse {
	return priceResponse{
		OrderID:      orderID,
		ZoneID:       p.ZoneID,
		Subtotal:     toETB(p.Subtotal),
		Discount:     toETB(p.Discount),
		DeliveryFee:  toETB(p.DeliveryFee),
		Total:        toETB(p.Total),
		PromoID:      p.PromoID,
		EstimatedMin: p.EstimatedMin,
		EstimatedMax: p.EstimatedMax,
	}
}

func (h *Handler) pricingError(w http.ResponseWriter, msg string, err error) {
	if reason, ok := rejectionReason(err); ok {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Reason: reason})
		return
	}
	if errors.Is(err, zone.ErrInvalidCoordinates) {
		h.writeErr(w, http.StatusBadRequest, err)
		return
	}
	h.serviceError(w, msg, err)
}

// PriceOrder prices a draft without consuming anything.
func (h *Handler) PriceOrder(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	priced, err := h.pricing.Price(r.Context(), req.toDraft())
	if err != nil {
		h.pricingError(w, "price order", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPriceResponse(priced, ""))
}

// PlaceOrder prices a draft, stores the order and redeems the promo.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	priced, orderID, err := h.pricing.Place(r.Context(), req.toDraft())
	if err != nil {
		h.pricingError(w, "place order", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toPriceResponse(priced, orderID))
}
