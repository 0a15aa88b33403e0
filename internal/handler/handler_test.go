package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/addiseats/eligibility/internal/middleware"
	"github.com/addiseats/eligibility/internal/model"
	"github.com/addiseats/eligibility/internal/orders"
	"github.com/addiseats/eligibility/internal/promo"
	"github.com/addiseats/eligibility/internal/zone"
)

type stubZones struct {
	listResp []model.DeliveryZone
	listErr  error

	createResp *model.DeliveryZone
	createErr  error

	updateResp *model.DeliveryZone
	updateErr  error

	toggleResp *model.DeliveryZone
	toggleErr  error

	deleteErr error

	uncoveredResp []string
	uncoveredErr  error

	summaryResp *model.ZoneSummary
	summaryErr  error
}

func (s *stubZones) List(ctx context.Context) ([]model.DeliveryZone, error) {
	return s.listResp, s.listErr
}

func (s *stubZones) Create(ctx context.Context, in zone.Input) (*model.DeliveryZone, error) {
	return s.createResp, s.createErr
}

func (s *stubZones) Update(ctx context.Context, id int64, in zone.Input) (*model.DeliveryZone, error) {
	return s.updateResp, s.updateErr
}

func (s *stubZones) ToggleActive(ctx context.Context, id int64) (*model.DeliveryZone, error) {
	return s.toggleResp, s.toggleErr
}

func (s *stubZones) Delete(ctx context.Context, id int64) error {
	return s.deleteErr
}

func (s *stubZones) UncoveredSubCities(ctx context.Context) ([]string, error) {
	return s.uncoveredResp, s.uncoveredErr
}

func (s *stubZones) Summary(ctx context.Context) (*model.ZoneSummary, error) {
	return s.summaryResp, s.summaryErr
}

type stubPromos struct {
	listResp []model.PromoCode
	listErr  error

	createResp *model.PromoCode
	createErr  error

	updateResp *model.PromoCode
	updateErr  error

	toggleResp *model.PromoCode
	toggleErr  error
}

func (s *stubPromos) List(ctx context.Context) ([]model.PromoCode, error) {
	return s.listResp, s.listErr
}

func (s *stubPromos) Create(ctx context.Context, in promo.Input) (*model.PromoCode, error) {
	return s.createResp, s.createErr
}

func (s *stubPromos) Update(ctx context.Context, id int64, in promo.Input) (*model.PromoCode, error) {
	return s.updateResp, s.updateErr
}

func (s *stubPromos) ToggleActive(ctx context.Context, id int64) (*model.PromoCode, error) {
	return s.toggleResp, s.toggleErr
}

type stubPricing struct {
	priceResp *model.PricedOrder
	priceErr  error

	placeResp    *model.PricedOrder
	placeOrderID string
	placeErr     error

	lastDraft model.OrderPricingDraft
}

func (s *stubPricing) Price(ctx context.Context, draft model.OrderPricingDraft) (*model.PricedOrder, error) {
	s.lastDraft = draft
	return s.priceResp, s.priceErr
}

func (s *stubPricing) Place(ctx context.Context, draft model.OrderPricingDraft) (*model.PricedOrder, string, error) {
	s.lastDraft = draft
	return s.placeResp, s.placeOrderID, s.placeErr
}

func newTestHandler(t *testing.T, zones ZoneService, promos PromoService, pricing PricingService) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(zones, promos, pricing, logger, auth)
}

func boleZone() *model.DeliveryZone {
	lat, lng := 8.9806, 38.7578
	return &model.DeliveryZone{
		ID:           1,
		Name:         "Bole Central",
		NameAm:       "ቦሌ",
		SubCity:      "Bole",
		CenterLat:    &lat,
		CenterLng:    &lng,
		RadiusKm:     4.0,
		DeliveryFee:  3000,
		MinOrder:     10000,
		EstimatedMin: 25,
		EstimatedMax: 40,
		IsActive:     true,
		CreatedAt:    time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestCreateZone_Success(t *testing.T) {
	zones := &stubZones{createResp: boleZone()}
	h := newTestHandler(t, zones, &stubPromos{}, &stubPricing{})

	body, _ := json.Marshal(zoneRequest{
		Name:         "Bole Central",
		SubCity:      "Bole",
		RadiusKm:     4.0,
		DeliveryFee:  30,
		MinOrder:     100,
		EstimatedMin: 25,
		EstimatedMax: 40,
		IsActive:     true,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/zones", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateZone(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp zoneResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 1 || resp.SubCity != "Bole" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.DeliveryFee != 30 || resp.MinOrder != 100 {
		t.Fatalf("amounts not converted to ETB: %+v", resp)
	}
}

func TestCreateZone_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid parameters", err: zone.ErrInvalidParameters, want: http.StatusBadRequest},
		{name: "invalid coordinates", err: zone.ErrInvalidCoordinates, want: http.StatusBadRequest},
		{name: "duplicate sub-city", err: zone.ErrDuplicateSubCity, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zones := &stubZones{createErr: tt.err}
			h := newTestHandler(t, zones, &stubPromos{}, &stubPricing{})

			body, _ := json.Marshal(zoneRequest{Name: "x", SubCity: "Bole"})
			req := httptest.NewRequest(http.MethodPost, "/api/admin/zones", bytes.NewReader(body))
			rec := httptest.NewRecorder()

			h.CreateZone(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateZone_MalformedBody(t *testing.T) {
	h := newTestHandler(t, &stubZones{}, &stubPromos{}, &stubPricing{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/zones", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()

	h.CreateZone(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDeleteZone_InUse(t *testing.T) {
	zones := &stubZones{deleteErr: zone.ErrZoneInUse}
	h := newTestHandler(t, zones, &stubPromos{}, &stubPricing{})

	r := h.SetupRouter()

	req := httptest.NewRequest(http.MethodDelete, "/api/admin/zones/1", nil)
	authRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(authRec, 7)
	req.AddCookie(authRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestAdminRoutes_RequireAuth(t *testing.T) {
	h := newTestHandler(t, &stubZones{}, &stubPromos{}, &stubPricing{})
	r := h.SetupRouter()

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/admin/zones"},
		{http.MethodPost, "/api/admin/promos"},
		{http.MethodGet, "/api/admin/zones/summary"},
	}

	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: status = %d, want %d", p.method, p.path, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestZoneSummary(t *testing.T) {
	zones := &stubZones{summaryResp: &model.ZoneSummary{
		Total:      5,
		Active:     4,
		Geofenced:  3,
		AverageFee: 3550,
	}}
	h := newTestHandler(t, zones, &stubPromos{}, &stubPricing{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/zones/summary", nil)
	rec := httptest.NewRecorder()

	h.ZoneSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp summaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 5 || resp.Active != 4 || resp.Geofenced != 3 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
	if resp.AverageFee != 35.5 {
		t.Fatalf("average fee = %v, want 35.5 ETB", resp.AverageFee)
	}
}

func TestUpdatePromo_NotFound(t *testing.T) {
	promos := &stubPromos{updateErr: promo.ErrPromoNotFound}
	h := newTestHandler(t, &stubZones{}, promos, &stubPricing{})

	r := h.SetupRouter()

	body, _ := json.Marshal(promoRequest{Title: "x"})
	req := httptest.NewRequest(http.MethodPut, "/api/admin/promos/99", bytes.NewReader(body))
	authRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(authRec, 7)
	req.AddCookie(authRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPriceOrder_Success(t *testing.T) {
	promoID := int64(7)
	pricingSvc := &stubPricing{priceResp: &model.PricedOrder{
		ZoneID:       1,
		UserID:       42,
		Subtotal:     50000,
		Discount:     5000,
		DeliveryFee:  3000,
		Total:        48000,
		PromoID:      &promoID,
		EstimatedMin: 25,
		EstimatedMax: 40,
	}}
	h := newTestHandler(t, &stubZones{}, &stubPromos{}, pricingSvc)

	body, _ := json.Marshal(priceRequest{
		UserID:     42,
		DropoffLat: 8.99,
		DropoffLng: 38.76,
		Subtotal:   500,
		PromoCode:  "WELCOME20",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders/price", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PriceOrder(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	if pricingSvc.lastDraft.Subtotal != 50000 {
		t.Fatalf("subtotal not converted to santim: %d", pricingSvc.lastDraft.Subtotal)
	}

	var resp priceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 480 || resp.Discount != 50 || resp.DeliveryFee != 30 {
		t.Fatalf("amounts not converted to ETB: %+v", resp)
	}
	if resp.OrderID != "" {
		t.Fatalf("dry run must not carry an order id: %+v", resp)
	}
}

func TestPriceOrder_RejectionReasons(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{name: "outside service area", err: zone.ErrOutsideServiceArea, wantStatus: http.StatusUnprocessableEntity, wantReason: "OUTSIDE_SERVICE_AREA"},
		{name: "promo expired", err: promo.ErrPromoExpired, wantStatus: http.StatusUnprocessableEntity, wantReason: "PROMO_EXPIRED"},
		{name: "promo exhausted", err: promo.ErrPromoExhausted, wantStatus: http.StatusUnprocessableEntity, wantReason: "PROMO_EXHAUSTED"},
		{name: "per-user limit", err: promo.ErrPerUserLimitReached, wantStatus: http.StatusUnprocessableEntity, wantReason: "PROMO_ALREADY_USED"},
		{name: "invalid coordinates", err: zone.ErrInvalidCoordinates, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pricingSvc := &stubPricing{priceErr: tt.err}
			h := newTestHandler(t, &stubZones{}, &stubPromos{}, pricingSvc)

			body, _ := json.Marshal(priceRequest{UserID: 42, Subtotal: 500})
			req := httptest.NewRequest(http.MethodPost, "/api/orders/price", bytes.NewReader(body))
			rec := httptest.NewRecorder()

			h.PriceOrder(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			if tt.wantReason == "" {
				return
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", resp.Reason, tt.wantReason)
			}
		})
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	pricingSvc := &stubPricing{
		placeResp: &model.PricedOrder{
			ZoneID:      1,
			UserID:      42,
			Subtotal:    50000,
			DeliveryFee: 3000,
			Total:       53000,
		},
		placeOrderID: "ord-123",
	}
	h := newTestHandler(t, &stubZones{}, &stubPromos{}, pricingSvc)

	body, _ := json.Marshal(priceRequest{UserID: 42, DropoffLat: 8.99, DropoffLng: 38.76, Subtotal: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PlaceOrder(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp priceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "ord-123" {
		t.Fatalf("order id = %q, want %q", resp.OrderID, "ord-123")
	}
}

func TestPlaceOrder_UpstreamUnavailable(t *testing.T) {
	pricingSvc := &stubPricing{placeErr: orders.ErrUnavailable}
	h := newTestHandler(t, &stubZones{}, &stubPromos{}, pricingSvc)

	body, _ := json.Marshal(priceRequest{UserID: 42, Subtotal: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PlaceOrder(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestPublicRoutes_NoAuthRequired(t *testing.T) {
	pricingSvc := &stubPricing{priceResp: &model.PricedOrder{ZoneID: 1, Total: 53000}}
	h := newTestHandler(t, &stubZones{}, &stubPromos{}, pricingSvc)
	r := h.SetupRouter()

	body, _ := json.Marshal(priceRequest{UserID: 42, Subtotal: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/price", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
