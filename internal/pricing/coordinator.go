// Package pricing composes zone resolution and promo evaluation into one
// priced order draft.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/addiseats/eligibility/internal/model"
)

// ErrBelowMinimumOrder is returned when the subtotal is under the zone's
// minimum order amount.
var ErrBelowMinimumOrder = errors.New("subtotal below zone minimum order")

// ZoneResolver maps dropoff points to deliverable zones.
type ZoneResolver interface {
	Resolve(ctx context.Context, lat, lng float64) (*model.ZoneResolution, error)
}

// PromoService evaluates and redeems promo codes.
type PromoService interface {
	Evaluate(ctx context.Context, code string, subtotal, userID int64, now time.Time) (*model.PromoApplication, error)
	Redeem(ctx context.Context, code string, subtotal, userID int64, now time.Time) error
}

// OrderPlacer persists priced orders in the external order store.
type OrderPlacer interface {
	CreateOrder(ctx context.Context, order *model.PricedOrder) (string, error)
}

// Coordinator sequences zone resolution, promo evaluation and order handoff.
type Coordinator struct {
	zones  ZoneResolver
	promos PromoService
	orders OrderPlacer
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator over the given collaborators.
func NewCoordinator(zones ZoneResolver, promos PromoService, orders OrderPlacer, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		zones:  zones,
		promos: promos,
		orders: orders,
		logger: logger,
		now:    time.Now,
	}
}

// Price turns a raw draft into a priced order, or rejects it. No zone means
// no order; zone and promo rejections propagate unchanged. Pure: nothing is
// persisted and no promo usage is consumed.
func (c *Coordinator) Price(ctx context.Context, draft model.OrderPricingDraft) (*model.PricedOrder, error) {
	return c.price(ctx, draft, c.now())
}

func (c *Coordinator) price(ctx context.Context, draft model.OrderPricingDraft, now time.Time) (*model.PricedOrder, error) {
	res, err := c.zones.Resolve(ctx, draft.DropoffLat, draft.DropoffLng)
	if err != nil {
		return nil, err
	}
	zone := res.Zone

	if draft.Subtotal < zone.MinOrder {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimumOrder, draft.Subtotal, zone.MinOrder)
	}

	var discount int64
	var promoID *int64
	if draft.PromoCode != "" {
		app, err := c.promos.Evaluate(ctx, draft.PromoCode, draft.Subtotal, draft.UserID, now)
		if err != nil {
			return nil, err
		}
		discount = app.Discount
		promoID = &app.PromoID
	}

	total := draft.Subtotal - discount + zone.DeliveryFee
	// The discount clamp already keeps subtotal-discount non-negative; the
	// floor is the platform invariant restated.
	if total < zone.DeliveryFee {
		total = zone.DeliveryFee
	}

	return &model.PricedOrder{
		ZoneID:       zone.ID,
		UserID:       draft.UserID,
		Subtotal:     draft.Subtotal,
		Discount:     discount,
		DeliveryFee:  zone.DeliveryFee,
		Total:        total,
		PromoID:      promoID,
		EstimatedMin: zone.EstimatedMin,
		EstimatedMax: zone.EstimatedMax,
	}, nil
}

// Place prices the draft, hands it to the order store, and redeems the promo
// only after the store confirms the order was durably created. A redemption
// failure after that point does not undo the order: the counter discrepancy
// favors the customer and is logged for reconciliation.
func (c *Coordinator) Place(ctx context.Context, draft model.OrderPricingDraft) (*model.PricedOrder, string, error) {
	// One timestamp per placement: the promo is redeemed against the same
	// instant it was priced at.
	now := c.now()

	priced, err := c.price(ctx, draft, now)
	if err != nil {
		return nil, "", err
	}

	orderID, err := c.orders.CreateOrder(ctx, priced)
	if err != nil {
		return nil, "", fmt.Errorf("create order: %w", err)
	}

	if priced.PromoID != nil {
		if err := c.promos.Redeem(ctx, draft.PromoCode, draft.Subtotal, draft.UserID, now); err != nil {
			c.logger.Error("promo redemption failed after order commit",
				zap.String("orderID", orderID),
				zap.Int64("promoID", *priced.PromoID),
				zap.Error(err))
		}
	}

	return priced, orderID, nil
}
