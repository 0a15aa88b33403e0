// Package promo implements promo-code eligibility, discount computation and
// the two-phase evaluate/redeem handshake.
package promo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/addiseats/eligibility/internal/model"
)

// ErrPromoNotFound is returned when no promo matches the code.
var (
	ErrPromoNotFound = errors.New("promo code not found")
	// ErrPromoInactive is returned when the promo's kill switch is off.
	ErrPromoInactive = errors.New("promo code is inactive")
	// ErrPromoNotStarted is returned before the promo's start date.
	ErrPromoNotStarted = errors.New("promo code is not active yet")
	// ErrPromoExpired is returned after the promo's end date.
	ErrPromoExpired = errors.New("promo code has expired")
	// ErrMinOrderNotMet is returned when the subtotal is below the promo threshold.
	ErrMinOrderNotMet = errors.New("order subtotal below promo minimum")
	// ErrPromoExhausted is returned when the global usage cap is reached.
	ErrPromoExhausted = errors.New("promo code usage limit reached")
	// ErrPerUserLimitReached is returned when the user's redemption cap is reached.
	ErrPerUserLimitReached = errors.New("promo code already used by this user")
	// ErrPromoCodeExists is returned when creating a promo with a taken code.
	ErrPromoCodeExists = errors.New("promo code already exists")
	// ErrInvalidPromo is returned when a promo create/update violates a constraint.
	ErrInvalidPromo = errors.New("invalid promo parameters")
)

// redeemRetryDelay spaces the single re-evaluation after a counter conflict.
const redeemRetryDelay = 50 * time.Millisecond

// Store describes the promo persistence contract used by the evaluator.
// RecordRedemption must be a conditional write: it increments the global and
// per-user counters atomically only while both caps still hold, and returns
// ErrPromoExhausted or ErrPerUserLimitReached otherwise.
type Store interface {
	FindPromoByCode(ctx context.Context, code string) (*model.PromoCode, error)
	GetPromo(ctx context.Context, id int64) (*model.PromoCode, error)
	CountUserRedemptions(ctx context.Context, promoID, userID int64) (int, error)
	RecordRedemption(ctx context.Context, promoID, userID int64, maxUses *int64, perUserLimit int) error
	CreatePromo(ctx context.Context, p *model.PromoCode) (int64, error)
	UpdatePromo(ctx context.Context, p *model.PromoCode) error
	SetPromoActive(ctx context.Context, id int64, active bool) error
	ListPromos(ctx context.Context) ([]model.PromoCode, error)
}

// Evaluator validates promo codes against order context and owns the
// redemption counters.
type Evaluator struct {
	store Store
}

// NewEvaluator creates a promo evaluator over the given store.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Normalize canonicalizes a user-supplied code for lookup and storage.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Evaluate checks a code against the order context and computes the discount.
// It is a pure dry run: no counter moves until Redeem.
func (e *Evaluator) Evaluate(ctx context.Context, code string, subtotal, userID int64, now time.Time) (*model.PromoApplication, error) {
	p, err := e.store.FindPromoByCode(ctx, Normalize(code))
	if err != nil {
		return nil, err
	}

	if err := checkEligibility(p, subtotal, now); err != nil {
		return nil, err
	}

	used, err := e.store.CountUserRedemptions(ctx, p.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("count redemptions: %w", err)
	}
	if used >= p.MaxUsesPerUser {
		return nil, ErrPerUserLimitReached
	}

	discount := computeDiscount(p, subtotal)
	return &model.PromoApplication{
		PromoID:    p.ID,
		Discount:   discount,
		FinalTotal: subtotal - discount,
	}, nil
}

// Redeem consumes one use of the code for the user. Eligibility is re-checked
// against current state and the counters move through a single conditional
// write, so two concurrent redemptions cannot both pass a cap. One conflict
// triggers one re-evaluation; a second conflict surfaces the cap error.
func (e *Evaluator) Redeem(ctx context.Context, code string, subtotal, userID int64, now time.Time) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(redeemRetryDelay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := e.store.FindPromoByCode(ctx, Normalize(code))
		if err != nil {
			return err
		}

		if err := checkEligibility(p, subtotal, now); err != nil {
			return err
		}

		err = e.store.RecordRedemption(ctx, p.ID, userID, p.MaxUses, p.MaxUsesPerUser)
		if errors.Is(err, ErrPromoExhausted) || errors.Is(err, ErrPerUserLimitReached) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// checkEligibility runs the non-counter checks shared by Evaluate and Redeem.
func checkEligibility(p *model.PromoCode, subtotal int64, now time.Time) error {
	if !p.IsActive {
		return ErrPromoInactive
	}
	if now.Before(p.StartDate) {
		return ErrPromoNotStarted
	}
	if p.EndDate != nil && now.After(*p.EndDate) {
		return ErrPromoExpired
	}
	if subtotal < p.MinOrder {
		return ErrMinOrderNotMet
	}
	if p.MaxUses != nil && p.UsedCount >= *p.MaxUses {
		return ErrPromoExhausted
	}
	return nil
}

// computeDiscount returns the clamped discount in santim. The result never
// goes negative, never exceeds the subtotal and never exceeds MaxDiscount.
func computeDiscount(p *model.PromoCode, subtotal int64) int64 {
	var raw int64
	switch p.DiscountType {
	case model.DiscountPercentage:
		raw = int64(math.Round(float64(subtotal) * p.DiscountValue / 100))
	case model.DiscountFixed:
		raw = int64(math.Round(p.DiscountValue * 100))
	}

	if raw < 0 {
		return 0
	}
	if raw > subtotal {
		raw = subtotal
	}
	if p.MaxDiscount != nil && raw > *p.MaxDiscount {
		raw = *p.MaxDiscount
	}
	return raw
}

// Input carries the admin-supplied fields of a promo create or update.
// Code and DiscountType are ignored on update.
type Input struct {
	Code           string
	Title          string
	TitleAm        string
	Description    string
	DescriptionAm  string
	DiscountType   model.DiscountType
	DiscountValue  float64
	MinOrder       int64
	MaxDiscount    *int64
	MaxUses        *int64
	MaxUsesPerUser int
	StartDate      time.Time
	EndDate        *time.Time
	IsActive       bool
}

// Create validates the input and registers a new promo with a zero usage
// counter. The code is normalized to uppercase before storage.
func (e *Evaluator) Create(ctx context.Context, in Input) (*model.PromoCode, error) {
	code := Normalize(in.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidPromo)
	}
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidPromo)
	}
	if in.DiscountType != model.DiscountPercentage && in.DiscountType != model.DiscountFixed {
		return nil, fmt.Errorf("%w: unknown discount type %q", ErrInvalidPromo, in.DiscountType)
	}
	if err := validateMutable(in); err != nil {
		return nil, err
	}

	perUser := in.MaxUsesPerUser
	if perUser <= 0 {
		perUser = 1
	}

	p := &model.PromoCode{
		Code:           code,
		Title:          in.Title,
		TitleAm:        in.TitleAm,
		Description:    in.Description,
		DescriptionAm:  in.DescriptionAm,
		DiscountType:   in.DiscountType,
		DiscountValue:  in.DiscountValue,
		MinOrder:       in.MinOrder,
		MaxDiscount:    in.MaxDiscount,
		MaxUses:        in.MaxUses,
		MaxUsesPerUser: perUser,
		IsActive:       in.IsActive,
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
	}

	id, err := e.store.CreatePromo(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id

	return p, nil
}

// Update applies the mutable subset of promo fields. Code, DiscountType and
// UsedCount are frozen: the first two for audit-trail integrity, the counter
// because it only moves through Redeem.
func (e *Evaluator) Update(ctx context.Context, id int64, in Input) (*model.PromoCode, error) {
	if err := validateMutable(in); err != nil {
		return nil, err
	}

	p, err := e.store.GetPromo(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Title = in.Title
	p.TitleAm = in.TitleAm
	p.Description = in.Description
	p.DescriptionAm = in.DescriptionAm
	p.DiscountValue = in.DiscountValue
	p.MinOrder = in.MinOrder
	p.MaxDiscount = in.MaxDiscount
	p.MaxUses = in.MaxUses
	if in.MaxUsesPerUser > 0 {
		p.MaxUsesPerUser = in.MaxUsesPerUser
	}
	p.StartDate = in.StartDate
	p.EndDate = in.EndDate
	p.IsActive = in.IsActive

	if err := validateValueForType(p.DiscountType, p.DiscountValue); err != nil {
		return nil, err
	}

	if err := e.store.UpdatePromo(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// ToggleActive flips the promo's kill switch.
func (e *Evaluator) ToggleActive(ctx context.Context, id int64) (*model.PromoCode, error) {
	p, err := e.store.GetPromo(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetPromoActive(ctx, id, !p.IsActive); err != nil {
		return nil, err
	}
	p.IsActive = !p.IsActive

	return p, nil
}

// List returns all promos.
func (e *Evaluator) List(ctx context.Context) ([]model.PromoCode, error) {
	return e.store.ListPromos(ctx)
}

func validateMutable(in Input) error {
	if in.DiscountValue <= 0 {
		return fmt.Errorf("%w: discount value must be positive", ErrInvalidPromo)
	}
	if in.DiscountType != "" {
		if err := validateValueForType(in.DiscountType, in.DiscountValue); err != nil {
			return err
		}
	}
	if in.MinOrder < 0 {
		return fmt.Errorf("%w: negative min order", ErrInvalidPromo)
	}
	if in.MaxDiscount != nil && *in.MaxDiscount <= 0 {
		return fmt.Errorf("%w: max discount must be positive", ErrInvalidPromo)
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return fmt.Errorf("%w: max uses must be positive", ErrInvalidPromo)
	}
	if in.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidPromo)
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidPromo)
	}
	return nil
}

func validateValueForType(t model.DiscountType, v float64) error {
	if t == model.DiscountPercentage && v > 100 {
		return fmt.Errorf("%w: percentage above 100", ErrInvalidPromo)
	}
	return nil
}
