// Package zone implements the delivery-zone registry: geofence resolution and
// administration of the zone set.
package zone

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/addiseats/eligibility/internal/geo"
	"github.com/addiseats/eligibility/internal/model"
)

// ErrInvalidCoordinates is returned for dropoff points outside the WGS84 range.
var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	// ErrOutsideServiceArea is returned when no active geofence covers the point.
	ErrOutsideServiceArea = errors.New("outside service area")
	// ErrInvalidParameters is returned when a zone create/update violates a numeric constraint.
	ErrInvalidParameters = errors.New("invalid zone parameters")
	// ErrDuplicateSubCity is returned when the sub-city is already owned by another zone.
	ErrDuplicateSubCity = errors.New("sub-city already has a zone")
	// ErrZoneNotFound is returned when the zone id does not exist.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrZoneInUse is returned when deleting a zone that orders still reference.
	ErrZoneInUse = errors.New("zone is referenced by orders")
)

const (
	minRadiusKm = 0.5
	maxRadiusKm = 20.0
)

// Store describes the zone persistence contract used by the registry.
type Store interface {
	ListActiveGeofenced(ctx context.Context) ([]model.DeliveryZone, error)
	ListZones(ctx context.Context) ([]model.DeliveryZone, error)
	GetZone(ctx context.Context, id int64) (*model.DeliveryZone, error)
	FindZoneBySubCity(ctx context.Context, subCity string) (*model.DeliveryZone, error)
	CreateZone(ctx context.Context, z *model.DeliveryZone) (int64, error)
	UpdateZone(ctx context.Context, z *model.DeliveryZone) error
	SetZoneActive(ctx context.Context, id int64, active bool) error
	DeleteZone(ctx context.Context, id int64) error
}

// Cache is a best-effort cache of the active geofenced zone list. A miss or
// failure falls through to the store.
type Cache interface {
	ActiveGeofenced(ctx context.Context) ([]model.DeliveryZone, bool)
	StoreActiveGeofenced(ctx context.Context, zones []model.DeliveryZone)
	Invalidate(ctx context.Context)
}

// OrderRef reports whether persisted orders still reference a zone.
type OrderRef interface {
	ZoneReferenced(ctx context.Context, zoneID int64) (bool, error)
}

// Input carries the admin-supplied fields of a zone create or update.
// SubCity is ignored on update.
type Input struct {
	Name         string
	NameAm       string
	SubCity      string
	CenterLat    *float64
	CenterLng    *float64
	RadiusKm     float64
	DeliveryFee  int64
	MinOrder     int64
	EstimatedMin int
	EstimatedMax int
	IsActive     bool
}

// Registry owns the zone set and resolves dropoff points to deliverable zones.
type Registry struct {
	store    Store
	cache    Cache
	orderRef OrderRef
}

// NewRegistry creates a zone registry. cache may be nil.
func NewRegistry(store Store, cache Cache, orderRef OrderRef) *Registry {
	return &Registry{
		store:    store,
		cache:    cache,
		orderRef: orderRef,
	}
}

// Resolve maps a dropoff point to the nearest active geofenced zone whose
// radius covers it. The boundary is inclusive; distance ties break toward the
// lowest zone id so repeated calls are deterministic.
func (r *Registry) Resolve(ctx context.Context, lat, lng float64) (*model.ZoneResolution, error) {
	if !geo.ValidCoordinates(lat, lng) {
		return nil, fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lng)
	}

	zones, err := r.activeGeofenced(ctx)
	if err != nil {
		return nil, err
	}

	var best *model.DeliveryZone
	var bestDistance float64

	for i := range zones {
		z := &zones[i]
		// The store only returns geofenced zones, but a cached list is not
		// trusted to uphold that.
		if !z.Geofenced() {
			continue
		}
		d := geo.Distance(lat, lng, *z.CenterLat, *z.CenterLng)
		if d > z.RadiusKm {
			continue
		}
		if best == nil || d < bestDistance || (d == bestDistance && z.ID < best.ID) {
			best = z
			bestDistance = d
		}
	}

	if best == nil {
		return nil, ErrOutsideServiceArea
	}

	zone := *best
	return &model.ZoneResolution{Zone: &zone, DistanceKm: bestDistance}, nil
}

func (r *Registry) activeGeofenced(ctx context.Context) ([]model.DeliveryZone, error) {
	if r.cache != nil {
		if zones, ok := r.cache.ActiveGeofenced(ctx); ok {
			return zones, nil
		}
	}

	zones, err := r.store.ListActiveGeofenced(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active zones: %w", err)
	}

	if r.cache != nil {
		r.cache.StoreActiveGeofenced(ctx, zones)
	}

	return zones, nil
}

// Create validates the input and registers a new zone. The sub-city must be a
// known Addis Ababa sub-city not yet owned by any zone.
func (r *Registry) Create(ctx context.Context, in Input) (*model.DeliveryZone, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if !model.IsValidSubCity(in.SubCity) {
		return nil, fmt.Errorf("%w: unknown sub-city %q", ErrInvalidParameters, in.SubCity)
	}

	existing, err := r.store.FindZoneBySubCity(ctx, in.SubCity)
	if err != nil && !errors.Is(err, ErrZoneNotFound) {
		return nil, fmt.Errorf("find zone by sub-city: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubCity, in.SubCity)
	}

	z := &model.DeliveryZone{
		Name:         in.Name,
		NameAm:       in.NameAm,
		SubCity:      in.SubCity,
		CenterLat:    in.CenterLat,
		CenterLng:    in.CenterLng,
		RadiusKm:     in.RadiusKm,
		DeliveryFee:  in.DeliveryFee,
		MinOrder:     in.MinOrder,
		EstimatedMin: in.EstimatedMin,
		EstimatedMax: in.EstimatedMax,
		IsActive:     in.IsActive,
	}

	id, err := r.store.CreateZone(ctx, z)
	if err != nil {
		return nil, err
	}
	z.ID = id

	r.invalidate(ctx)
	return z, nil
}

// Update applies the mutable subset of zone fields. SubCity is frozen after
// creation and never written.
func (r *Registry) Update(ctx context.Context, id int64, in Input) (*model.DeliveryZone, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	z, err := r.store.GetZone(ctx, id)
	if err != nil {
		return nil, err
	}

	z.Name = in.Name
	z.NameAm = in.NameAm
	z.CenterLat = in.CenterLat
	z.CenterLng = in.CenterLng
	z.RadiusKm = in.RadiusKm
	z.DeliveryFee = in.DeliveryFee
	z.MinOrder = in.MinOrder
	z.EstimatedMin = in.EstimatedMin
	z.EstimatedMax = in.EstimatedMax
	z.IsActive = in.IsActive

	if err := r.store.UpdateZone(ctx, z); err != nil {
		return nil, err
	}

	r.invalidate(ctx)
	return z, nil
}

// ToggleActive flips the zone's active flag.
func (r *Registry) ToggleActive(ctx context.Context, id int64) (*model.DeliveryZone, error) {
	z, err := r.store.GetZone(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.store.SetZoneActive(ctx, id, !z.IsActive); err != nil {
		return nil, err
	}
	z.IsActive = !z.IsActive

	r.invalidate(ctx)
	return z, nil
}

// Delete removes an unreferenced zone. Zones that persisted orders still point
// at must be deactivated instead.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if _, err := r.store.GetZone(ctx, id); err != nil {
		return err
	}

	referenced, err := r.orderRef.ZoneReferenced(ctx, id)
	if err != nil {
		return fmt.Errorf("check zone references: %w", err)
	}
	if referenced {
		return fmt.Errorf("%w: zone %d", ErrZoneInUse, id)
	}

	if err := r.store.DeleteZone(ctx, id); err != nil {
		return err
	}

	r.invalidate(ctx)
	return nil
}

// List returns all zones, active or not.
func (r *Registry) List(ctx context.Context) ([]model.DeliveryZone, error) {
	return r.store.ListZones(ctx)
}

// UncoveredSubCities returns the sub-cities no zone owns yet, sorted. Orders
// from these areas are rejected, so operators are warned about them.
func (r *Registry) UncoveredSubCities(ctx context.Context) ([]string, error) {
	zones, err := r.store.ListZones(ctx)
	if err != nil {
		return nil, err
	}

	used := make(map[string]bool, len(zones))
	for _, z := range zones {
		used[z.SubCity] = true
	}

	uncovered := make([]string, 0, len(model.SubCityPresets))
	for subCity := range model.SubCityPresets {
		if !used[subCity] {
			uncovered = append(uncovered, subCity)
		}
	}
	sort.Strings(uncovered)

	return uncovered, nil
}

// Summary aggregates zone counts and the average delivery fee.
func (r *Registry) Summary(ctx context.Context) (*model.ZoneSummary, error) {
	zones, err := r.store.ListZones(ctx)
	if err != nil {
		return nil, err
	}

	s := &model.ZoneSummary{Total: len(zones)}
	var feeSum int64
	for i := range zones {
		if zones[i].IsActive {
			s.Active++
		}
		if zones[i].Geofenced() {
			s.Geofenced++
		}
		feeSum += zones[i].DeliveryFee
	}
	if len(zones) > 0 {
		s.AverageFee = feeSum / int64(len(zones))
	}

	return s, nil
}

func (r *Registry) invalidate(ctx context.Context) {
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
}

func validateInput(in Input) error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidParameters)
	}
	if in.RadiusKm < minRadiusKm || in.RadiusKm > maxRadiusKm {
		return fmt.Errorf("%w: radius %.2f km outside [%.1f, %.1f]", ErrInvalidParameters, in.RadiusKm, minRadiusKm, maxRadiusKm)
	}
	if in.DeliveryFee < 0 || in.MinOrder < 0 {
		return fmt.Errorf("%w: negative amounts", ErrInvalidParameters)
	}
	if in.EstimatedMin < 0 || in.EstimatedMax < in.EstimatedMin {
		return fmt.Errorf("%w: estimated time range %d-%d", ErrInvalidParameters, in.EstimatedMin, in.EstimatedMax)
	}
	if (in.CenterLat == nil) != (in.CenterLng == nil) {
		return fmt.Errorf("%w: geofence center requires both coordinates", ErrInvalidParameters)
	}
	if in.CenterLat != nil && !geo.ValidCoordinates(*in.CenterLat, *in.CenterLng) {
		return fmt.Errorf("%w: center (%v, %v) out of range", ErrInvalidParameters, *in.CenterLat, *in.CenterLng)
	}
	return nil
}
