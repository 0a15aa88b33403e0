// Package model contains the domain entities of the delivery eligibility service.
package model

import "time"

// Currency amounts are stored in santim (1/100 ETB) as int64 and converted to
// ETB floats only at the HTTP edge.

// DeliveryZone describes a circular geofenced delivery area bound to one
// Addis Ababa sub-city.
type DeliveryZone struct {
	ID           int64
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
	CreatedAt    time.Time
}

// Geofenced reports whether the zone has a usable geofence center.
func (z *DeliveryZone) Geofenced() bool {
	return z.CenterLat != nil && z.CenterLng != nil
}

// DiscountType distinguishes percentage promos from fixed-amount promos.
type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

// PromoCode describes a promotional discount code. Code and DiscountType are
// frozen after creation; UsedCount only moves through redemption.
type PromoCode struct {
	ID             int64
	Code           string
	Title          string
	TitleAm        string
	Description    string
	DescriptionAm  string
	DiscountType   DiscountType
	DiscountValue  float64 // percent for PERCENTAGE, ETB for FIXED
	MinOrder       int64
	MaxDiscount    *int64
	MaxUses        *int64
	MaxUsesPerUser int
	UsedCount      int64
	IsActive       bool
	StartDate      time.Time
	EndDate        *time.Time
	CreatedAt      time.Time
}

// OrderPricingDraft is the raw input of one pricing attempt.
type OrderPricingDraft struct {
	DropoffLat float64
	DropoffLng float64
	Subtotal   int64
	PromoCode  string
	UserID     int64
}

// ZoneResolution is the outcome of resolving a dropoff point to a zone.
type ZoneResolution struct {
	Zone       *DeliveryZone
	DistanceKm float64
}

// PromoApplication is the outcome of a dry-run promo evaluation.
type PromoApplication struct {
	PromoID    int64
	Discount   int64
	FinalTotal int64
}

// PricedOrder is the fully priced order draft handed to the order store.
type PricedOrder struct {
	ZoneID       int64
	UserID       int64
	Subtotal     int64
	Discount     int64
	DeliveryFee  int64
	Total        int64
	PromoID      *int64
	EstimatedMin int
	EstimatedMax int
}

// ZoneSummary aggregates zone counts for the admin dashboard.
type ZoneSummary struct {
	Total      int
	Active     int
	Geofenced  int
	AverageFee int64
}

// SubCityPreset holds the default geofence for one administrative sub-city.
type SubCityPreset struct {
	Lat      float64
	Lng      float64
	RadiusKm float64
}

// SubCityPresets lists the Addis Ababa sub-cities with their center
// coordinates and default geofence radii. The key set is the closed
// enumeration of valid SubCity values.
var SubCityPresets = map[string]SubCityPreset{
	"Bole":             {Lat: 8.9806, Lng: 38.7578, RadiusKm: 4.0},
	"Kirkos":           {Lat: 9.0084, Lng: 38.7500, RadiusKm: 2.5},
	"Arada":            {Lat: 9.0350, Lng: 38.7468, RadiusKm: 2.0},
	"Addis Ketema":     {Lat: 9.0300, Lng: 38.7350, RadiusKm: 2.0},
	"Lideta":           {Lat: 9.0150, Lng: 38.7300, RadiusKm: 2.0},
	"Kolfe Keranio":    {Lat: 9.0200, Lng: 38.7100, RadiusKm: 4.5},
	"Gulele":           {Lat: 9.0600, Lng: 38.7350, RadiusKm: 3.5},
	"Yeka":             {Lat: 9.0400, Lng: 38.7800, RadiusKm: 4.0},
	"Nifas Silk-Lafto": {Lat: 8.9600, Lng: 38.7200, RadiusKm: 4.0},
	"Akaki Kality":     {Lat: 8.8900, Lng: 38.7400, RadiusKm: 5.0},
	"Lemi Kura":        {Lat: 8.9200, Lng: 38.8100, RadiusKm: 3.5},
}

// IsValidSubCity reports whether the key belongs to the sub-city enumeration.
func IsValidSubCity(subCity string) bool {
	_, ok := SubCityPresets[subCity]
	return ok
}
