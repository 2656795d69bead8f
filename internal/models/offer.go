package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Offer is a store's time-boxed group-buy listing. ReservedUnits and
// ValidatedUnits are aggregates owned by the data source.
type Offer struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	StoreID        string          `json:"store_id"`
	ProductName    string          `json:"product_name,omitempty"`
	District       string          `json:"district,omitempty"`
	NormalPrice    decimal.Decimal `json:"normal_price"`
	GroupPrice     decimal.Decimal `json:"group_price"`
	TargetUnits    int             `json:"target_units"`
	ReservedUnits  int             `json:"reserved_units"`
	ValidatedUnits int             `json:"validated_units"`
	CreatedAt      time.Time       `json:"created_at"`
	DurationHours  int             `json:"duration_hours"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         OfferStatus     `json:"status"`
}

// EffectiveExpiry is ExpiresAt, or CreatedAt plus the duration when the record
// has no explicit expiry. Zero when neither is known.
func (o Offer) EffectiveExpiry() time.Time {
	if !o.ExpiresAt.IsZero() {
		return o.ExpiresAt
	}
	if o.CreatedAt.IsZero() || o.DurationHours <= 0 {
		return time.Time{}
	}
	return o.CreatedAt.Add(time.Duration(o.DurationHours) * time.Hour)
}

func (o Offer) Progress() float64 {
	if o.TargetUnits <= 0 || o.ReservedUnits <= 0 {
		return 0
	}
	return min(1, float64(o.ReservedUnits)/float64(o.TargetUnits))
}

// UnitsRemaining is how many units can still be reserved. Reserved units may
// exceed the target when writers don't clamp; this never goes negative.
func (o Offer) UnitsRemaining() int {
	return max(0, o.TargetUnits-max(0, o.ReservedUnits))
}

func (o Offer) IsExpired(now time.Time) bool {
	if o.Status == OfferExpired {
		return true
	}
	exp := o.EffectiveExpiry()
	return !exp.IsZero() && now.After(exp)
}

func (o Offer) TimeRemaining(now time.Time) time.Duration {
	exp := o.EffectiveExpiry()
	if exp.IsZero() {
		return 0
	}
	return max(0, exp.Sub(now))
}

// SavingsPerUnit is NormalPrice-GroupPrice, floored at zero.
func (o Offer) SavingsPerUnit() decimal.Decimal {
	s := o.NormalPrice.Sub(o.GroupPrice)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}

// DiscountPercent is the whole-number discount of the group price.
func (o Offer) DiscountPercent() int {
	if !o.NormalPrice.IsPositive() {
		return 0
	}
	return int(o.SavingsPerUnit().Div(o.NormalPrice).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

func (o *Offer) UnmarshalJSON(data []byte) error {
	type alias Offer
	aux := struct {
		*alias
		Status    *string   `json:"status"`
		CreatedAt looseTime `json:"created_at"`
		ExpiresAt looseTime `json:"expires_at"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	o.Status = OfferActive
	if aux.Status != nil {
		o.Status, _ = ParseOfferStatus(*aux.Status)
	}
	o.CreatedAt = aux.CreatedAt.Time
	o.ExpiresAt = aux.ExpiresAt.Time
	return nil
}

// Product is an item a store sells.
type Product struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"store_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	Category    string          `json:"category,omitempty"`
	NormalPrice decimal.Decimal `json:"normal_price"`
	CreatedAt   time.Time       `json:"created_at"`
}
