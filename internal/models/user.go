package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"nexusbiz/internal/eligibility"
)

// User is a consumer account with its loyalty state.
type User struct {
	ID              string          `json:"id"`
	Email           string          `json:"email,omitempty"`
	DisplayName     string          `json:"display_name"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	District        string          `json:"district,omitempty"`
	Points          int             `json:"points"`
	Badges          []string        `json:"badges"`
	Streak          int             `json:"streak"`
	CompletedGroups int             `json:"completed_groups"`
	TotalSavings    decimal.Decimal `json:"total_savings"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Tier is derived from Points on every call.
func (u User) Tier() eligibility.Tier {
	return eligibility.TierOf(u.Points)
}

func (u User) MaxUnits() int {
	return eligibility.MaxUnits(u.Tier())
}

func (u *User) UnmarshalJSON(data []byte) error {
	type alias User
	aux := struct {
		*alias
		CreatedAt looseTime `json:"created_at"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.CreatedAt = aux.CreatedAt.Time
	if u.Badges == nil {
		u.Badges = []string{}
	}
	return nil
}

// Reservation is a unit-level commitment against an offer. UserTier is the
// user's tier at the time the reservation was made.
type Reservation struct {
	ID          string            `json:"id"`
	OfferID     string            `json:"offer_id"`
	UserID      string            `json:"user_id"`
	UserTier    eligibility.Tier  `json:"user_tier"`
	Units       int               `json:"units"`
	TotalPrice  decimal.Decimal   `json:"total_price"`
	Status      ParticipantStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ValidatedAt *time.Time        `json:"validated_at,omitempty"`
}

func (r *Reservation) UnmarshalJSON(data []byte) error {
	type alias Reservation
	aux := struct {
		*alias
		Units       *int       `json:"units"`
		Status      *string    `json:"status"`
		CreatedAt   looseTime  `json:"created_at"`
		ValidatedAt *looseTime `json:"validated_at"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Units = 1
	if aux.Units != nil {
		r.Units = *aux.Units
	}
	r.Status = ParticipantReserved
	if aux.Status != nil {
		r.Status, _ = ParseParticipantStatus(*aux.Status)
	}
	if r.UserTier == "" {
		r.UserTier = eligibility.Bronze
	}
	r.CreatedAt = aux.CreatedAt.Time
	r.ValidatedAt = aux.ValidatedAt.ptr()
	return nil
}

// Store is a merchant account. RUC, LegalName and LegalAddress come from the
// tax registry at onboarding.
type Store struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	RUC          string    `json:"ruc"`
	LegalName    string    `json:"legal_name,omitempty"`
	LegalAddress string    `json:"legal_address,omitempty"`
	Address      string    `json:"address"`
	District     string    `json:"district"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Plan         StorePlan `json:"plan"`
	Rating       float64   `json:"rating"`
	TotalSales   int       `json:"total_sales"`
	CreatedAt    time.Time `json:"created_at"`
}
