package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTargetSize is the group size used when a record does not carry one.
const DefaultTargetSize = 3

// Group is the consumer-facing aggregation of an offer. CurrentSize is maintained
// by the data source from the active participants' reserved units and is never
// recomputed here.
type Group struct {
	ID           string          `json:"id"`
	OfferID      string          `json:"offer_id"`
	ProductID    string          `json:"product_id"`
	StoreID      string          `json:"store_id"`
	ProductName  string          `json:"product_name"`
	ProductImage string          `json:"product_image,omitempty"`
	StoreName    string          `json:"store_name"`
	District     string          `json:"district,omitempty"`
	CreatorID    string          `json:"creator_id,omitempty"`
	StoreOwnerID string          `json:"store_owner_id,omitempty"`
	Participants []Participant   `json:"participants"`
	CurrentSize  int             `json:"current_size"`
	TargetSize   int             `json:"target_size"`
	Status       GroupStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ValidatedAt  *time.Time      `json:"validated_at,omitempty"`
	NormalPrice  decimal.Decimal `json:"normal_price"`
	GroupPrice   decimal.Decimal `json:"group_price"`
}

// Participant is one user's stake in a group.
type Participant struct {
	ID            string            `json:"id"`
	GroupID       string            `json:"group_id"`
	UserID        string            `json:"user_id"`
	Alias         string            `json:"alias"`
	AvatarURL     string            `json:"avatar_url,omitempty"`
	ReservedUnits int               `json:"reserved_units"`
	JoinedAt      time.Time         `json:"joined_at"`
	Validated     bool              `json:"validated"`
	ValidatedAt   *time.Time        `json:"validated_at,omitempty"`
	Status        ParticipantStatus `json:"status"`
}

// Progress is CurrentSize/TargetSize clamped to [0,1]. A missing or non-positive
// target reads as zero progress.
func (g Group) Progress() float64 {
	if g.TargetSize <= 0 || g.CurrentSize <= 0 {
		return 0
	}
	p := float64(g.CurrentSize) / float64(g.TargetSize)
	if p > 1 {
		return 1
	}
	return p
}

// UnitsNeeded is max(0, TargetSize-CurrentSize).
func (g Group) UnitsNeeded() int {
	return max(0, g.TargetSize-max(0, g.CurrentSize))
}

// CapacityReached reports whether the group has hit its target.
func (g Group) CapacityReached() bool {
	return g.TargetSize > 0 && g.CurrentSize >= g.TargetSize
}

// IsExpired is true once now is past ExpiresAt or the status says so. A group
// without a usable expiry never expires by time.
func (g Group) IsExpired(now time.Time) bool {
	if g.Status == GroupExpired {
		return true
	}
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// TimeRemaining is the time left until ExpiresAt, never negative.
func (g Group) TimeRemaining(now time.Time) time.Duration {
	if g.ExpiresAt.IsZero() {
		return 0
	}
	return max(0, g.ExpiresAt.Sub(now))
}

// ActiveParticipants returns participants that still count towards the group.
func (g Group) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(g.Participants))
	for _, p := range g.Participants {
		if p.Status.Active() {
			active = append(active, p)
		}
	}
	return active
}

// RealParticipantCount counts active participants, leaving out the creator when
// the creator is the store owner. CurrentSize is unaffected.
func (g Group) RealParticipantCount() int {
	ownerCreated := g.CreatorID != "" && g.CreatorID == g.StoreOwnerID
	n := 0
	for _, p := range g.ActiveParticipants() {
		if ownerCreated && p.UserID == g.CreatorID {
			continue
		}
		n++
	}
	return n
}

func (g Group) HasRealParticipants() bool {
	return g.RealParticipantCount() > 0
}

// Participant looks a participant up by id.
func (g Group) Participant(id string) (Participant, bool) {
	for _, p := range g.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// UnmarshalJSON fills defaults for absent fields and tolerates unreadable
// timestamps.
func (g *Group) UnmarshalJSON(data []byte) error {
	type alias Group
	aux := struct {
		*alias
		TargetSize  *int       `json:"target_size"`
		Status      *string    `json:"status"`
		CreatedAt   looseTime  `json:"created_at"`
		ExpiresAt   looseTime  `json:"expires_at"`
		ValidatedAt *looseTime `json:"validated_at"`
	}{alias: (*alias)(g)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	g.TargetSize = DefaultTargetSize
	if aux.TargetSize != nil {
		g.TargetSize = *aux.TargetSize
	}
	g.Status = GroupActive
	if aux.Status != nil {
		g.Status, _ = ParseGroupStatus(*aux.Status)
	}
	g.CreatedAt = aux.CreatedAt.Time
	g.ExpiresAt = aux.ExpiresAt.Time
	g.ValidatedAt = aux.ValidatedAt.ptr()
	if g.Participants == nil {
		g.Participants = []Participant{}
	}
	return nil
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	type alias Participant
	aux := struct {
		*alias
		ReservedUnits *int       `json:"reserved_units"`
		Status        *string    `json:"status"`
		JoinedAt      looseTime  `json:"joined_at"`
		ValidatedAt   *looseTime `json:"validated_at"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	p.ReservedUnits = 1
	if aux.ReservedUnits != nil {
		p.ReservedUnits = *aux.ReservedUnits
	}
	p.Status = ParticipantReserved
	if aux.Status != nil {
		p.Status, _ = ParseParticipantStatus(*aux.Status)
	}
	p.JoinedAt = aux.JoinedAt.Time
	p.ValidatedAt = aux.ValidatedAt.ptr()
	return nil
}
