package models

import "strings"

// GroupStatus is the lifecycle state of a reservation group.
type GroupStatus string

const (
	GroupActive    GroupStatus = "ACTIVE"
	GroupCompleted GroupStatus = "COMPLETED"
	GroupExpired   GroupStatus = "EXPIRED"
	GroupPickup    GroupStatus = "PICKUP"
	GroupValidated GroupStatus = "VALIDATED"
)

// ParticipantStatus is the state of a participant's stake in a group. Reservations
// share the same state machine.
type ParticipantStatus string

const (
	ParticipantReserved  ParticipantStatus = "RESERVED"
	ParticipantValidated ParticipantStatus = "VALIDATED"
	ParticipantExpired   ParticipantStatus = "EXPIRED"
	ParticipantCancelled ParticipantStatus = "CANCELLED"
)

// OfferStatus is the state of a store's group-buy listing.
type OfferStatus string

const (
	OfferActive    OfferStatus = "ACTIVE"
	OfferCompleted OfferStatus = "COMPLETED"
	OfferExpired   OfferStatus = "EXPIRED"
)

// StorePlan is the subscription plan of a merchant account.
type StorePlan string

const (
	PlanFree StorePlan = "FREE"
	PlanPro  StorePlan = "PRO"
)

// Remote rows may carry lowercase or Spanish status values; both map onto the
// canonical constants here.
var (
	groupStatusAliases = map[string]GroupStatus{
		"ACTIVE":     GroupActive,
		"ACTIVO":     GroupActive,
		"COMPLETED":  GroupCompleted,
		"COMPLETADO": GroupCompleted,
		"EXPIRED":    GroupExpired,
		"EXPIRADO":   GroupExpired,
		"PICKUP":     GroupPickup,
		"RETIRO":     GroupPickup,
		"VALIDATED":  GroupValidated,
		"VALIDADO":   GroupValidated,
	}
	participantStatusAliases = map[string]ParticipantStatus{
		"RESERVED":  ParticipantReserved,
		"RESERVADO": ParticipantReserved,
		"VALIDATED": ParticipantValidated,
		"VALIDADO":  ParticipantValidated,
		"EXPIRED":   ParticipantExpired,
		"EXPIRADO":  ParticipantExpired,
		"CANCELLED": ParticipantCancelled,
		"CANCELED":  ParticipantCancelled,
		"CANCELADO": ParticipantCancelled,
	}
	offerStatusAliases = map[string]OfferStatus{
		"ACTIVE":     OfferActive,
		"ACTIVO":     OfferActive,
		"COMPLETED":  OfferCompleted,
		"COMPLETADO": OfferCompleted,
		"EXPIRED":    OfferExpired,
		"EXPIRADO":   OfferExpired,
	}
)

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseGroupStatus maps a stored value onto a GroupStatus. Unknown values fall
// back to ACTIVE and report ok=false.
func ParseGroupStatus(s string) (GroupStatus, bool) {
	if st, ok := groupStatusAliases[normalize(s)]; ok {
		return st, true
	}
	return GroupActive, false
}

// ParseParticipantStatus maps a stored value onto a ParticipantStatus. Unknown
// values fall back to RESERVED.
func ParseParticipantStatus(s string) (ParticipantStatus, bool) {
	if st, ok := participantStatusAliases[normalize(s)]; ok {
		return st, true
	}
	return ParticipantReserved, false
}

// ParseOfferStatus maps a stored value onto an OfferStatus. Unknown values fall
// back to ACTIVE.
func ParseOfferStatus(s string) (OfferStatus, bool) {
	if st, ok := offerStatusAliases[normalize(s)]; ok {
		return st, true
	}
	return OfferActive, false
}

// ParseStorePlan maps a stored value onto a StorePlan, defaulting to FREE.
func ParseStorePlan(s string) StorePlan {
	if normalize(s) == string(PlanPro) {
		return PlanPro
	}
	return PlanFree
}

func (s *GroupStatus) UnmarshalText(text []byte) error {
	*s, _ = ParseGroupStatus(string(text))
	return nil
}

func (s *ParticipantStatus) UnmarshalText(text []byte) error {
	*s, _ = ParseParticipantStatus(string(text))
	return nil
}

func (s *OfferStatus) UnmarshalText(text []byte) error {
	*s, _ = ParseOfferStatus(string(text))
	return nil
}

func (p *StorePlan) UnmarshalText(text []byte) error {
	*p = ParseStorePlan(string(text))
	return nil
}

// Terminal reports whether no further transition is possible from s.
func (s GroupStatus) Terminal() bool {
	return s == GroupExpired || s == GroupValidated
}

// Terminal reports whether the participant can no longer change state.
func (s ParticipantStatus) Terminal() bool {
	return s != ParticipantReserved
}

// Active reports whether the participant still counts towards the group.
func (s ParticipantStatus) Active() bool {
	return s == ParticipantReserved || s == ParticipantValidated
}
