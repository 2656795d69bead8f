package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nexusbiz/internal/models"
)

// EntityClass is a watched table.
type EntityClass string

const (
	ClassOffers       EntityClass = "offers"
	ClassReservations EntityClass = "reservations"
	ClassUsers        EntityClass = "users"
	ClassGroups       EntityClass = "groups"
	ClassParticipants EntityClass = "participants"
)

// AllClasses lists every class the hub knows.
var AllClasses = []EntityClass{ClassOffers, ClassReservations, ClassUsers, ClassGroups, ClassParticipants}

// ChangeType is the kind of row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// FilterKind is the record attribute a subscription filters on.
type FilterKind string

const (
	FilterDistrict FilterKind = "district"
	FilterStoreID  FilterKind = "store_id"
	FilterUserID   FilterKind = "user_id"
	FilterOfferID  FilterKind = "offer_id"
)

// ParseEntityClass accepts class names and the backend's table aliases.
func ParseEntityClass(s string) (EntityClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offers", "offer", "ofertas":
		return ClassOffers, nil
	case "reservations", "reservation", "reservas":
		return ClassReservations, nil
	case "users", "user", "usuarios":
		return ClassUsers, nil
	case "groups", "group", "grupos":
		return ClassGroups, nil
	case "participants", "participant", "group_participants", "participantes":
		return ClassParticipants, nil
	}
	return "", fmt.Errorf("unknown entity class %q", s)
}

func ParseChangeType(s string) (ChangeType, error) {
	switch ct := ChangeType(strings.ToUpper(strings.TrimSpace(s))); ct {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return ct, nil
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

func ParseFilterKind(s string) (FilterKind, error) {
	switch k := FilterKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FilterDistrict, FilterStoreID, FilterUserID, FilterOfferID:
		return k, nil
	}
	return "", fmt.Errorf("unknown filter kind %q", s)
}

// FilterKey is the set key of a filter, "kind:value".
func FilterKey(kind FilterKind, value string) string {
	return string(kind) + ":" + value
}

// ChangeEvent is a raw row change as delivered by the change-event source.
type ChangeEvent struct {
	Class      EntityClass
	Type       ChangeType
	Record     map[string]any
	OldRecord  map[string]any
	ReceivedAt time.Time
}

// row is the record the change is about; deletes only carry the old row.
func (c ChangeEvent) row() map[string]any {
	if len(c.Record) == 0 && len(c.OldRecord) > 0 {
		return c.OldRecord
	}
	return c.Record
}

// Event is a change decoded into its domain type. Exactly one of the entity
// pointers is set, matching Class.
type Event struct {
	Class       EntityClass
	Type        ChangeType
	At          time.Time
	Offer       *models.Offer
	Reservation *models.Reservation
	User        *models.User
	Group       *models.Group
	Participant *models.Participant
}

// GroupID returns the group the event concerns, if any.
func (e Event) GroupID() string {
	switch {
	case e.Group != nil:
		return e.Group.ID
	case e.Participant != nil:
		return e.Participant.GroupID
	}
	return ""
}

// OfferID returns the offer the event concerns, if any.
func (e Event) OfferID() string {
	switch {
	case e.Offer != nil:
		return e.Offer.ID
	case e.Reservation != nil:
		return e.Reservation.OfferID
	case e.Group != nil:
		return e.Group.OfferID
	}
	return ""
}

func decode(c ChangeEvent) (Event, error) {
	ev := Event{Class: c.Class, Type: c.Type, At: c.ReceivedAt}
	data, err := json.Marshal(c.row())
	if err != nil {
		return ev, fmt.Errorf("failed to encode %s record: %w", c.Class, err)
	}

	var target any
	switch c.Class {
	case ClassOffers:
		ev.Offer = &models.Offer{}
		target = ev.Offer
	case ClassReservations:
		ev.Reservation = &models.Reservation{}
		target = ev.Reservation
	case ClassUsers:
		ev.User = &models.User{}
		target = ev.User
	case ClassGroups:
		ev.Group = &models.Group{}
		target = ev.Group
	case ClassParticipants:
		ev.Participant = &models.Participant{}
		target = ev.Participant
	default:
		return ev, fmt.Errorf("unknown entity class %q", c.Class)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return ev, fmt.Errorf("failed to decode %s record: %w", c.Class, err)
	}
	return ev, nil
}

// matches reports whether a record satisfies a "kind:value" filter. Offer and
// user rows carry their own id under "id".
func matches(class EntityClass, key string, record map[string]any) bool {
	kind, value, ok := strings.Cut(key, ":")
	if !ok {
		return false
	}
	if field(record, kind) == value {
		return true
	}
	switch {
	case class == ClassOffers && FilterKind(kind) == FilterOfferID,
		class == ClassUsers && FilterKind(kind) == FilterUserID:
		return field(record, "id") == value
	}
	return false
}

func field(record map[string]any, name string) string {
	v, ok := record[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
