// Package notify turns lifecycle notices into push notifications and delivers
// them in the background.
package notify

import (
	"fmt"

	"nexusbiz/internal/lifecycle"
	"nexusbiz/internal/models"
)

// Type values carried in the "type" data key.
const (
	TypeGroupCompleted     = string(lifecycle.NoticeGroupCompleted)
	TypeGroupExpired       = string(lifecycle.NoticeGroupExpired)
	TypeGroupValidated     = string(lifecycle.NoticeGroupValidated)
	TypeReservationCreated = "reservation_created"
)

// Notification is one push message addressed to one user.
type Notification struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data"`
}

// Type returns the notification type from its data.
func (n Notification) Type() string {
	return n.Data["type"]
}

// key identifies a notification for de-duplication. Group notices are sent
// once per user and group; reservation confirmations once per reservation.
func (n Notification) key() string {
	k := fmt.Sprintf("notify:%s:%s:%s", n.Type(), n.Data["group_id"], n.UserID)
	if id := n.Data["reservation_id"]; id != "" {
		k += ":" + id
	}
	return k
}

// FromNotice builds one notification per recipient of a lifecycle notice.
func FromNotice(n lifecycle.Notice, g models.Group) []Notification {
	product := g.ProductName
	if product == "" {
		product = "your group"
	}

	var title, body string
	switch n.Kind {
	case lifecycle.NoticeGroupCompleted:
		title = "Group completed"
		body = fmt.Sprintf("The group for %s is complete. Pick up your units at %s.", product, storeName(g))
	case lifecycle.NoticeGroupExpired:
		title = "Group expired"
		body = fmt.Sprintf("The group for %s expired before reaching %d units. Your reservation was released.", product, g.TargetSize)
	case lifecycle.NoticeGroupValidated:
		title = "Pickup complete"
		body = fmt.Sprintf("Every unit of %s has been picked up. Thanks for buying together!", product)
	default:
		return nil
	}

	out := make([]Notification, 0, len(n.Recipients))
	for _, userID := range n.Recipients {
		out = append(out, Notification{
			UserID: userID,
			Title:  title,
			Body:   body,
			Data: map[string]string{
				"type":     string(n.Kind),
				"offer_id": n.OfferID,
				"group_id": n.GroupID,
			},
		})
	}
	return out
}

// ReservationCreated confirms a reservation to the user who made it.
func ReservationCreated(r models.Reservation, g models.Group) Notification {
	return Notification{
		UserID: r.UserID,
		Title:  "Reservation confirmed",
		Body: fmt.Sprintf("You reserved %d unit(s). %d more needed to complete the group.",
			r.Units, g.UnitsNeeded()),
		Data: map[string]string{
			"type":           TypeReservationCreated,
			"offer_id":       r.OfferID,
			"group_id":       g.ID,
			"reservation_id": r.ID,
		},
	}
}

func storeName(g models.Group) string {
	if g.StoreName == "" {
		return "the store"
	}
	return g.StoreName
}
