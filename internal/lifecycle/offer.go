package lifecycle

import (
	"fmt"
	"time"

	"nexusbiz/internal/models"
)

// OfferEvaluation is the outcome of evaluating an offer at a point in time.
type OfferEvaluation struct {
	OfferID        string             `json:"offer_id"`
	From           models.OfferStatus `json:"from"`
	To             models.OfferStatus `json:"to"`
	Changed        bool               `json:"changed"`
	Progress       float64            `json:"progress"`
	UnitsRemaining int                `json:"units_remaining"`
	Expired        bool               `json:"expired"`
	TimeRemaining  time.Duration      `json:"time_remaining"`
}

// EvaluateOffer applies the same precedence as groups: a sold-out offer
// completes even when evaluated after its expiry.
func (e *Engine) EvaluateOffer(o models.Offer, now time.Time) OfferEvaluation {
	ev := OfferEvaluation{
		OfferID:        o.ID,
		From:           o.Status,
		To:             o.Status,
		Progress:       o.Progress(),
		UnitsRemaining: o.UnitsRemaining(),
	}

	if o.Status == models.OfferActive {
		switch {
		case o.TargetUnits > 0 && o.ReservedUnits >= o.TargetUnits:
			ev.To = models.OfferCompleted
		case e.pastExpiry(o.EffectiveExpiry(), now):
			ev.To = models.OfferExpired
		}
	}

	ev.Changed = ev.To != ev.From
	ev.Expired = ev.To == models.OfferExpired
	if ev.To == models.OfferActive {
		ev.TimeRemaining = o.TimeRemaining(now)
	}
	return ev
}

// ValidateParticipant confirms a participant's pickup.
func ValidateParticipant(p models.Participant, now time.Time) (models.Participant, error) {
	if err := movable(p); err != nil {
		return p, err
	}
	at := now
	p.Status = models.ParticipantValidated
	p.Validated = true
	p.ValidatedAt = &at
	return p, nil
}

// CancelParticipant withdraws a participant. The group's CurrentSize is left to
// the data source to recompute.
func CancelParticipant(p models.Participant) (models.Participant, error) {
	if err := movable(p); err != nil {
		return p, err
	}
	p.Status = models.ParticipantCancelled
	return p, nil
}

// ExpireParticipant releases a reservation whose group ran out of time.
// EvaluateGroup applies it to every participant of an expiring group.
func ExpireParticipant(p models.Participant) (models.Participant, error) {
	if err := movable(p); err != nil {
		return p, err
	}
	p.Status = models.ParticipantExpired
	return p, nil
}

func movable(p models.Participant) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: participant %s is %s", ErrTerminalParticipant, p.ID, p.Status)
	}
	return nil
}
