// Package lifecycle evaluates reservation groups and offers against the clock.
//
// The engine never mutates counters. It reads a snapshot whose aggregates
// (CurrentSize, ReservedUnits) come from the data source, and returns the state
// the snapshot should be in together with the side effects of getting there.
// Callers persist the status change and deliver the notices.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"nexusbiz/internal/models"
)

var (
	ErrInvalidTransition   = errors.New("invalid group transition")
	ErrTerminalParticipant = errors.New("participant is in a terminal state")
)

// NoticeKind identifies a user-facing lifecycle notification.
type NoticeKind string

const (
	NoticeGroupCompleted NoticeKind = "group_completed"
	NoticeGroupExpired   NoticeKind = "group_expired"
	NoticeGroupValidated NoticeKind = "group_validated"
)

// Notice is a notification the transition should raise.
type Notice struct {
	Kind       NoticeKind
	GroupID    string
	OfferID    string
	Recipients []string
}

// ParticipantChange records a participant moved as a side effect of a group
// transition.
type ParticipantChange struct {
	ParticipantID string
	UserID        string
	From          models.ParticipantStatus
	To            models.ParticipantStatus
}

// Evaluation is the outcome of evaluating a group at a point in time.
type Evaluation struct {
	GroupID            string              `json:"group_id"`
	From               models.GroupStatus  `json:"from"`
	To                 models.GroupStatus  `json:"to"`
	Changed            bool                `json:"changed"`
	Progress           float64             `json:"progress"`
	UnitsNeeded        int                 `json:"units_needed"`
	Expired            bool                `json:"expired"`
	TimeRemaining      time.Duration       `json:"time_remaining"`
	RealParticipants   int                 `json:"real_participants"`
	ParticipantChanges []ParticipantChange `json:"-"`
	Notices            []Notice            `json:"-"`
}

// Engine evaluates lifecycle transitions.
type Engine struct {
	expiryGrace time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithExpiryGrace delays time-based expiry by d to absorb clock skew between
// the data source and this process.
func WithExpiryGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.expiryGrace = d
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) pastExpiry(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt.Add(e.expiryGrace))
}

// EvaluateGroup decides the state g should be in at now. Capacity is checked
// before expiry, so a full group evaluated late still completes.
func (e *Engine) EvaluateGroup(g models.Group, now time.Time) Evaluation {
	ev := Evaluation{
		GroupID:          g.ID,
		From:             g.Status,
		To:               g.Status,
		Progress:         g.Progress(),
		UnitsNeeded:      g.UnitsNeeded(),
		RealParticipants: g.RealParticipantCount(),
	}

	switch g.Status {
	case models.GroupActive:
		switch {
		case g.CapacityReached():
			ev.To = models.GroupCompleted
			ev.Notices = append(ev.Notices, notice(NoticeGroupCompleted, g, recipients(g.ActiveParticipants())))
		case e.pastExpiry(g.ExpiresAt, now):
			ev.To = models.GroupExpired
			var expired []models.Participant
			for _, p := range g.Participants {
				moved, err := ExpireParticipant(p)
				if err != nil {
					continue
				}
				ev.ParticipantChanges = append(ev.ParticipantChanges, ParticipantChange{
					ParticipantID: p.ID,
					UserID:        p.UserID,
					From:          p.Status,
					To:            moved.Status,
				})
				expired = append(expired, p)
			}
			ev.Notices = append(ev.Notices, notice(NoticeGroupExpired, g, recipients(expired)))
		}
	case models.GroupCompleted, models.GroupPickup:
		active := g.ActiveParticipants()
		if len(active) > 0 && allValidated(active) {
			ev.To = models.GroupValidated
			ev.Notices = append(ev.Notices, notice(NoticeGroupValidated, g, recipients(active)))
		}
	}

	ev.Changed = ev.To != ev.From
	ev.Expired = ev.To == models.GroupExpired
	if ev.To == models.GroupActive {
		ev.TimeRemaining = g.TimeRemaining(now)
	}
	return ev
}

// Apply returns g with the evaluation's status and participant changes applied.
// Counters are left as they were read.
func Apply(g models.Group, ev Evaluation, now time.Time) models.Group {
	g.Status = ev.To
	if ev.To == models.GroupValidated && ev.Changed {
		at := now
		g.ValidatedAt = &at
	}
	if len(ev.ParticipantChanges) == 0 {
		return g
	}

	to := make(map[string]models.ParticipantStatus, len(ev.ParticipantChanges))
	for _, c := range ev.ParticipantChanges {
		to[c.ParticipantID] = c.To
	}
	participants := make([]models.Participant, len(g.Participants))
	for i, p := range g.Participants {
		if st, ok := to[p.ID]; ok {
			p.Status = st
		}
		participants[i] = p
	}
	g.Participants = participants
	return g
}

// StartPickup opens the pickup phase of a completed group.
func StartPickup(g models.Group) (models.Group, error) {
	if g.Status != models.GroupCompleted {
		return g, fmt.Errorf("%w: cannot start pickup from %s", ErrInvalidTransition, g.Status)
	}
	g.Status = models.GroupPickup
	return g, nil
}

// CheckPickup reports whether units of g can be validated at the counter.
func CheckPickup(g models.Group) error {
	if g.Status != models.GroupCompleted && g.Status != models.GroupPickup {
		return fmt.Errorf("%w: group is %s, pickup needs COMPLETED or PICKUP", ErrInvalidTransition, g.Status)
	}
	return nil
}

func notice(kind NoticeKind, g models.Group, to []string) Notice {
	return Notice{Kind: kind, GroupID: g.ID, OfferID: g.OfferID, Recipients: to}
}

func recipients(ps []models.Participant) []string {
	seen := make(map[string]struct{}, len(ps))
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.UserID == "" {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p.UserID)
	}
	return out
}

func allValidated(ps []models.Participant) bool {
	for _, p := range ps {
		if p.Status != models.ParticipantValidated {
			return false
		}
	}
	return true
}
