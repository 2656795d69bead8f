package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"nexusbiz/internal/database"
	"nexusbiz/internal/eligibility"
	"nexusbiz/internal/events"
	"nexusbiz/internal/features"
	"nexusbiz/internal/lifecycle"
	"nexusbiz/internal/metrics"
	"nexusbiz/internal/models"
	"nexusbiz/internal/notify"
	"nexusbiz/internal/tracing"
	"nexusbiz/internal/validation"
)

// GetGroup returns a group and how it evaluates at now. Nothing is persisted;
// an overdue group reads as expired before any writer has caught up.
func (s *Service) GetGroup(ctx context.Context, groupID string, now time.Time) (GroupView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.GetGroup")
	defer span.End()

	if err := validation.ValidateUUID(groupID, "group_id"); err != nil {
		return GroupView{}, err
	}

	g, err := s.db.GetGroup(ctx, groupID)
	if err != nil {
		tracing.Fail(span, err)
		return GroupView{}, err
	}
	return GroupView{Group: g, Evaluation: s.engine.EvaluateGroup(g, now)}, nil
}

// ListUserGroups returns every group the user has a stake in.
func (s *Service) ListUserGroups(ctx context.Context, userID string, now time.Time) ([]GroupView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.ListUserGroups")
	defer span.End()

	groups, err := s.db.ListGroupsForUser(ctx, userID)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	views := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, GroupView{Group: g, Evaluation: s.engine.EvaluateGroup(g, now)})
	}
	return views, nil
}

// EvaluateGroup re-reads a group, evaluates it at now and persists the
// resulting transition together with its side effects.
func (s *Service) EvaluateGroup(ctx context.Context, groupID string, now time.Time) (GroupView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.EvaluateGroup")
	defer span.End()
	span.SetAttributes(tracing.String("group.id", groupID))

	g, err := s.db.GetGroup(ctx, groupID)
	if err != nil {
		tracing.Fail(span, err)
		return GroupView{}, err
	}
	view, err := s.evaluate(ctx, g, now)
	tracing.Fail(span, err)
	return view, err
}

// evaluate applies the engine's decision for a loaded group. A transition lost
// to a concurrent writer is not an error; the winner's state is returned.
func (s *Service) evaluate(ctx context.Context, g models.Group, now time.Time) (GroupView, error) {
	ev := s.engine.EvaluateGroup(g, now)
	if err := s.settleOffer(ctx, g.OfferID, now); err != nil {
		s.logger.Warn().Err(err).Str("offer_id", g.OfferID).Msg("failed to settle offer status")
	}
	if !ev.Changed {
		return GroupView{Group: g, Evaluation: ev}, nil
	}

	next := lifecycle.Apply(g, ev, now)
	t := database.GroupTransition{
		GroupID: g.ID,
		From:    ev.From,
		To:      ev.To,
	}
	if ev.To == models.GroupValidated {
		t.ValidatedAt = next.ValidatedAt
	}
	for _, c := range ev.ParticipantChanges {
		if p, ok := next.Participant(c.ParticipantID); ok {
			t.Participants = append(t.Participants, p)
		}
	}

	if err := s.db.SaveGroupTransition(ctx, t); err != nil {
		if !errors.Is(err, database.ErrConflict) {
			return GroupView{}, fmt.Errorf("failed to save group transition: %w", err)
		}
		s.logger.Debug().Str("group_id", g.ID).Msg("group changed concurrently, re-reading")
		current, err := s.db.GetGroup(ctx, g.ID)
		if err != nil {
			return GroupView{}, err
		}
		return GroupView{Group: current, Evaluation: s.engine.EvaluateGroup(current, now)}, nil
	}

	metrics.GroupTransition(string(ev.From), string(ev.To))
	s.logger.Info().Str("group_id", g.ID).Str("from", string(ev.From)).Str("to", string(ev.To)).
		Int("current_size", g.CurrentSize).Int("target_size", g.TargetSize).Msg("group transition")

	for _, n := range ev.Notices {
		s.notify(notify.FromNotice(n, g)...)
	}

	// Aggregates may have moved with the participant updates.
	if fresh, err := s.db.GetGroup(ctx, g.ID); err == nil {
		next = fresh
	}
	s.publish(ctx, events.ClassGroups, events.ChangeUpdate, next)
	for _, p := range t.Participants {
		s.publish(ctx, events.ClassParticipants, events.ChangeUpdate, p)
	}
	return GroupView{Group: next, Evaluation: ev}, nil
}

// settleOffer persists the offer's own status transition.
func (s *Service) settleOffer(ctx context.Context, offerID string, now time.Time) error {
	if offerID == "" {
		return nil
	}
	o, err := s.db.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	ev := s.engine.EvaluateOffer(o, now)
	if !ev.Changed {
		return nil
	}
	if err := s.db.UpdateOfferStatus(ctx, o.ID, ev.From, ev.To); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil
		}
		return err
	}
	o.Status = ev.To
	s.publish(ctx, events.ClassOffers, events.ChangeUpdate, o)
	return nil
}

// ValidatePickup confirms at the counter that a participant collected their
// units. Only the owner of the group's store may do this. The participant and
// its reservation become VALIDATED, the buyer earns points and the group is
// re-evaluated.
func (s *Service) ValidatePickup(ctx context.Context, ownerID, groupID, participantID string, now time.Time) (GroupView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.ValidatePickup")
	defer span.End()

	g, err := s.db.GetGroup(ctx, groupID)
	if err != nil {
		tracing.Fail(span, err)
		return GroupView{}, err
	}
	store, err := s.db.GetStore(ctx, g.StoreID)
	if err != nil {
		return GroupView{}, err
	}
	if store.OwnerID != ownerID {
		return GroupView{}, fmt.Errorf("%w: only the store owner can validate pickups", ErrForbidden)
	}
	if err := lifecycle.CheckPickup(g); err != nil {
		return GroupView{}, err
	}

	p, ok := g.Participant(participantID)
	if !ok {
		return GroupView{}, fmt.Errorf("participant %s: %w", participantID, database.ErrNotFound)
	}
	validated, err := lifecycle.ValidateParticipant(p, now)
	if err != nil {
		return GroupView{}, err
	}

	if g.Status == models.GroupCompleted {
		if err := s.startPickup(ctx, g); err != nil {
			return GroupView{}, err
		}
	}

	if err := s.db.UpdateParticipant(ctx, validated, p.Status); err != nil {
		tracing.Fail(span, err)
		return GroupView{}, fmt.Errorf("failed to validate participant: %w", err)
	}
	s.publish(ctx, events.ClassParticipants, events.ChangeUpdate, validated)

	if err := s.awardPickup(ctx, g, validated); err != nil {
		// The pickup stands; points can be reconciled later.
		s.logger.Error().Err(err).Str("user_id", validated.UserID).Str("group_id", g.ID).
			Msg("failed to award pickup points")
	}

	return s.EvaluateGroup(ctx, g.ID, now)
}

func (s *Service) startPickup(ctx context.Context, g models.Group) error {
	next, err := lifecycle.StartPickup(g)
	if err != nil {
		return err
	}
	err = s.db.SaveGroupTransition(ctx, database.GroupTransition{GroupID: g.ID, From: g.Status, To: next.Status})
	if err != nil && !errors.Is(err, database.ErrConflict) {
		return fmt.Errorf("failed to start pickup: %w", err)
	}
	if err == nil {
		metrics.GroupTransition(string(g.Status), string(next.Status))
		s.publish(ctx, events.ClassGroups, events.ChangeUpdate, next)
	}
	return nil
}

func (s *Service) awardPickup(ctx context.Context, g models.Group, p models.Participant) error {
	u, err := s.ensureUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	points := eligibility.AwardValidation(u.Points, p.ReservedUnits, true) - u.Points
	savings := g.NormalPrice.Sub(g.GroupPrice)
	if savings.IsNegative() {
		savings = decimal.Zero
	}
	savings = savings.Mul(decimal.NewFromInt(int64(p.ReservedUnits)))

	updated, err := s.db.AddUserPoints(ctx, u.ID, points, savings, true)
	if err != nil {
		return err
	}
	if updated.Tier() != u.Tier() {
		s.logger.Info().Str("user_id", u.ID).Str("from", string(u.Tier())).Str("to", string(updated.Tier())).
			Msg("user reached a new tier")
	}
	s.publish(ctx, events.ClassUsers, events.ChangeUpdate, updated)
	return nil
}

// CancelParticipation withdraws a user's own stake while the group is still
// collecting. The group's size is recomputed by the data source.
func (s *Service) CancelParticipation(ctx context.Context, userID, groupID, participantID string, now time.Time) (GroupView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.CancelParticipation")
	defer span.End()

	g, err := s.db.GetGroup(ctx, groupID)
	if err != nil {
		tracing.Fail(span, err)
		return GroupView{}, err
	}
	p, ok := g.Participant(participantID)
	if !ok {
		return GroupView{}, fmt.Errorf("participant %s: %w", participantID, database.ErrNotFound)
	}
	if p.UserID != userID {
		return GroupView{}, fmt.Errorf("%w: participation belongs to another user", ErrForbidden)
	}
	if g.Status != models.GroupActive || s.engine.EvaluateGroup(g, now).Changed {
		return GroupView{}, fmt.Errorf("%w: group is no longer collecting", lifecycle.ErrInvalidTransition)
	}

	cancelled, err := lifecycle.CancelParticipant(p)
	if err != nil {
		return GroupView{}, err
	}
	if err := s.db.UpdateParticipant(ctx, cancelled, p.Status); err != nil {
		tracing.Fail(span, err)
		return GroupView{}, fmt.Errorf("failed to cancel participation: %w", err)
	}
	s.publish(ctx, events.ClassParticipants, events.ChangeUpdate, cancelled)

	return s.GetGroup(ctx, g.ID, now)
}

// SweepExpired evaluates every active group, persisting the ones whose state
// changed. It returns how many groups moved.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.SweepExpired")
	defer span.End()

	groups, err := s.db.ListActiveGroups(ctx)
	if err != nil {
		tracing.Fail(span, err)
		return 0, fmt.Errorf("failed to list active groups: %w", err)
	}

	moved := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		view, err := s.evaluate(ctx, g, now)
		if err != nil {
			s.logger.Error().Err(err).Str("group_id", g.ID).Msg("failed to evaluate group")
			continue
		}
		if view.Evaluation.Changed {
			moved++
		}
	}
	return moved, nil
}

// RunSweeper calls SweepExpired every interval until ctx ends. Ticks are
// skipped while the expiry_sweeper flag is off.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !s.enabled(features.ExpirySweeper) {
				continue
			}
			moved, err := s.SweepExpired(ctx, now.UTC())
			if err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if moved > 0 {
				s.logger.Info().Int("groups", moved).Msg("expiry sweep moved groups")
			}
		}
	}
}

// HandleChange feeds a change from the data source into the hub.
func (s *Service) HandleChange(ctx context.Context, c events.ChangeEvent) bool {
	return s.hub.Dispatch(ctx, c)
}

// Run re-evaluates the group behind every published change to groups,
// participants, reservations and offers until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	l := s.hub.ListenUnfiltered(events.ClassGroups, events.ClassParticipants, events.ClassReservations, events.ClassOffers)
	defer l.Close()

	for {
		ev, err := l.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		groupID, err := s.groupFor(ctx, ev)
		if err != nil {
			s.logger.Debug().Err(err).Str("class", string(ev.Class)).Msg("change event has no group")
			continue
		}
		if _, err := s.EvaluateGroup(ctx, groupID, time.Now().UTC()); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("group_id", groupID).Msg("failed to re-evaluate group")
		}
	}
}

func (s *Service) groupFor(ctx context.Context, ev events.Event) (string, error) {
	if id := ev.GroupID(); id != "" {
		return id, nil
	}
	offerID := ev.OfferID()
	if offerID == "" {
		return "", database.ErrNotFound
	}
	g, err := s.db.GetGroupByOffer(ctx, offerID)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

// Subscribe adds a change-event filter.
func (s *Service) Subscribe(class, kind, value string) error {
	c, err := events.ParseEntityClass(class)
	if err != nil {
		return &validation.ValidationError{Field: "entity_class", Message: err.Error()}
	}
	k, err := events.ParseFilterKind(kind)
	if err != nil {
		return &validation.ValidationError{Field: "kind", Message: err.Error()}
	}
	value = validation.SanitizeString(value)
	if value == "" {
		return &validation.ValidationError{Field: "value", Message: "is required"}
	}
	s.hub.Subscribe(c, k, value)
	return nil
}

// UnsubscribeAll drops every filter of a class.
func (s *Service) UnsubscribeAll(class string) error {
	c, err := events.ParseEntityClass(class)
	if err != nil {
		return &validation.ValidationError{Field: "entity_class", Message: err.Error()}
	}
	s.hub.UnsubscribeAll(c)
	return nil
}

// Filters lists the active filters of a class.
func (s *Service) Filters(class string) ([]string, error) {
	c, err := events.ParseEntityClass(class)
	if err != nil {
		return nil, &validation.ValidationError{Field: "entity_class", Message: err.Error()}
	}
	return s.hub.Filters(c), nil
}
