package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusbiz/internal/models"
)

var now = time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

func group(current, target int, status models.GroupStatus, expiresAt time.Time, ps ...models.Participant) models.Group {
	return models.Group{
		ID:           "g1",
		OfferID:      "o1",
		CurrentSize:  current,
		TargetSize:   target,
		Status:       status,
		ExpiresAt:    expiresAt,
		Participants: ps,
	}
}

func participant(id, user string, units int, status models.ParticipantStatus) models.Participant {
	return models.Participant{ID: id, GroupID: "g1", UserID: user, ReservedUnits: units, Status: status}
}

func TestEvaluateGroup_StillActive(t *testing.T) {
	g := group(2, 3, models.GroupActive, now.Add(time.Hour),
		participant("p1", "u1", 1, models.ParticipantReserved),
		participant("p2", "u2", 1, models.ParticipantReserved))

	ev := New().EvaluateGroup(g, now)

	assert.False(t, ev.Changed)
	assert.Equal(t, models.GroupActive, ev.To)
	assert.InDelta(t, 0.667, ev.Progress, 0.001)
	assert.Equal(t, 1, ev.UnitsNeeded)
	assert.False(t, ev.Expired)
	assert.Equal(t, time.Hour, ev.TimeRemaining)
	assert.Empty(t, ev.Notices)
}

func TestEvaluateGroup_CompletesRegardlessOfExpiry(t *testing.T) {
	for _, exp := range []time.Time{now.Add(time.Hour), now.Add(-time.Hour), {}} {
		g := group(3, 3, models.GroupActive, exp,
			participant("p1", "u1", 2, models.ParticipantReserved),
			participant("p2", "u2", 1, models.ParticipantReserved),
			participant("p3", "u3", 1, models.ParticipantCancelled))

		ev := New().EvaluateGroup(g, now)

		require.True(t, ev.Changed)
		assert.Equal(t, models.GroupCompleted, ev.To)
		assert.False(t, ev.Expired, "completion takes precedence over expiry")
		assert.Empty(t, ev.ParticipantChanges)
		require.Len(t, ev.Notices, 1)
		assert.Equal(t, NoticeGroupCompleted, ev.Notices[0].Kind)
		assert.ElementsMatch(t, []string{"u1", "u2"}, ev.Notices[0].Recipients)
	}
}

func TestEvaluateGroup_Expires(t *testing.T) {
	g := group(1, 3, models.GroupActive, now.Add(-time.Minute),
		participant("p1", "u1", 1, models.ParticipantReserved),
		participant("p2", "u2", 1, models.ParticipantCancelled))

	ev := New().EvaluateGroup(g, now)

	require.True(t, ev.Changed)
	assert.Equal(t, models.GroupExpired, ev.To)
	assert.True(t, ev.Expired)
	assert.Equal(t, time.Duration(0), ev.TimeRemaining)
	require.Len(t, ev.ParticipantChanges, 1)
	assert.Equal(t, ParticipantChange{ParticipantID: "p1", UserID: "u1", From: models.ParticipantReserved, To: models.ParticipantExpired}, ev.ParticipantChanges[0])
	require.Len(t, ev.Notices, 1)
	assert.Equal(t, NoticeGroupExpired, ev.Notices[0].Kind)
	assert.Equal(t, []string{"u1"}, ev.Notices[0].Recipients)

	applied := Apply(g, ev, now)
	assert.Equal(t, models.GroupExpired, applied.Status)
	assert.Equal(t, models.ParticipantExpired, applied.Participants[0].Status)
	assert.Equal(t, models.ParticipantCancelled, applied.Participants[1].Status)
	assert.Equal(t, 1, applied.CurrentSize)
	assert.Equal(t, models.ParticipantReserved, g.Participants[0].Status, "input snapshot is not mutated")
}

func TestEvaluateGroup_ExpiryGrace(t *testing.T) {
	g := group(1, 3, models.GroupActive, now.Add(-30*time.Second))

	assert.False(t, New(WithExpiryGrace(time.Minute)).EvaluateGroup(g, now).Changed)
	assert.True(t, New().EvaluateGroup(g, now).Changed)
}

func TestEvaluateGroup_MalformedData(t *testing.T) {
	g := group(5, 0, models.GroupActive, time.Time{})

	ev := New().EvaluateGroup(g, now)

	assert.False(t, ev.Changed, "no target and no expiry never transitions")
	assert.Equal(t, 0.0, ev.Progress)
	assert.Equal(t, 0, ev.UnitsNeeded)
	assert.False(t, ev.Expired)
}

func TestEvaluateGroup_Validated(t *testing.T) {
	for _, status := range []models.GroupStatus{models.GroupCompleted, models.GroupPickup} {
		g := group(3, 3, status, now.Add(-time.Hour),
			participant("p1", "u1", 2, models.ParticipantValidated),
			participant("p2", "u2", 1, models.ParticipantValidated),
			participant("p3", "u3", 1, models.ParticipantCancelled))

		ev := New().EvaluateGroup(g, now)

		require.True(t, ev.Changed)
		assert.Equal(t, models.GroupValidated, ev.To)
		require.Len(t, ev.Notices, 1)
		assert.Equal(t, NoticeGroupValidated, ev.Notices[0].Kind)

		applied := Apply(g, ev, now)
		require.NotNil(t, applied.ValidatedAt)
		assert.Equal(t, now, *applied.ValidatedAt)
	}
}

func TestEvaluateGroup_WaitsForAllPickups(t *testing.T) {
	g := group(3, 3, models.GroupPickup, now.Add(-time.Hour),
		participant("p1", "u1", 2, models.ParticipantValidated),
		participant("p2", "u2", 1, models.ParticipantReserved))

	ev := New().EvaluateGroup(g, now)

	assert.False(t, ev.Changed)
	assert.False(t, ev.Expired, "a completed group does not expire")

	empty := group(3, 3, models.GroupCompleted, time.Time{})
	assert.False(t, New().EvaluateGroup(empty, now).Changed)
}

func TestEvaluateGroup_TerminalStatesAbsorb(t *testing.T) {
	for _, status := range []models.GroupStatus{models.GroupExpired, models.GroupValidated} {
		g := group(3, 3, status, now.Add(-time.Hour),
			participant("p1", "u1", 3, models.ParticipantReserved))

		ev := New().EvaluateGroup(g, now)

		assert.False(t, ev.Changed, "%s is absorbing", status)
		assert.Empty(t, ev.Notices)
		assert.Empty(t, ev.ParticipantChanges)
	}
}

func TestEvaluateGroup_RealParticipants(t *testing.T) {
	g := group(3, 3, models.GroupCompleted, time.Time{},
		participant("p1", "owner", 1, models.ParticipantReserved),
		participant("p2", "u2", 2, models.ParticipantReserved))
	g.CreatorID, g.StoreOwnerID = "owner", "owner"

	ev := New().EvaluateGroup(g, now)

	assert.Equal(t, 1, ev.RealParticipants)
}

func TestPickupTransitions(t *testing.T) {
	g := group(3, 3, models.GroupCompleted, time.Time{})

	picked, err := StartPickup(g)
	require.NoError(t, err)
	assert.Equal(t, models.GroupPickup, picked.Status)
	assert.NoError(t, CheckPickup(picked))

	_, err = StartPickup(picked)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, CheckPickup(group(1, 3, models.GroupActive, time.Time{})), ErrInvalidTransition)
}

func TestParticipantTransitions(t *testing.T) {
	p := participant("p1", "u1", 1, models.ParticipantReserved)

	v, err := ValidateParticipant(p, now)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantValidated, v.Status)
	assert.True(t, v.Validated)
	require.NotNil(t, v.ValidatedAt)

	c, err := CancelParticipant(p)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantCancelled, c.Status)

	e, err := ExpireParticipant(p)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantExpired, e.Status)

	for _, terminal := range []models.Participant{v, c, e} {
		_, err := ValidateParticipant(terminal, now)
		assert.ErrorIs(t, err, ErrTerminalParticipant)
		_, err = CancelParticipant(terminal)
		assert.ErrorIs(t, err, ErrTerminalParticipant)
	}
}

func TestEvaluateOffer(t *testing.T) {
	e := New()
	base := models.Offer{ID: "o1", TargetUnits: 10, CreatedAt: now.Add(-2 * time.Hour), DurationHours: 1, Status: models.OfferActive}

	sold := base
	sold.ReservedUnits = 11
	ev := e.EvaluateOffer(sold, now)
	assert.Equal(t, models.OfferCompleted, ev.To)
	assert.Equal(t, 0, ev.UnitsRemaining)
	assert.Equal(t, 1.0, ev.Progress)

	late := base
	late.ReservedUnits = 4
	ev = e.EvaluateOffer(late, now)
	assert.Equal(t, models.OfferExpired, ev.To)
	assert.True(t, ev.Expired)

	fresh := base
	fresh.DurationHours = 24
	ev = e.EvaluateOffer(fresh, now)
	assert.False(t, ev.Changed)
	assert.Equal(t, 22*time.Hour, ev.TimeRemaining)
}
