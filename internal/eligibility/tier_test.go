package eligibility

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOf(t *testing.T) {
	cases := []struct {
		points int
		tier   Tier
		units  int
	}{
		{-5, Bronze, 2},
		{0, Bronze, 2},
		{99, Bronze, 2},
		{100, Silver, 4},
		{150, Silver, 4},
		{199, Silver, 4},
		{200, Gold, 6},
		{10_000, Gold, 6},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.tier, TierOf(tc.points), "points=%d", tc.points)
		assert.Equal(t, tc.units, MaxUnits(TierOf(tc.points)), "points=%d", tc.points)
	}
}

func TestTierOf_Monotonic(t *testing.T) {
	rank := map[Tier]int{Bronze: 0, Silver: 1, Gold: 2}
	prevTier, prevUnits := TierOf(-1), MaxUnits(TierOf(-1))
	for p := 0; p <= 400; p++ {
		tier := TierOf(p)
		units := MaxUnits(tier)
		require.GreaterOrEqual(t, rank[tier], rank[prevTier], "tier dropped at %d points", p)
		require.GreaterOrEqual(t, units, prevUnits, "ceiling dropped at %d points", p)
		prevTier, prevUnits = tier, units
	}
}

func TestPointsToNextTier(t *testing.T) {
	next, missing := PointsToNextTier(40)
	assert.Equal(t, Silver, next)
	assert.Equal(t, 60, missing)

	next, missing = PointsToNextTier(150)
	assert.Equal(t, Gold, next)
	assert.Equal(t, 50, missing)

	next, missing = PointsToNextTier(250)
	assert.Equal(t, Gold, next)
	assert.Equal(t, 0, missing)
}

func TestCheckReservation(t *testing.T) {
	assert.NoError(t, CheckReservation(0, 0, 2))
	assert.ErrorIs(t, CheckReservation(0, 1, 2), ErrUnitCeiling)
	assert.ErrorIs(t, CheckReservation(0, 0, 0), ErrInvalidUnits)
	assert.NoError(t, CheckReservation(150, 2, 2))
	assert.NoError(t, CheckReservation(200, 0, 6))

	err := CheckReservation(200, 3, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnitCeiling))
	assert.Contains(t, err.Error(), "GOLD tier allows 6 units")
}

func TestAwardValidation(t *testing.T) {
	assert.Equal(t, 20, AwardValidation(0, 2, false))
	assert.Equal(t, 125, AwardValidation(100, 2, true))
	assert.Equal(t, Silver, TierOf(AwardValidation(90, 1, false)))
}

func TestTierNames(t *testing.T) {
	assert.Equal(t, "PLATA", Silver.RemoteName())
	assert.Equal(t, "ORO", Gold.RemoteName())
	assert.Equal(t, "BRONCE", Tier("???").RemoteName())

	assert.Equal(t, Gold, ParseTier("oro"))
	assert.Equal(t, Silver, ParseTier("SILVER"))
	assert.Equal(t, Bronze, ParseTier("unknown"))
}
