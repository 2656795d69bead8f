// Package eligibility holds the loyalty tier rules that bound how many units a
// user may reserve. Everything here is a pure function of the user's points.
package eligibility

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is a loyalty level derived from points.
type Tier string

const (
	Bronze Tier = "BRONZE"
	Silver Tier = "SILVER"
	Gold   Tier = "GOLD"
)

// Point thresholds at which each tier starts.
const (
	SilverThreshold = 100
	GoldThreshold   = 200
)

// Points awarded by the gamification rules.
const (
	PointsPerValidatedUnit  = 10
	PointsPerCompletedGroup = 5
)

var (
	ErrInvalidUnits = errors.New("units must be at least 1")
	ErrUnitCeiling  = errors.New("reservation exceeds tier unit ceiling")
)

// TierOf maps points onto a tier. Negative points read as zero.
func TierOf(points int) Tier {
	switch {
	case points >= GoldThreshold:
		return Gold
	case points >= SilverThreshold:
		return Silver
	default:
		return Bronze
	}
}

// MaxUnits is the reservation ceiling of a tier. Unknown tiers get the bronze
// ceiling.
func MaxUnits(t Tier) int {
	switch t {
	case Gold:
		return 6
	case Silver:
		return 4
	default:
		return 2
	}
}

// PointsToNextTier returns the next tier and how many points are missing to
// reach it. Gold users get (Gold, 0).
func PointsToNextTier(points int) (Tier, int) {
	points = max(0, points)
	switch TierOf(points) {
	case Bronze:
		return Silver, SilverThreshold - points
	case Silver:
		return Gold, GoldThreshold - points
	default:
		return Gold, 0
	}
}

// CheckReservation verifies that a user holding alreadyHeld units may reserve
// requested more.
func CheckReservation(points, alreadyHeld, requested int) error {
	if requested < 1 {
		return ErrInvalidUnits
	}
	ceiling := MaxUnits(TierOf(points))
	if max(0, alreadyHeld)+requested > ceiling {
		return fmt.Errorf("%w: %s tier allows %d units, %d already held",
			ErrUnitCeiling, TierOf(points), ceiling, alreadyHeld)
	}
	return nil
}

// AwardValidation returns the point total after validating units at pickup,
// plus the completion bonus when the group itself was completed.
func AwardValidation(points, units int, groupCompleted bool) int {
	points = max(0, points) + max(0, units)*PointsPerValidatedUnit
	if groupCompleted {
		points += PointsPerCompletedGroup
	}
	return points
}

var remoteNames = map[Tier]string{
	Bronze: "BRONCE",
	Silver: "PLATA",
	Gold:   "ORO",
}

// RemoteName is the value the backend stores for the tier snapshot.
func (t Tier) RemoteName() string {
	if n, ok := remoteNames[t]; ok {
		return n
	}
	return remoteNames[Bronze]
}

// ParseTier accepts both canonical and remote names. Unknown values read as
// Bronze.
func ParseTier(s string) Tier {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GOLD", "ORO":
		return Gold
	case "SILVER", "PLATA":
		return Silver
	default:
		return Bronze
	}
}

func (t *Tier) UnmarshalText(text []byte) error {
	*t = ParseTier(string(text))
	return nil
}
