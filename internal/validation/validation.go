package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"nexusbiz/internal/models"
)

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-8][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	rucRegex  = regexp.MustCompile(`^(10|15|17|20)\d{9}$`)
)

// Offer limits.
const (
	MaxTargetUnits   = 1000
	MaxDurationHours = 7 * 24
	MaxNameLength    = 200
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func ValidateCreateOffer(req models.CreateOfferRequest) error {
	if err := ValidateUUID(req.ProductID, "product_id"); err != nil {
		return err
	}

	if req.TargetUnits < 1 {
		return &ValidationError{
			Field:   "target_units",
			Message: "must be at least 1",
		}
	}

	if req.TargetUnits > MaxTargetUnits {
		return &ValidationError{
			Field:   "target_units",
			Message: fmt.Sprintf("cannot exceed %d", MaxTargetUnits),
		}
	}

	if req.DurationHours < 1 {
		return &ValidationError{
			Field:   "duration_hours",
			Message: "must be at least 1",
		}
	}

	if req.DurationHours > MaxDurationHours {
		return &ValidationError{
			Field:   "duration_hours",
			Message: "offer duration cannot exceed 7 days",
		}
	}

	if !req.GroupPrice.IsPositive() {
		return &ValidationError{
			Field:   "group_price",
			Message: "must be positive",
		}
	}

	if req.NormalPrice.IsNegative() {
		return &ValidationError{
			Field:   "normal_price",
			Message: "must be non-negative",
		}
	}

	if !req.NormalPrice.IsZero() && req.GroupPrice.GreaterThanOrEqual(req.NormalPrice) {
		return &ValidationError{
			Field:   "group_price",
			Message: "must be below normal_price",
		}
	}

	return nil
}

func ValidateCreateProduct(req models.CreateProductRequest) error {
	if err := validateName(req.Name, "name"); err != nil {
		return err
	}

	if !req.NormalPrice.IsPositive() {
		return &ValidationError{
			Field:   "normal_price",
			Message: "must be positive",
		}
	}

	if req.NormalPrice.GreaterThan(decimal.NewFromInt(100_000)) {
		return &ValidationError{
			Field:   "normal_price",
			Message: "exceeds maximum allowed price",
		}
	}

	return nil
}

func ValidateOnboardStore(req models.OnboardStoreRequest) error {
	if err := validateName(req.Name, "name"); err != nil {
		return err
	}

	if err := ValidateRUC(req.RUC); err != nil {
		return err
	}

	if req.District == "" {
		return &ValidationError{
			Field:   "district",
			Message: "is required",
		}
	}

	if req.Latitude < -90 || req.Latitude > 90 {
		return &ValidationError{
			Field:   "latitude",
			Message: "must be between -90 and 90",
		}
	}

	if req.Longitude < -180 || req.Longitude > 180 {
		return &ValidationError{
			Field:   "longitude",
			Message: "must be between -180 and 180",
		}
	}

	return nil
}

// ValidateUnits checks a requested unit count. Tier ceilings are enforced by
// the eligibility rules, not here.
func ValidateUnits(units int) error {
	if units < 1 {
		return &ValidationError{
			Field:   "units",
			Message: "must be at least 1",
		}
	}
	return nil
}

func ValidatePushToken(req models.PushTokenRequest) error {
	if req.Token == "" {
		return &ValidationError{
			Field:   "token",
			Message: "is required",
		}
	}

	if len(req.Token) > 512 {
		return &ValidationError{
			Field:   "token",
			Message: "cannot exceed 512 characters",
		}
	}

	switch req.Platform {
	case "", "ios", "android", "web":
	default:
		return &ValidationError{
			Field:   "platform",
			Message: "must be one of ios, android, web",
		}
	}

	return nil
}

func ValidateRUC(ruc string) error {
	if ruc == "" {
		return &ValidationError{
			Field:   "ruc",
			Message: "is required",
		}
	}

	if !rucRegex.MatchString(SanitizeString(ruc)) {
		return &ValidationError{
			Field:   "ruc",
			Message: "must be an 11-digit RUC",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID",
		}
	}

	return nil
}

func validateName(name, fieldName string) error {
	name = SanitizeString(name)
	if name == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if len(name) > MaxNameLength {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", MaxNameLength),
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
