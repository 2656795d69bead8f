package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nexusbiz/internal/models"
)

func validOffer() models.CreateOfferRequest {
	return models.CreateOfferRequest{
		ProductID:     uuid.New().String(),
		NormalPrice:   decimal.RequireFromString("25.90"),
		GroupPrice:    decimal.RequireFromString("19.90"),
		TargetUnits:   10,
		DurationHours: 24,
	}
}

func TestValidateCreateOffer(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.CreateOfferRequest)
		field  string
	}{
		{"valid", func(r *models.CreateOfferRequest) {}, ""},
		{"no normal price", func(r *models.CreateOfferRequest) { r.NormalPrice = decimal.Zero }, ""},
		{"bad product", func(r *models.CreateOfferRequest) { r.ProductID = "abc" }, "product_id"},
		{"zero target", func(r *models.CreateOfferRequest) { r.TargetUnits = 0 }, "target_units"},
		{"huge target", func(r *models.CreateOfferRequest) { r.TargetUnits = MaxTargetUnits + 1 }, "target_units"},
		{"zero duration", func(r *models.CreateOfferRequest) { r.DurationHours = 0 }, "duration_hours"},
		{"long duration", func(r *models.CreateOfferRequest) { r.DurationHours = MaxDurationHours + 1 }, "duration_hours"},
		{"free", func(r *models.CreateOfferRequest) { r.GroupPrice = decimal.Zero }, "group_price"},
		{"negative normal", func(r *models.CreateOfferRequest) { r.NormalPrice = decimal.NewFromInt(-1) }, "normal_price"},
		{"no discount", func(r *models.CreateOfferRequest) { r.GroupPrice = r.NormalPrice }, "group_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validOffer()
			tt.mutate(&req)
			err := ValidateCreateOffer(req)
			checkField(t, err, tt.field)
		})
	}
}

func TestValidateCreateProduct(t *testing.T) {
	ok := models.CreateProductRequest{Name: "Leche Gloria", NormalPrice: decimal.RequireFromString("4.20")}
	if err := ValidateCreateProduct(ok); err != nil {
		t.Errorf("Expected valid product, got %v", err)
	}

	noName := ok
	noName.Name = "   "
	checkField(t, ValidateCreateProduct(noName), "name")

	longName := ok
	longName.Name = strings.Repeat("a", MaxNameLength+1)
	checkField(t, ValidateCreateProduct(longName), "name")

	free := ok
	free.NormalPrice = decimal.Zero
	checkField(t, ValidateCreateProduct(free), "normal_price")
}

func TestValidateOnboardStore(t *testing.T) {
	ok := models.OnboardStoreRequest{Name: "Bodega", RUC: "20601234567", District: "Lince", Latitude: -12.08, Longitude: -77.03}
	if err := ValidateOnboardStore(ok); err != nil {
		t.Errorf("Expected valid store, got %v", err)
	}

	for _, ruc := range []string{"", "2060123456", "30601234567", "2060123456a"} {
		req := ok
		req.RUC = ruc
		checkField(t, ValidateOnboardStore(req), "ruc")
	}

	noDistrict := ok
	noDistrict.District = ""
	checkField(t, ValidateOnboardStore(noDistrict), "district")

	badLat := ok
	badLat.Latitude = 91
	checkField(t, ValidateOnboardStore(badLat), "latitude")

	badLng := ok
	badLng.Longitude = -181
	checkField(t, ValidateOnboardStore(badLng), "longitude")
}

func TestValidateUnits(t *testing.T) {
	if err := ValidateUnits(1); err != nil {
		t.Errorf("Expected 1 unit to be valid, got %v", err)
	}
	if err := ValidateUnits(0); err == nil {
		t.Error("Expected 0 units to be rejected")
	}
}

func TestValidatePushToken(t *testing.T) {
	if err := ValidatePushToken(models.PushTokenRequest{Token: "tok", Platform: "web"}); err != nil {
		t.Errorf("Expected valid token, got %v", err)
	}
	checkField(t, ValidatePushToken(models.PushTokenRequest{}), "token")
	checkField(t, ValidatePushToken(models.PushTokenRequest{Token: strings.Repeat("x", 513)}), "token")
	checkField(t, ValidatePushToken(models.PushTokenRequest{Token: "tok", Platform: "blackberry"}), "platform")
}

func TestValidateUUID(t *testing.T) {
	if err := ValidateUUID(uuid.New().String(), "id"); err != nil {
		t.Errorf("Expected a v4 UUID to be valid, got %v", err)
	}
	if err := ValidateUUID(strings.ToUpper(uuid.New().String()), "id"); err != nil {
		t.Errorf("Expected upper case to be accepted, got %v", err)
	}
	v7, _ := uuid.NewV7()
	if err := ValidateUUID(v7.String(), "id"); err != nil {
		t.Errorf("Expected a v7 UUID to be valid, got %v", err)
	}
	checkField(t, ValidateUUID("", "id"), "id")
	checkField(t, ValidateUUID("not-a-uuid", "id"), "id")
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  Bodega\x00 Rosa\x07 "); got != "Bodega Rosa" {
		t.Errorf("Expected control characters stripped, got %q", got)
	}
}

func TestValidateTimeString(t *testing.T) {
	ts, err := ValidateTimeString("2025-10-21T10:00:00-05:00")
	if err != nil {
		t.Fatalf("Expected valid time, got %v", err)
	}
	if ts.UTC().Hour() != 15 {
		t.Errorf("Expected 15:00 UTC, got %s", ts.UTC())
	}
	if _, err := ValidateTimeString("21/10/2025"); err == nil {
		t.Error("Expected a non-RFC3339 time to be rejected")
	}
}

func checkField(t *testing.T, err error, field string) {
	t.Helper()
	if field == "" {
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		return
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected a ValidationError on %s, got %v", field, err)
	}
	if verr.Field != field {
		t.Errorf("Expected field %s, got %s", field, verr.Field)
	}
}
