package models

import "github.com/shopspring/decimal"

// CreateOfferRequest is the request body for publishing a group-buy offer.
type CreateOfferRequest struct {
	ProductID     string          `json:"product_id"`
	NormalPrice   decimal.Decimal `json:"normal_price"`
	GroupPrice    decimal.Decimal `json:"group_price"`
	TargetUnits   int             `json:"target_units"`
	DurationHours int             `json:"duration_hours"`
}

// CreateProductRequest is the request body for adding a product to a store.
type CreateProductRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ImageURL    string          `json:"image_url"`
	Category    string          `json:"category"`
	NormalPrice decimal.Decimal `json:"normal_price"`
}

// ReserveUnitsRequest is the request body for joining an offer's group.
type ReserveUnitsRequest struct {
	Units int `json:"units"`
}

// OnboardStoreRequest is the request body for registering a merchant.
type OnboardStoreRequest struct {
	Name      string  `json:"name"`
	RUC       string  `json:"ruc"`
	Address   string  `json:"address"`
	District  string  `json:"district"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PushTokenRequest registers a device for push notifications.
type PushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// SubscriptionRequest adds a change-event filter.
type SubscriptionRequest struct {
	EntityClass string `json:"entity_class"`
	Kind        string `json:"kind"`
	Value       string `json:"value"`
}

// SubscriptionsResponse lists the active filters of an entity class.
type SubscriptionsResponse struct {
	EntityClass string   `json:"entity_class"`
	Filters     []string `json:"filters"`
}

// ChangeRequest is a raw change event delivered by the backend webhook.
type ChangeRequest struct {
	Table     string         `json:"table"`
	Type      string         `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// ChangeResponse reports whether the change passed the active filters.
type ChangeResponse struct {
	Published bool `json:"published"`
}

// FeatureRequest switches a runtime feature flag.
type FeatureRequest struct {
	Enabled *bool `json:"enabled"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
