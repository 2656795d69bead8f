package handler

import (
	"net/http"

	"nexusbiz/internal/auth"
	"nexusbiz/internal/events"
	"nexusbiz/internal/models"
	"nexusbiz/internal/validation"
)

// OnboardStore handles POST /stores
func (h *Handler) OnboardStore(w http.ResponseWriter, r *http.Request) {
	var req models.OnboardStoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID, _ := auth.UserID(r.Context())
	store, err := h.service.OnboardStore(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, store)
}

// CreateProduct handles POST /stores/{store_id}/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID, _ := auth.UserID(r.Context())
	product, err := h.service.CreateProduct(r.Context(), userID, param(r, "store_id"), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, product)
}

// UserTier handles GET /users/{user_id}/tier
func (h *Handler) UserTier(w http.ResponseWriter, r *http.Request) {
	userID := param(r, "user_id")
	if userID == "me" {
		userID, _ = auth.UserID(r.Context())
	}
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	tier, err := h.service.UserTier(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, tier)
}

// ListMyGroups handles GET /users/me/groups
func (h *Handler) ListMyGroups(w http.ResponseWriter, r *http.Request) {
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	userID, _ := auth.UserID(r.Context())
	groups, err := h.service.ListUserGroups(r.Context(), userID, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, groups)
}

// RegisterPushToken handles POST /users/me/push-tokens
func (h *Handler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req models.PushTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID, _ := auth.UserID(r.Context())
	if err := h.service.RegisterPushToken(r.Context(), userID, req); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subscribe handles POST /subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req models.SubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.Subscribe(req.EntityClass, req.Kind, req.Value); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondFilters(w, http.StatusCreated, req.EntityClass)
}

// Filters handles GET /subscriptions/{entity_class}
func (h *Handler) Filters(w http.ResponseWriter, r *http.Request) {
	h.respondFilters(w, http.StatusOK, param(r, "entity_class"))
}

// UnsubscribeAll handles DELETE /subscriptions/{entity_class}
func (h *Handler) UnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	class := param(r, "entity_class")
	if err := h.service.UnsubscribeAll(class); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondFilters(w, http.StatusOK, class)
}

func (h *Handler) respondFilters(w http.ResponseWriter, status int, class string) {
	c, err := events.ParseEntityClass(class)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filters, err := h.service.Filters(string(c))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, status, models.SubscriptionsResponse{EntityClass: string(c), Filters: filters})
}

// HandleChange handles POST /changes, the webhook form of the change feed.
func (h *Handler) HandleChange(w http.ResponseWriter, r *http.Request) {
	var req models.ChangeRequest
	if !h.decode(w, r, &req) {
		return
	}

	class, err := events.ParseEntityClass(validation.SanitizeString(req.Table))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := events.ParseChangeType(validation.SanitizeString(req.Type))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Record) == 0 && len(req.OldRecord) == 0 {
		h.respondError(w, http.StatusBadRequest, "record is required")
		return
	}

	published := h.service.HandleChange(r.Context(), events.ChangeEvent{
		Class:     class,
		Type:      change,
		Record:    req.Record,
		OldRecord: req.OldRecord,
	})
	h.respondJSON(w, http.StatusAccepted, models.ChangeResponse{Published: published})
}

// Features handles GET /features
func (h *Handler) Features(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.FeatureFlags())
}

// SetFeature handles PUT /features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	var req models.FeatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	flag, err := h.service.SetFeature(param(r, "name"), *req.Enabled)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, flag)
}
