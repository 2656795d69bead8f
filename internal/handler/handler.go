package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"nexusbiz/internal/auth"
	"nexusbiz/internal/database"
	"nexusbiz/internal/eligibility"
	"nexusbiz/internal/lifecycle"
	"nexusbiz/internal/models"
	"nexusbiz/internal/registry"
	"nexusbiz/internal/service"
	"nexusbiz/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service       *service.Service
	maxBodySize   int64
	webhookSecret string
	logger        zerolog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// WebhookSecret authenticates the change webhook and flag updates through
	// the X-Webhook-Secret header.
	WebhookSecret string
	Logger        zerolog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20,
		Logger:      zerolog.Nop(),
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	return &Handler{
		service:       svc,
		maxBodySize:   opts.MaxBodySize,
		webhookSecret: opts.WebhookSecret,
		logger:        opts.Logger.With().Str("component", "handler").Logger(),
	}
}

// Register mounts the API routes on r. Routes acting on behalf of a user
// require an identity set by auth.Verifier's middleware; backend-facing routes
// require the webhook secret.
func (h *Handler) Register(r chi.Router) {
	r.Get("/offers/{offer_id}", h.GetOffer)
	r.Get("/groups/{group_id}", h.GetGroup)
	r.Post("/groups/{group_id}/evaluate", h.EvaluateGroup)
	r.Get("/users/{user_id}/tier", h.UserTier)

	r.Group(func(r chi.Router) {
		r.Use(h.requireWebhookSecret)
		r.Post("/changes", h.HandleChange)
		r.Put("/features/{name}", h.SetFeature)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Post("/subscriptions", h.Subscribe)
		r.Get("/subscriptions/{entity_class}", h.Filters)
		r.Delete("/subscriptions/{entity_class}", h.UnsubscribeAll)
		r.Get("/features", h.Features)
		r.Post("/stores", h.OnboardStore)
		r.Post("/stores/{store_id}/products", h.CreateProduct)
		r.Post("/offers", h.CreateOffer)
		r.Post("/offers/{offer_id}/reservations", h.ReserveUnits)
		r.Post("/groups/{group_id}/participants/{participant_id}/validate", h.ValidatePickup)
		r.Delete("/groups/{group_id}/participants/{participant_id}", h.CancelParticipation)
		r.Get("/users/me/groups", h.ListMyGroups)
		r.Post("/users/me/push-tokens", h.RegisterPushToken)
	})
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOfferRequest
	if !h.decode(w, r, &req) {
		return
	}
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	userID, _ := auth.UserID(r.Context())
	offer, err := h.service.CreateOffer(r.Context(), userID, req, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, offer)
}

// GetOffer handles GET /offers/{offer_id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	offer, err := h.service.GetOffer(r.Context(), param(r, "offer_id"), now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offer)
}

// ReserveUnits handles POST /offers/{offer_id}/reservations
func (h *Handler) ReserveUnits(w http.ResponseWriter, r *http.Request) {
	var req models.ReserveUnitsRequest
	if !h.decode(w, r, &req) {
		return
	}
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	userID, _ := auth.UserID(r.Context())
	result, err := h.service.ReserveUnits(r.Context(), userID, param(r, "offer_id"), req.Units, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, result)
}

// GetGroup handles GET /groups/{group_id}
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	group, err := h.service.GetGroup(r.Context(), param(r, "group_id"), now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, group)
}

// EvaluateGroup handles POST /groups/{group_id}/evaluate
func (h *Handler) EvaluateGroup(w http.ResponseWriter, r *http.Request) {
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	groupID := param(r, "group_id")
	if err := validation.ValidateUUID(groupID, "group_id"); err != nil {
		h.respondServiceError(w, err)
		return
	}
	group, err := h.service.EvaluateGroup(r.Context(), groupID, now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, group)
}

// ValidatePickup handles POST /groups/{group_id}/participants/{participant_id}/validate
func (h *Handler) ValidatePickup(w http.ResponseWriter, r *http.Request) {
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	userID, _ := auth.UserID(r.Context())
	group, err := h.service.ValidatePickup(r.Context(), userID, param(r, "group_id"), param(r, "participant_id"), now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, group)
}

// CancelParticipation handles DELETE /groups/{group_id}/participants/{participant_id}
func (h *Handler) CancelParticipation(w http.ResponseWriter, r *http.Request) {
	now, ok := h.now(w, r)
	if !ok {
		return
	}

	userID, _ := auth.UserID(r.Context())
	group, err := h.service.CancelParticipation(r.Context(), userID, param(r, "group_id"), param(r, "participant_id"), now)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, group)
}

func param(r *http.Request, name string) string {
	return validation.SanitizeString(chi.URLParam(r, name))
}

// decode reads a JSON body into v, answering 400 itself when it cannot.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// now parses the optional 'now' query parameter.
func (h *Handler) now(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	nowParam := validation.SanitizeString(r.URL.Query().Get("now"))
	if nowParam == "" {
		return time.Now().UTC(), true
	}
	parsed, err := validation.ValidateTimeString(nowParam)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid 'now' parameter, must be RFC3339 format")
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

// respondServiceError maps domain errors onto status codes.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, registry.ErrInvalidRUC), errors.Is(err, eligibility.ErrInvalidUnits):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForbidden):
		h.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, database.ErrNotFound), errors.Is(err, service.ErrUnknownFeature):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrConflict),
		errors.Is(err, database.ErrDuplicate),
		errors.Is(err, eligibility.ErrUnitCeiling),
		errors.Is(err, service.ErrCapacityExceeded),
		errors.Is(err, service.ErrOfferClosed),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrTerminalParticipant):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, service.ErrInactiveTaxpayer):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrRegistryUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireWebhookSecret rejects requests without the configured secret. With no
// secret configured the routes are closed.
func (h *Handler) requireWebhookSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.webhookSecret == "" {
			h.respondError(w, http.StatusForbidden, "webhook secret is not configured")
			return
		}
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			h.respondError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
