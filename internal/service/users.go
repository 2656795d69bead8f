package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nexusbiz/internal/database"
	"nexusbiz/internal/models"
	"nexusbiz/internal/tracing"
	"nexusbiz/internal/validation"
)

// UserTier returns a user's loyalty standing. Users without a loyalty record
// yet are bronze with no points.
func (s *Service) UserTier(ctx context.Context, userID string) (TierView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.UserTier")
	defer span.End()

	if err := validation.ValidateUUID(userID, "user_id"); err != nil {
		return TierView{}, err
	}

	u, err := s.db.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return tierView(models.User{ID: userID}), nil
	}
	if err != nil {
		tracing.Fail(span, err)
		return TierView{}, err
	}
	return tierView(u), nil
}

// RegisterPushToken stores a device token for the user's notifications.
func (s *Service) RegisterPushToken(ctx context.Context, userID string, req models.PushTokenRequest) error {
	req.Token = validation.SanitizeString(req.Token)
	req.Platform = validation.SanitizeString(req.Platform)
	if err := validation.ValidatePushToken(req); err != nil {
		return err
	}
	if _, err := s.ensureUser(ctx, userID); err != nil {
		return err
	}
	return s.db.SavePushToken(ctx, userID, req.Token, req.Platform)
}

// OnboardStore registers a merchant. The RUC is checked against the tax
// registry, which also supplies the legal name and address.
func (s *Service) OnboardStore(ctx context.Context, ownerID string, req models.OnboardStoreRequest) (models.Store, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.OnboardStore")
	defer span.End()

	req.Name = validation.SanitizeString(req.Name)
	req.RUC = validation.SanitizeString(req.RUC)
	req.Address = validation.SanitizeString(req.Address)
	req.District = validation.SanitizeString(req.District)
	if err := validation.ValidateOnboardStore(req); err != nil {
		return models.Store{}, err
	}
	if s.registry == nil {
		return models.Store{}, ErrRegistryUnavailable
	}

	taxpayer, err := s.registry.Lookup(ctx, req.RUC)
	if err != nil {
		tracing.Fail(span, err)
		return models.Store{}, fmt.Errorf("failed to look up ruc: %w", err)
	}
	if !taxpayer.Active() {
		return models.Store{}, fmt.Errorf("%w: registry status %s", ErrInactiveTaxpayer, taxpayer.Status)
	}

	address := req.Address
	if address == "" {
		address = taxpayer.Address
	}
	store := models.Store{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         req.Name,
		RUC:          req.RUC,
		LegalName:    taxpayer.LegalName,
		LegalAddress: taxpayer.Address,
		Address:      address,
		District:     req.District,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Plan:         models.PlanFree,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateStore(ctx, store); err != nil {
		tracing.Fail(span, err)
		return models.Store{}, err
	}
	s.logger.Info().Str("store_id", store.ID).Str("ruc", store.RUC).Msg("store onboarded")
	return store, nil
}
