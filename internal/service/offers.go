package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nexusbiz/internal/database"
	"nexusbiz/internal/eligibility"
	"nexusbiz/internal/events"
	"nexusbiz/internal/models"
	"nexusbiz/internal/notify"
	"nexusbiz/internal/tracing"
	"nexusbiz/internal/validation"
)

// ReservationResult is what a successful reservation returns to the buyer.
type ReservationResult struct {
	Reservation models.Reservation `json:"reservation"`
	Participant models.Participant `json:"participant"`
	Group       GroupView          `json:"group"`
	Tier        TierView           `json:"tier"`
}

// CreateProduct adds a product to a store owned by ownerID.
func (s *Service) CreateProduct(ctx context.Context, ownerID, storeID string, req models.CreateProductRequest) (models.Product, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.CreateProduct")
	defer span.End()

	req.Name = validation.SanitizeString(req.Name)
	req.Description = validation.SanitizeString(req.Description)
	req.Category = validation.SanitizeString(req.Category)
	if err := validation.ValidateCreateProduct(req); err != nil {
		return models.Product{}, err
	}

	store, err := s.db.GetStore(ctx, storeID)
	if err != nil {
		return models.Product{}, err
	}
	if store.OwnerID != ownerID {
		return models.Product{}, fmt.Errorf("%w: store belongs to another owner", ErrForbidden)
	}

	p := models.Product{
		ID:          uuid.New().String(),
		StoreID:     store.ID,
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Category:    req.Category,
		NormalPrice: req.NormalPrice,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.CreateProduct(ctx, p); err != nil {
		tracing.Fail(span, err)
		return models.Product{}, err
	}
	return p, nil
}

// CreateOffer publishes a group-buy offer for one of the owner's products and
// opens the group consumers join. The group's target is the offer's unit
// target and both expire together.
func (s *Service) CreateOffer(ctx context.Context, ownerID string, req models.CreateOfferRequest, now time.Time) (OfferView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.CreateOffer")
	defer span.End()

	product, err := s.db.GetProduct(ctx, validation.SanitizeString(req.ProductID))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return OfferView{}, &validation.ValidationError{Field: "product_id", Message: "product does not exist"}
		}
		return OfferView{}, err
	}
	if req.NormalPrice.IsZero() {
		req.NormalPrice = product.NormalPrice
	}
	if err := validation.ValidateCreateOffer(req); err != nil {
		return OfferView{}, err
	}

	store, err := s.db.GetStore(ctx, product.StoreID)
	if err != nil {
		return OfferView{}, err
	}
	if store.OwnerID != ownerID {
		return OfferView{}, fmt.Errorf("%w: product belongs to another store", ErrForbidden)
	}

	createdAt := now.UTC()
	offer := models.Offer{
		ID:            uuid.New().String(),
		ProductID:     product.ID,
		StoreID:       store.ID,
		ProductName:   product.Name,
		District:      store.District,
		NormalPrice:   req.NormalPrice,
		GroupPrice:    req.GroupPrice,
		TargetUnits:   req.TargetUnits,
		CreatedAt:     createdAt,
		DurationHours: req.DurationHours,
		ExpiresAt:     createdAt.Add(time.Duration(req.DurationHours) * time.Hour),
		Status:        models.OfferActive,
	}
	group := models.Group{
		ID:           uuid.New().String(),
		OfferID:      offer.ID,
		ProductID:    product.ID,
		StoreID:      store.ID,
		ProductName:  product.Name,
		ProductImage: product.ImageURL,
		StoreName:    store.Name,
		District:     store.District,
		CreatorID:    ownerID,
		StoreOwnerID: store.OwnerID,
		Participants: []models.Participant{},
		TargetSize:   req.TargetUnits,
		Status:       models.GroupActive,
		CreatedAt:    createdAt,
		ExpiresAt:    offer.ExpiresAt,
		NormalPrice:  offer.NormalPrice,
		GroupPrice:   offer.GroupPrice,
	}

	if err := s.db.CreateOffer(ctx, offer, group); err != nil {
		tracing.Fail(span, err)
		return OfferView{}, err
	}
	s.logger.Info().Str("offer_id", offer.ID).Str("store_id", store.ID).Int("target_units", offer.TargetUnits).
		Msg("offer published")

	s.publish(ctx, events.ClassOffers, events.ChangeInsert, offer)
	s.publish(ctx, events.ClassGroups, events.ChangeInsert, group)
	return s.offerView(offer, group.ID, now), nil
}

// GetOffer returns an offer and how it evaluates at now.
func (s *Service) GetOffer(ctx context.Context, offerID string, now time.Time) (OfferView, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.GetOffer")
	defer span.End()

	if err := validation.ValidateUUID(offerID, "offer_id"); err != nil {
		return OfferView{}, err
	}

	o, err := s.db.GetOffer(ctx, offerID)
	if err != nil {
		tracing.Fail(span, err)
		return OfferView{}, err
	}
	groupID := ""
	if g, err := s.db.GetGroupByOffer(ctx, o.ID); err == nil {
		groupID = g.ID
	}
	return s.offerView(o, groupID, now), nil
}

// ReserveUnits joins userID to the offer's group with the given units. The
// tier ceiling and the offer's remaining capacity are checked inside the
// writing transaction. Any failure is returned wrapped in ErrReservationFailed.
func (s *Service) ReserveUnits(ctx context.Context, userID, offerID string, units int, now time.Time) (ReservationResult, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.ReserveUnits")
	defer span.End()
	span.SetAttributes(tracing.String("offer.id", offerID), tracing.String("user.id", userID))

	result, err := s.reserve(ctx, userID, offerID, units, now)
	if err != nil {
		tracing.Fail(span, err)
		s.logger.Warn().Err(err).Str("user_id", userID).Str("offer_id", offerID).Int("units", units).
			Msg("reservation rejected")
		return ReservationResult{}, fmt.Errorf("%w: %w", ErrReservationFailed, err)
	}
	return result, nil
}

func (s *Service) reserve(ctx context.Context, userID, offerID string, units int, now time.Time) (ReservationResult, error) {
	if err := validation.ValidateUnits(units); err != nil {
		return ReservationResult{}, err
	}

	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return ReservationResult{}, err
	}
	g, err := s.db.GetGroupByOffer(ctx, offerID)
	if err != nil {
		return ReservationResult{}, err
	}
	if g.Status != models.GroupActive || g.IsExpired(now) {
		return ReservationResult{}, ErrOfferClosed
	}

	offer, err := s.db.GetOffer(ctx, offerID)
	if err != nil {
		return ReservationResult{}, err
	}

	guard := func(o models.Offer, held int) error {
		if o.Status != models.OfferActive || o.IsExpired(now) {
			return ErrOfferClosed
		}
		if err := eligibility.CheckReservation(user.Points, held, units); err != nil {
			return err
		}
		if units > o.UnitsRemaining() {
			return fmt.Errorf("%w: %d requested, %d left", ErrCapacityExceeded, units, o.UnitsRemaining())
		}
		return nil
	}

	at := now.UTC()
	p := models.Participant{
		ID:            uuid.New().String(),
		GroupID:       g.ID,
		UserID:        user.ID,
		Alias:         alias(user),
		AvatarURL:     user.AvatarURL,
		ReservedUnits: units,
		JoinedAt:      at,
		Status:        models.ParticipantReserved,
	}
	r := models.Reservation{
		ID:         uuid.New().String(),
		OfferID:    offerID,
		UserID:     user.ID,
		UserTier:   user.Tier(),
		Units:      units,
		TotalPrice: offer.GroupPrice.Mul(decimal.NewFromInt(int64(units))),
		Status:     models.ParticipantReserved,
		CreatedAt:  at,
	}

	if err := s.db.CreateReservation(ctx, r, p, guard); err != nil {
		return ReservationResult{}, err
	}

	s.logger.Info().Str("reservation_id", r.ID).Str("user_id", user.ID).Str("group_id", g.ID).
		Int("units", units).Str("tier", string(r.UserTier)).Msg("units reserved")
	s.publish(ctx, events.ClassReservations, events.ChangeInsert, r)
	s.publish(ctx, events.ClassParticipants, events.ChangeInsert, p)

	view, err := s.EvaluateGroup(ctx, g.ID, now)
	if err != nil {
		// The reservation is committed; the sweeper or the next event will settle the group.
		s.logger.Warn().Err(err).Str("group_id", g.ID).Msg("failed to evaluate group after reservation")
		view = GroupView{Group: g, Evaluation: s.engine.EvaluateGroup(g, now)}
	}
	s.notify(notify.ReservationCreated(r, view.Group))

	return ReservationResult{
		Reservation: r,
		Participant: p,
		Group:       view,
		Tier:        tierView(user),
	}, nil
}

func alias(u models.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return "Vecino"
}
