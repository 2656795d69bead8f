package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nexusbiz/internal/database"
	"nexusbiz/internal/eligibility"
	"nexusbiz/internal/events"
	"nexusbiz/internal/features"
	"nexusbiz/internal/lifecycle"
	"nexusbiz/internal/models"
	"nexusbiz/internal/notify"
	"nexusbiz/internal/registry"
)

var (
	ErrForbidden           = errors.New("not allowed")
	ErrReservationFailed   = errors.New("reservation failed")
	ErrOfferClosed         = errors.New("offer is no longer accepting reservations")
	ErrCapacityExceeded    = errors.New("not enough units left in the offer")
	ErrInactiveTaxpayer    = errors.New("ruc is not active in the tax registry")
	ErrRegistryUnavailable = errors.New("tax registry lookup is not configured")
	ErrUnknownFeature      = errors.New("unknown feature flag")
)

// Service provides the business logic of the group-buying marketplace.
type Service struct {
	db         *database.DB
	engine     *lifecycle.Engine
	hub        *events.Hub
	dispatcher *notify.Dispatcher
	registry   *registry.Client
	flags      *features.Manager
	logger     zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithDispatcher enables push notifications.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithRegistry enables tax-registry lookups at store onboarding.
func WithRegistry(r *registry.Client) Option {
	return func(s *Service) { s.registry = r }
}

// WithFeatures gates push delivery and the expiry sweeper on runtime flags.
// Without it both are always on.
func WithFeatures(m *features.Manager) Option {
	return func(s *Service) { s.flags = m }
}

// NewService creates a new service instance.
func NewService(db *database.DB, engine *lifecycle.Engine, hub *events.Hub, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		db:     db,
		engine: engine,
		hub:    hub,
		logger: logger.With().Str("component", "service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GroupView is a group together with its evaluation at read time.
type GroupView struct {
	Group      models.Group         `json:"group"`
	Evaluation lifecycle.Evaluation `json:"evaluation"`
}

// OfferView is an offer together with its evaluation at read time.
type OfferView struct {
	Offer           models.Offer              `json:"offer"`
	Evaluation      lifecycle.OfferEvaluation `json:"evaluation"`
	GroupID         string                    `json:"group_id,omitempty"`
	SavingsPerUnit  string                    `json:"savings_per_unit"`
	DiscountPercent int                       `json:"discount_percent"`
}

// TierView is a user's loyalty standing.
type TierView struct {
	UserID       string           `json:"user_id"`
	Points       int              `json:"points"`
	Tier         eligibility.Tier `json:"tier"`
	MaxUnits     int              `json:"max_units"`
	NextTier     eligibility.Tier `json:"next_tier"`
	PointsToNext int              `json:"points_to_next"`
}

func tierView(u models.User) TierView {
	next, missing := eligibility.PointsToNextTier(u.Points)
	return TierView{
		UserID:       u.ID,
		Points:       u.Points,
		Tier:         u.Tier(),
		MaxUnits:     u.MaxUnits(),
		NextTier:     next,
		PointsToNext: missing,
	}
}

func (s *Service) offerView(o models.Offer, groupID string, now time.Time) OfferView {
	return OfferView{
		Offer:           o,
		Evaluation:      s.engine.EvaluateOffer(o, now),
		GroupID:         groupID,
		SavingsPerUnit:  o.SavingsPerUnit().StringFixed(2),
		DiscountPercent: o.DiscountPercent(),
	}
}

// ensureUser returns the user's loyalty record, creating an empty one for
// identities that have not been seen before.
func (s *Service) ensureUser(ctx context.Context, userID string) (models.User, error) {
	u, err := s.db.GetUser(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return models.User{}, err
	}
	if err := s.db.UpsertUser(ctx, models.User{ID: userID}); err != nil {
		return models.User{}, err
	}
	return s.db.GetUser(ctx, userID)
}

func (s *Service) enabled(flag string) bool {
	return s.flags == nil || s.flags.IsEnabled(flag)
}

func (s *Service) notify(ns ...notify.Notification) {
	if s.dispatcher == nil || !s.enabled(features.PushNotifications) {
		return
	}
	s.dispatcher.Enqueue(ns...)
}

// publish hands a row this service changed to the hub, so listeners see local
// writes the same way they see remote ones.
func (s *Service) publish(ctx context.Context, class events.EntityClass, change events.ChangeType, row any) {
	record, err := toRecord(row)
	if err != nil {
		s.logger.Warn().Err(err).Str("class", string(class)).Msg("failed to encode change event")
		return
	}
	s.hub.Dispatch(ctx, events.ChangeEvent{
		Class:      class,
		Type:       change,
		Record:     record,
		ReceivedAt: time.Now().UTC(),
	})
}

func toRecord(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return record, nil
}

// FeatureFlags lists the runtime flags.
func (s *Service) FeatureFlags() []features.FeatureFlag {
	if s.flags == nil {
		return []features.FeatureFlag{}
	}
	return s.flags.All()
}

// SetFeature switches a registered flag on or off.
func (s *Service) SetFeature(name string, enabled bool) (features.FeatureFlag, error) {
	if s.flags == nil || !s.flags.Set(name, enabled) {
		return features.FeatureFlag{}, fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	s.logger.Info().Str("flag", name).Bool("enabled", enabled).Msg("feature flag changed")
	for _, f := range s.flags.All() {
		if f.Name == name {
			return f, nil
		}
	}
	return features.FeatureFlag{}, fmt.Errorf("%w: %s", ErrUnknownFeature, name)
}
