package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nexusbiz/internal/database"
	"nexusbiz/internal/eligibility"
	"nexusbiz/internal/events"
	"nexusbiz/internal/features"
	"nexusbiz/internal/lifecycle"
	"nexusbiz/internal/models"
	"nexusbiz/internal/notify"
	"nexusbiz/internal/registry"
)

var now = time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	svc        *Service
	db         *database.DB
	hub        *events.Hub
	dispatcher *notify.Dispatcher
	ownerID    string
	storeID    string
	productID  string
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestService(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	hub := events.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	dispatcher := notify.NewDispatcher(notify.NewLogTransport(zerolog.Nop()), nil, zerolog.Nop())

	opts = append([]Option{WithDispatcher(dispatcher)}, opts...)
	env := &testEnv{
		svc:        NewService(db, lifecycle.New(), hub, zerolog.Nop(), opts...),
		db:         db,
		hub:        hub,
		dispatcher: dispatcher,
		ownerID:    uuid.New().String(),
		storeID:    uuid.New().String(),
	}

	ctx := context.Background()
	store := models.Store{
		ID:       env.storeID,
		OwnerID:  env.ownerID,
		Name:     "Bodega Lucia",
		RUC:      "20123456789",
		District: "Miraflores",
	}
	if err := db.CreateStore(ctx, store); err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	product, err := env.svc.CreateProduct(ctx, env.ownerID, env.storeID, models.CreateProductRequest{
		Name:        "Arroz Costeño 5kg",
		NormalPrice: decimal.RequireFromString("25.90"),
	})
	if err != nil {
		t.Fatalf("Failed to create product: %v", err)
	}
	env.productID = product.ID
	return env
}

func (e *testEnv) createOffer(t *testing.T, target int) OfferView {
	t.Helper()
	view, err := e.svc.CreateOffer(context.Background(), e.ownerID, models.CreateOfferRequest{
		ProductID:     e.productID,
		GroupPrice:    decimal.RequireFromString("19.90"),
		TargetUnits:   target,
		DurationHours: 24,
	}, now)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	return view
}

func (e *testEnv) reserve(t *testing.T, userID, offerID string, units int) ReservationResult {
	t.Helper()
	res, err := e.svc.ReserveUnits(context.Background(), userID, offerID, units, now)
	if err != nil {
		t.Fatalf("Failed to reserve %d units: %v", units, err)
	}
	return res
}

func TestCreateOffer_OpensGroup(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	view := env.createOffer(t, 3)

	if view.GroupID == "" {
		t.Fatal("Expected the offer to open a group")
	}
	if !view.Offer.NormalPrice.Equal(decimal.RequireFromString("25.90")) {
		t.Errorf("Expected normal price to default to the product price, got %s", view.Offer.NormalPrice)
	}
	if view.DiscountPercent != 23 {
		t.Errorf("Expected 23%% discount, got %d", view.DiscountPercent)
	}
	if view.Evaluation.TimeRemaining != 24*time.Hour {
		t.Errorf("Expected 24h remaining, got %s", view.Evaluation.TimeRemaining)
	}

	g, err := env.svc.GetGroup(ctx, view.GroupID, now)
	if err != nil {
		t.Fatalf("Failed to get group: %v", err)
	}
	if g.Group.TargetSize != 3 || g.Group.Status != models.GroupActive || g.Group.CurrentSize != 0 {
		t.Errorf("Unexpected group %+v", g.Group)
	}
	if g.Evaluation.UnitsNeeded != 3 {
		t.Errorf("Expected 3 units needed, got %d", g.Evaluation.UnitsNeeded)
	}
}

func TestCreateOffer_Rejections(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	req := models.CreateOfferRequest{
		ProductID:     env.productID,
		GroupPrice:    decimal.RequireFromString("19.90"),
		TargetUnits:   3,
		DurationHours: 24,
	}
	if _, err := env.svc.CreateOffer(ctx, uuid.New().String(), req, now); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for a foreign product, got %v", err)
	}

	bad := req
	bad.GroupPrice = decimal.RequireFromString("30")
	if _, err := env.svc.CreateOffer(ctx, env.ownerID, bad, now); err == nil {
		t.Error("Expected an error for a group price above the normal price")
	}

	bad = req
	bad.ProductID = uuid.New().String()
	if _, err := env.svc.CreateOffer(ctx, env.ownerID, bad, now); err == nil {
		t.Error("Expected an error for an unknown product")
	}
}

func TestReserveUnits_CompletesGroup(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	offer := env.createOffer(t, 3)
	alice, bob := uuid.New().String(), uuid.New().String()

	first := env.reserve(t, alice, offer.Offer.ID, 2)
	if first.Group.Group.Status != models.GroupActive {
		t.Errorf("Expected group to stay ACTIVE, got %s", first.Group.Group.Status)
	}
	if first.Group.Group.CurrentSize != 2 {
		t.Errorf("Expected current size 2, got %d", first.Group.Group.CurrentSize)
	}
	if !first.Reservation.TotalPrice.Equal(decimal.RequireFromString("39.80")) {
		t.Errorf("Expected total price 39.80, got %s", first.Reservation.TotalPrice)
	}
	if first.Reservation.UserTier != eligibility.Bronze {
		t.Errorf("Expected BRONZE tier snapshot, got %s", first.Reservation.UserTier)
	}

	second := env.reserve(t, bob, offer.Offer.ID, 1)
	if second.Group.Group.Status != models.GroupCompleted {
		t.Fatalf("Expected group COMPLETED, got %s", second.Group.Group.Status)
	}
	if !second.Group.Evaluation.Changed {
		t.Error("Expected the evaluation to report the transition")
	}

	o, err := env.svc.GetOffer(ctx, offer.Offer.ID, now)
	if err != nil {
		t.Fatalf("Failed to get offer: %v", err)
	}
	if o.Offer.Status != models.OfferCompleted || o.Offer.ReservedUnits != 3 {
		t.Errorf("Expected offer COMPLETED with 3 units, got %s with %d", o.Offer.Status, o.Offer.ReservedUnits)
	}

	// Two reservation confirmations plus a completion notice per participant.
	if got := env.dispatcher.Pending(); got != 4 {
		t.Errorf("Expected 4 queued notifications, got %d", got)
	}
}

func TestReserveUnits_TierCeiling(t *testing.T) {
	env := setupTestService(t)
	offer := env.createOffer(t, 10)
	user := uuid.New().String()

	_, err := env.svc.ReserveUnits(context.Background(), user, offer.Offer.ID, 3, now)
	if !errors.Is(err, ErrReservationFailed) || !errors.Is(err, eligibility.ErrUnitCeiling) {
		t.Fatalf("Expected a tier ceiling failure, got %v", err)
	}

	env.reserve(t, user, offer.Offer.ID, 2)

	_, err = env.svc.ReserveUnits(context.Background(), user, offer.Offer.ID, 1, now)
	if !errors.Is(err, eligibility.ErrUnitCeiling) {
		t.Errorf("Expected held units to count towards the ceiling, got %v", err)
	}

	// Gold users may hold up to six units.
	gold := uuid.New().String()
	if err := env.db.UpsertUser(context.Background(), models.User{ID: gold}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if _, err := env.db.AddUserPoints(context.Background(), gold, 250, decimal.Zero, false); err != nil {
		t.Fatalf("Failed to add points: %v", err)
	}
	res := env.reserve(t, gold, offer.Offer.ID, 6)
	if res.Tier.Tier != eligibility.Gold || res.Reservation.UserTier != eligibility.Gold {
		t.Errorf("Expected GOLD reservation, got %s", res.Reservation.UserTier)
	}
}

func TestReserveUnits_Capacity(t *testing.T) {
	env := setupTestService(t)
	offer := env.createOffer(t, 3)

	env.reserve(t, uuid.New().String(), offer.Offer.ID, 2)

	_, err := env.svc.ReserveUnits(context.Background(), uuid.New().String(), offer.Offer.ID, 2, now)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded, got %v", err)
	}

	_, err = env.svc.ReserveUnits(context.Background(), uuid.New().String(), offer.Offer.ID, 0, now)
	if !errors.Is(err, ErrReservationFailed) {
		t.Errorf("Expected zero units to fail, got %v", err)
	}
}

func TestReserveUnits_ClosedOffer(t *testing.T) {
	env := setupTestService(t)
	offer := env.createOffer(t, 3)

	late := now.Add(25 * time.Hour)
	_, err := env.svc.ReserveUnits(context.Background(), uuid.New().String(), offer.Offer.ID, 1, late)
	if !errors.Is(err, ErrOfferClosed) {
		t.Errorf("Expected ErrOfferClosed, got %v", err)
	}

	_, err = env.svc.ReserveUnits(context.Background(), uuid.New().String(), uuid.New().String(), 1, now)
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown offer, got %v", err)
	}
}

func TestGetGroup_DoesNotPersistExpiry(t *testing.T) {
	env := setupTestService(t)
	offer := env.createOffer(t, 3)
	env.reserve(t, uuid.New().String(), offer.Offer.ID, 1)

	view, err := env.svc.GetGroup(context.Background(), offer.GroupID, now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Failed to get group: %v", err)
	}
	if !view.Evaluation.Expired || view.Evaluation.To != models.GroupExpired {
		t.Errorf("Expected the read to surface expiry, got %+v", view.Evaluation)
	}
	if view.Group.Status != models.GroupActive {
		t.Errorf("Expected stored status to stay ACTIVE, got %s", view.Group.Status)
	}
}

func TestEvaluateGroup_Expires(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	offer := env.createOffer(t, 3)
	res := env.reserve(t, uuid.New().String(), offer.Offer.ID, 1)
	queued := env.dispatcher.Pending()

	late := now.Add(25 * time.Hour)
	view, err := env.svc.EvaluateGroup(ctx, offer.GroupID, late)
	if err != nil {
		t.Fatalf("Failed to evaluate group: %v", err)
	}
	if view.Group.Status != models.GroupExpired {
		t.Fatalf("Expected EXPIRED, got %s", view.Group.Status)
	}

	p, _ := view.Group.Participant(res.Participant.ID)
	if p.Status != models.ParticipantExpired {
		t.Errorf("Expected participant EXPIRED, got %s", p.Status)
	}
	r, err := env.db.ReservationForParticipant(ctx, res.Participant.ID)
	if err != nil {
		t.Fatalf("Failed to read reservation: %v", err)
	}
	if r.Status != models.ParticipantExpired {
		t.Errorf("Expected reservation EXPIRED, got %s", r.Status)
	}

	o, _ := env.db.GetOffer(ctx, offer.Offer.ID)
	if o.Status != models.OfferExpired {
		t.Errorf("Expected offer EXPIRED, got %s", o.Status)
	}
	if got := env.dispatcher.Pending() - queued; got != 1 {
		t.Errorf("Expected one expiry notification, got %d", got)
	}

	// Evaluating again is a no-op.
	again, err := env.svc.EvaluateGroup(ctx, offer.GroupID, late)
	if err != nil {
		t.Fatalf("Failed to re-evaluate group: %v", err)
	}
	if again.Evaluation.Changed {
		t.Error("Expected no transition on the second evaluation")
	}
}

func TestEvaluateGroup_CompletionBeatsExpiry(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	offer := env.createOffer(t, 2)

	// Fill the group behind the service's back, as a remote writer would.
	g, _ := env.db.GetGroup(ctx, offer.GroupID)
	for i := 0; i < 2; i++ {
		p := models.Participant{ID: uuid.New().String(), GroupID: g.ID, UserID: uuid.New().String(),
			ReservedUnits: 1, Status: models.ParticipantReserved, JoinedAt: now}
		r := models.Reservation{ID: uuid.New().String(), OfferID: offer.Offer.ID, UserID: p.UserID,
			Units: 1, Status: models.ParticipantReserved, CreatedAt: now}
		if err := env.db.CreateReservation(ctx, r, p, nil); err != nil {
			t.Fatalf("Failed to insert reservation: %v", err)
		}
	}

	view, err := env.svc.EvaluateGroup(ctx, offer.GroupID, now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Failed to evaluate group: %v", err)
	}
	if view.Group.Status != models.GroupCompleted {
		t.Errorf("Expected a full group to complete even when late, got %s", view.Group.Status)
	}
}

func TestValidatePickup(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	offer := env.createOffer(t, 3)
	alice, bob := uuid.New().String(), uuid.New().String()

	a := env.reserve(t, alice, offer.Offer.ID, 2)

	_, err := env.svc.ValidatePickup(ctx, env.ownerID, offer.GroupID, a.Participant.ID, now)
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("Expected pickup to need a completed group, got %v", err)
	}

	b := env.reserve(t, bob, offer.Offer.ID, 1)

	_, err = env.svc.ValidatePickup(ctx, alice, offer.GroupID, a.Participant.ID, now)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for a non-owner, got %v", err)
	}

	view, err := env.svc.ValidatePickup(ctx, env.ownerID, offer.GroupID, a.Participant.ID, now)
	if err != nil {
		t.Fatalf("Failed to validate pickup: %v", err)
	}
	if view.Group.Status != models.GroupPickup {
		t.Errorf("Expected PICKUP after the first validation, got %s", view.Group.Status)
	}

	_, err = env.svc.ValidatePickup(ctx, env.ownerID, offer.GroupID, a.Participant.ID, now)
	if !errors.Is(err, lifecycle.ErrTerminalParticipant) {
		t.Errorf("Expected a second validation to fail, got %v", err)
	}

	view, err = env.svc.ValidatePickup(ctx, env.ownerID, offer.GroupID, b.Participant.ID, now)
	if err != nil {
		t.Fatalf("Failed to validate pickup: %v", err)
	}
	if view.Group.Status != models.GroupValidated || view.Group.ValidatedAt == nil {
		t.Errorf("Expected VALIDATED with a timestamp, got %s", view.Group.Status)
	}

	tier, err := env.svc.UserTier(ctx, alice)
	if err != nil {
		t.Fatalf("Failed to get tier: %v", err)
	}
	if tier.Points != 25 {
		t.Errorf("Expected 25 points for two validated units in a completed group, got %d", tier.Points)
	}
	u, _ := env.db.GetUser(ctx, alice)
	if !u.TotalSavings.Equal(decimal.RequireFromString("12")) || u.CompletedGroups != 1 {
		t.Errorf("Expected savings 12 and one completed group, got %s and %d", u.TotalSavings, u.CompletedGroups)
	}

	o, _ := env.db.GetOffer(ctx, offer.Offer.ID)
	if o.ValidatedUnits != 3 {
		t.Errorf("Expected 3 validated units, got %d", o.ValidatedUnits)
	}
}

func TestCancelParticipation(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	offer := env.createOffer(t, 3)
	user := uuid.New().String()
	res := env.reserve(t, user, offer.Offer.ID, 2)

	_, err := env.svc.CancelParticipation(ctx, uuid.New().String(), offer.GroupID, res.Participant.ID, now)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}

	view, err := env.svc.CancelParticipation(ctx, user, offer.GroupID, res.Participant.ID, now)
	if err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	if view.Group.CurrentSize != 0 {
		t.Errorf("Expected current size 0 after cancel, got %d", view.Group.CurrentSize)
	}

	// Cancelled units no longer count towards the ceiling.
	env.reserve(t, user, offer.Offer.ID, 2)
}

func TestSweepExpired(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	stale := env.createOffer(t, 3)
	env.reserve(t, uuid.New().String(), stale.Offer.ID, 1)

	fresh, err := env.svc.CreateOffer(ctx, env.ownerID, models.CreateOfferRequest{
		ProductID:     env.productID,
		GroupPrice:    decimal.RequireFromString("19.90"),
		TargetUnits:   3,
		DurationHours: 72,
	}, now)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}

	moved, err := env.svc.SweepExpired(ctx, now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if moved != 1 {
		t.Errorf("Expected 1 group to move, got %d", moved)
	}

	g, _ := env.db.GetGroup(ctx, fresh.GroupID)
	if g.Status != models.GroupActive {
		t.Errorf("Expected the fresh group to stay ACTIVE, got %s", g.Status)
	}
}

func TestRun_ReevaluatesOnChange(t *testing.T) {
	env := setupTestService(t)
	offer := env.createOffer(t, 1)
	env.startRun(t)

	if !env.joinExternally(t, offer) {
		t.Fatal("Expected the change to be published")
	}
	env.waitForStatus(t, offer.GroupID, models.GroupCompleted)
}

func TestRun_IgnoresSubscriptionFilters(t *testing.T) {
	env := setupTestService(t)
	offer := env.createOffer(t, 1)
	if err := env.svc.Subscribe("participants", "user_id", uuid.New().String()); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	env.startRun(t)

	if env.joinExternally(t, offer) {
		t.Error("Expected the change to be filtered from subscribers")
	}
	env.waitForStatus(t, offer.GroupID, models.GroupCompleted)
}

func (e *testEnv) startRun(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give Run time to open its listener before the change arrives.
	time.Sleep(20 * time.Millisecond)
}

// joinExternally writes a reservation behind the service's back and feeds the
// resulting participant insert through HandleChange.
func (e *testEnv) joinExternally(t *testing.T, offer OfferView) bool {
	t.Helper()
	p := models.Participant{ID: uuid.New().String(), GroupID: offer.GroupID, UserID: uuid.New().String(),
		ReservedUnits: 1, Status: models.ParticipantReserved, JoinedAt: now}
	r := models.Reservation{ID: uuid.New().String(), OfferID: offer.Offer.ID, UserID: p.UserID,
		Units: 1, Status: models.ParticipantReserved, CreatedAt: now}
	if err := e.db.CreateReservation(context.Background(), r, p, nil); err != nil {
		t.Fatalf("Failed to insert reservation: %v", err)
	}

	return e.svc.HandleChange(context.Background(), events.ChangeEvent{
		Class:  events.ClassParticipants,
		Type:   events.ChangeInsert,
		Record: map[string]any{"id": p.ID, "group_id": offer.GroupID, "user_id": p.UserID, "reserved_units": 1},
	})
}

func (e *testEnv) waitForStatus(t *testing.T, groupID string, want models.GroupStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g, err := e.db.GetGroup(context.Background(), groupID)
		if err == nil && g.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected group %s to reach %s after the change event", groupID, want)
}

func TestSubscriptions(t *testing.T) {
	env := setupTestService(t)

	if err := env.svc.Subscribe("ofertas", "district", "Miraflores"); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	filters, err := env.svc.Filters("offers")
	if err != nil || len(filters) != 1 || filters[0] != "district:Miraflores" {
		t.Errorf("Unexpected filters %v (%v)", filters, err)
	}

	if err := env.svc.Subscribe("payments", "district", "x"); err == nil {
		t.Error("Expected an unknown class to be rejected")
	}
	if err := env.svc.Subscribe("offers", "color", "x"); err == nil {
		t.Error("Expected an unknown filter kind to be rejected")
	}

	if err := env.svc.UnsubscribeAll("offers"); err != nil {
		t.Fatalf("Failed to unsubscribe: %v", err)
	}
	filters, _ = env.svc.Filters("offers")
	if len(filters) != 0 {
		t.Errorf("Expected no filters, got %v", filters)
	}
}

func TestUserTier_UnknownUser(t *testing.T) {
	env := setupTestService(t)

	tier, err := env.svc.UserTier(context.Background(), uuid.New().String())
	if err != nil {
		t.Fatalf("Failed to get tier: %v", err)
	}
	if tier.Tier != eligibility.Bronze || tier.MaxUnits != 2 || tier.NextTier != eligibility.Silver || tier.PointsToNext != 100 {
		t.Errorf("Unexpected tier view %+v", tier)
	}
}

func TestOnboardStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ruc/20601234567":
			w.Write([]byte(`{"razonSocial":"INVERSIONES ROSA E.I.R.L.","direccion":"JR. HUANUCO 456","estado":"ACTIVO"}`))
		case "/ruc/20609999999":
			w.Write([]byte(`{"razonSocial":"CERRADA S.A.","estado":"BAJA DE OFICIO"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	env := setupTestService(t, WithRegistry(registry.New(registry.Config{BaseURL: srv.URL}, nil)))
	ctx := context.Background()
	owner := uuid.New().String()

	req := models.OnboardStoreRequest{Name: "Bodega Rosa", RUC: "20601234567", District: "Surco"}
	store, err := env.svc.OnboardStore(ctx, owner, req)
	if err != nil {
		t.Fatalf("Failed to onboard store: %v", err)
	}
	if store.LegalName != "INVERSIONES ROSA E.I.R.L." || store.Address != "JR. HUANUCO 456" {
		t.Errorf("Expected registry fields to be filled, got %+v", store)
	}

	if _, err := env.svc.OnboardStore(ctx, owner, req); !errors.Is(err, database.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for a registered RUC, got %v", err)
	}

	req.RUC = "20609999999"
	if _, err := env.svc.OnboardStore(ctx, owner, req); !errors.Is(err, ErrInactiveTaxpayer) {
		t.Errorf("Expected ErrInactiveTaxpayer, got %v", err)
	}

	req.RUC = "20600000000"
	if _, err := env.svc.OnboardStore(ctx, owner, req); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected registry.ErrNotFound, got %v", err)
	}

	noRegistry := setupTestService(t)
	req.RUC = "20601234567"
	if _, err := noRegistry.svc.OnboardStore(ctx, owner, req); !errors.Is(err, ErrRegistryUnavailable) {
		t.Errorf("Expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestRegisterPushToken(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	user := uuid.New().String()

	if err := env.svc.RegisterPushToken(ctx, user, models.PushTokenRequest{Token: "ExponentPushToken[abc]", Platform: "android"}); err != nil {
		t.Fatalf("Failed to register token: %v", err)
	}
	if err := env.svc.RegisterPushToken(ctx, user, models.PushTokenRequest{Token: "t", Platform: "symbian"}); err == nil {
		t.Error("Expected an unknown platform to be rejected")
	}

	tokens, err := env.db.PushTokens(ctx, user)
	if err != nil || len(tokens) != 1 {
		t.Errorf("Expected one token, got %v (%v)", tokens, err)
	}
}

func TestFeatureFlags(t *testing.T) {
	flags := features.NewManager()
	flags.Register(features.PushNotifications, false, "push delivery")
	env := setupTestService(t, WithFeatures(flags))
	offer := env.createOffer(t, 5)

	env.reserve(t, uuid.New().String(), offer.Offer.ID, 1)
	if n := env.dispatcher.Pending(); n != 0 {
		t.Errorf("Expected no notifications while push is off, got %d", n)
	}

	flag, err := env.svc.SetFeature(features.PushNotifications, true)
	if err != nil || !flag.Enabled {
		t.Fatalf("Failed to enable push: %+v %v", flag, err)
	}
	env.reserve(t, uuid.New().String(), offer.Offer.ID, 1)
	if n := env.dispatcher.Pending(); n != 1 {
		t.Errorf("Expected one confirmation once push is on, got %d", n)
	}

	if _, err := env.svc.SetFeature("unknown", true); !errors.Is(err, ErrUnknownFeature) {
		t.Errorf("Expected ErrUnknownFeature, got %v", err)
	}
	if all := env.svc.FeatureFlags(); len(all) != 1 || all[0].Name != features.PushNotifications {
		t.Errorf("Unexpected flags %+v", all)
	}
}
