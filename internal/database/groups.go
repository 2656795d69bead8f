package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nexusbiz/internal/eligibility"
	"nexusbiz/internal/models"
)

const groupColumns = `g.id, g.offer_id, COALESCE(o.product_id, ''), g.store_id,
	COALESCE(p.name, ''), COALESCE(p.image_url, ''), COALESCE(s.name, ''), COALESCE(s.district, ''),
	COALESCE(g.creator_id, ''), COALESCE(s.owner_id, ''),
	COALESCE(g.current_size, 0), COALESCE(g.target_size, 3), g.status,
	g.created_at, g.expires_at, g.validated_at,
	COALESCE(o.normal_price, '0'), COALESCE(o.group_price, '0')
	FROM buy_groups g
	LEFT JOIN offers o ON o.id = g.offer_id
	LEFT JOIN products p ON p.id = o.product_id
	LEFT JOIN stores s ON s.id = g.store_id`

const participantColumns = `id, group_id, user_id, alias, avatar_url, COALESCE(reserved_units, 1),
	validated, joined_at, validated_at, status FROM group_participants`

// GroupTransition is a status change of a group together with the participant
// rows it moves.
type GroupTransition struct {
	GroupID      string
	From         models.GroupStatus
	To           models.GroupStatus
	ValidatedAt  *time.Time
	Participants []models.Participant
}

// GetGroup returns a group with its participants.
func (db *DB) GetGroup(ctx context.Context, id string) (models.Group, error) {
	g, err := scanGroup(db.conn.QueryRowContext(ctx, `SELECT `+groupColumns+` WHERE g.id = ?`, id))
	if err != nil {
		return models.Group{}, notFound(err, "group", id)
	}
	if err := db.attachParticipants(ctx, []*models.Group{&g}); err != nil {
		return models.Group{}, err
	}
	return g, nil
}

// GetGroupByOffer returns the most recent group opened for an offer.
func (db *DB) GetGroupByOffer(ctx context.Context, offerID string) (models.Group, error) {
	g, err := scanGroup(db.conn.QueryRowContext(ctx,
		`SELECT `+groupColumns+` WHERE g.offer_id = ? ORDER BY g.created_at DESC LIMIT 1`, offerID))
	if err != nil {
		return models.Group{}, notFound(err, "group for offer", offerID)
	}
	if err := db.attachParticipants(ctx, []*models.Group{&g}); err != nil {
		return models.Group{}, err
	}
	return g, nil
}

// ListActiveGroups returns every group still collecting participants.
func (db *DB) ListActiveGroups(ctx context.Context) ([]models.Group, error) {
	return db.listGroups(ctx, `SELECT `+groupColumns+` WHERE g.status = ? ORDER BY g.expires_at`,
		string(models.GroupActive))
}

// ListGroupsForUser returns the groups a user has a stake in, newest first.
func (db *DB) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	return db.listGroups(ctx, `SELECT `+groupColumns+`
		WHERE g.id IN (SELECT group_id FROM group_participants WHERE user_id = ?)
		ORDER BY g.created_at DESC`, userID)
}

func (db *DB) listGroups(ctx context.Context, query string, args ...any) ([]models.Group, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}

	groups := []models.Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	ptrs := make([]*models.Group, len(groups))
	for i := range groups {
		ptrs[i] = &groups[i]
	}
	if err := db.attachParticipants(ctx, ptrs); err != nil {
		return nil, err
	}
	return groups, nil
}

func scanGroup(row rowScanner) (models.Group, error) {
	var g models.Group
	var status, createdAt string
	var expiresAt, validatedAt sql.NullString
	err := row.Scan(&g.ID, &g.OfferID, &g.ProductID, &g.StoreID,
		&g.ProductName, &g.ProductImage, &g.StoreName, &g.District,
		&g.CreatorID, &g.StoreOwnerID,
		&g.CurrentSize, &g.TargetSize, &status,
		&createdAt, &expiresAt, &validatedAt,
		&g.NormalPrice, &g.GroupPrice)
	if err != nil {
		return models.Group{}, err
	}
	g.Status, _ = models.ParseGroupStatus(status)
	g.CreatedAt = models.ParseTime(createdAt)
	if t := timePtr(expiresAt); t != nil {
		g.ExpiresAt = *t
	}
	g.ValidatedAt = timePtr(validatedAt)
	g.Participants = []models.Participant{}
	return g, nil
}

func (db *DB) attachParticipants(ctx context.Context, groups []*models.Group) error {
	if len(groups) == 0 {
		return nil
	}
	byID := make(map[string]*models.Group, len(groups))
	args := make([]any, 0, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
		args = append(args, g.ID)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+participantColumns+`
		WHERE group_id IN (`+placeholders(len(args))+`) ORDER BY joined_at, id`, args...)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		if g, ok := byID[p.GroupID]; ok {
			g.Participants = append(g.Participants, p)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating participants: %w", err)
	}
	return nil
}

func scanParticipant(row rowScanner) (models.Participant, error) {
	var p models.Participant
	var status, joinedAt string
	var validatedAt sql.NullString
	err := row.Scan(&p.ID, &p.GroupID, &p.UserID, &p.Alias, &p.AvatarURL, &p.ReservedUnits,
		&p.Validated, &joinedAt, &validatedAt, &status)
	if err != nil {
		return models.Participant{}, err
	}
	p.Status, _ = models.ParseParticipantStatus(status)
	p.JoinedAt = models.ParseTime(joinedAt)
	p.ValidatedAt = timePtr(validatedAt)
	return p, nil
}

// UnitsHeldByUser sums the units a user holds on an offer in reservations that
// are still reserved or already validated.
func (db *DB) UnitsHeldByUser(ctx context.Context, userID, offerID string) (int, error) {
	return unitsHeld(ctx, db.conn, userID, offerID)
}

func unitsHeld(ctx context.Context, q queryer, userID, offerID string) (int, error) {
	var held int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(units), 0) FROM reservations
		WHERE user_id = ? AND offer_id = ? AND status IN (?, ?)`,
		userID, offerID, string(models.ParticipantReserved), string(models.ParticipantValidated),
	).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("failed to count held units: %w", err)
	}
	return held, nil
}

// ReservationGuard vets a reservation against the offer and the units the user
// already holds, as read inside the reserving transaction.
type ReservationGuard func(offer models.Offer, held int) error

// CreateReservation inserts a reservation and its group participant in one
// transaction. guard runs first; its error aborts the write unchanged.
func (db *DB) CreateReservation(ctx context.Context, r models.Reservation, p models.Participant, guard ReservationGuard) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if guard != nil {
			offer, err := getOffer(ctx, tx, r.OfferID)
			if err != nil {
				return err
			}
			held, err := unitsHeld(ctx, tx, r.UserID, r.OfferID)
			if err != nil {
				return err
			}
			if err := guard(offer, held); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO group_participants (
			id, group_id, user_id, alias, avatar_url, reserved_units, validated, status, joined_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			p.ID, p.GroupID, p.UserID, p.Alias, p.AvatarURL, p.ReservedUnits,
			string(p.Status), models.FormatTime(p.JoinedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO reservations (
			id, offer_id, user_id, participant_id, user_tier, units, total_price, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.OfferID, r.UserID, p.ID, r.UserTier.RemoteName(), r.Units, r.TotalPrice,
			string(r.Status), models.FormatTime(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return nil
	})
}

// SaveGroupTransition persists a group status change and the participants it
// moved. The write is conditional on the group still being in From.
func (db *DB) SaveGroupTransition(ctx context.Context, t GroupTransition) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE buy_groups SET status = ?, validated_at = COALESCE(?, validated_at) WHERE id = ? AND status = ?`,
			string(t.To), nullTimePtr(t.ValidatedAt), t.GroupID, string(t.From))
		if err != nil {
			return fmt.Errorf("failed to update group status: %w", err)
		}
		if err := expectRow(res, "group", t.GroupID); err != nil {
			return err
		}

		for _, p := range t.Participants {
			if err := updateParticipant(ctx, tx, p, models.ParticipantReserved); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateParticipant writes a participant's new status, conditional on it still
// being in from, and mirrors the status onto the participant's reservation.
func (db *DB) UpdateParticipant(ctx context.Context, p models.Participant, from models.ParticipantStatus) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return updateParticipant(ctx, tx, p, from)
	})
}

func updateParticipant(ctx context.Context, tx *sql.Tx, p models.Participant, from models.ParticipantStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE group_participants
		SET status = ?, validated = ?, validated_at = ?
		WHERE id = ? AND status = ?`,
		string(p.Status), p.Validated, nullTimePtr(p.ValidatedAt), p.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if err := expectRow(res, "participant", p.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE reservations SET status = ?, validated_at = ?
		WHERE participant_id = ?`,
		string(p.Status), nullTimePtr(p.ValidatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

// ReservationForParticipant returns the reservation backing a participant.
func (db *DB) ReservationForParticipant(ctx context.Context, participantID string) (models.Reservation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, offer_id, user_id, user_tier, units,
		COALESCE(total_price, '0'), status, created_at, validated_at
		FROM reservations WHERE participant_id = ?`, participantID)

	var r models.Reservation
	var tier, status, createdAt string
	var validatedAt sql.NullString
	err := row.Scan(&r.ID, &r.OfferID, &r.UserID, &tier, &r.Units, &r.TotalPrice, &status, &createdAt, &validatedAt)
	if err != nil {
		return models.Reservation{}, notFound(err, "reservation for participant", participantID)
	}
	r.UserTier = eligibility.ParseTier(tier)
	r.Status, _ = models.ParseParticipantStatus(status)
	r.CreatedAt = models.ParseTime(createdAt)
	r.ValidatedAt = timePtr(validatedAt)
	return r, nil
}
