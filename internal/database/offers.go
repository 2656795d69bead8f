package database

import (
	"context"
	"database/sql"
	"fmt"

	"nexusbiz/internal/models"
)

const offerColumns = `o.id, o.product_id, o.store_id, COALESCE(p.name, ''), COALESCE(s.district, ''),
	COALESCE(o.normal_price, '0'), COALESCE(o.group_price, '0'), COALESCE(o.target_units, 0),
	COALESCE(o.reserved_units, 0), COALESCE(o.validated_units, 0), o.created_at,
	COALESCE(o.duration_hours, 0), o.expires_at, o.status
	FROM offers o
	LEFT JOIN products p ON p.id = o.product_id
	LEFT JOIN stores s ON s.id = o.store_id`

// CreateOffer inserts an offer together with the group consumers join. The
// aggregate counters of both start at zero and are owned by triggers.
func (db *DB) CreateOffer(ctx context.Context, o models.Offer, g models.Group) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO offers (
			id, product_id, store_id, normal_price, group_price, target_units,
			duration_hours, status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.ProductID, o.StoreID, o.NormalPrice, o.GroupPrice, o.TargetUnits,
			o.DurationHours, string(o.Status), models.FormatTime(o.CreatedAt), nullTime(o.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert offer: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO buy_groups (
			id, offer_id, store_id, creator_id, target_size, current_size, status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			g.ID, o.ID, o.StoreID, g.CreatorID, g.TargetSize, string(g.Status),
			models.FormatTime(g.CreatedAt), nullTime(g.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
		return nil
	})
}

// GetOffer returns an offer by id with its current aggregates.
func (db *DB) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return getOffer(ctx, db.conn, id)
}

func getOffer(ctx context.Context, q queryer, id string) (models.Offer, error) {
	o, err := scanOffer(q.QueryRowContext(ctx, `SELECT `+offerColumns+` WHERE o.id = ?`, id))
	if err != nil {
		return models.Offer{}, notFound(err, "offer", id)
	}
	return o, nil
}

func scanOffer(row rowScanner) (models.Offer, error) {
	var o models.Offer
	var status, createdAt string
	var expiresAt sql.NullString
	err := row.Scan(&o.ID, &o.ProductID, &o.StoreID, &o.ProductName, &o.District,
		&o.NormalPrice, &o.GroupPrice, &o.TargetUnits,
		&o.ReservedUnits, &o.ValidatedUnits, &createdAt,
		&o.DurationHours, &expiresAt, &status)
	if err != nil {
		return models.Offer{}, err
	}
	o.Status, _ = models.ParseOfferStatus(status)
	o.CreatedAt = models.ParseTime(createdAt)
	if t := timePtr(expiresAt); t != nil {
		o.ExpiresAt = *t
	}
	return o, nil
}

// UpdateOfferStatus moves an offer from one status to another. ErrConflict is
// returned when the offer is no longer in from.
func (db *DB) UpdateOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE offers SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update offer status: %w", err)
	}
	return expectRow(res, "offer", id)
}

func expectRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrConflict)
	}
	return nil
}
