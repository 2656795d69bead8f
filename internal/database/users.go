package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"nexusbiz/internal/models"
)

// UpsertUser creates a user or refreshes their profile fields. Loyalty
// counters are only changed through AddUserPoints.
func (db *DB) UpsertUser(ctx context.Context, u models.User) error {
	badges, err := json.Marshal(nonNilBadges(u.Badges))
	if err != nil {
		return fmt.Errorf("failed to encode badges: %w", err)
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `INSERT INTO users (
		id, email, display_name, avatar_url, district, points, badges,
		streak, completed_groups, total_savings, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = excluded.email,
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		district = excluded.district,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		u.ID,
		u.Email,
		u.DisplayName,
		u.AvatarURL,
		u.District,
		max(0, u.Points),
		string(badges),
		u.Streak,
		u.CompletedGroups,
		u.TotalSavings,
		models.FormatTime(createdAt),
		models.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id.
func (db *DB) GetUser(ctx context.Context, id string) (models.User, error) {
	return getUser(ctx, db.conn, id)
}

func getUser(ctx context.Context, q queryer, id string) (models.User, error) {
	row := q.QueryRowContext(ctx, `SELECT id, email, display_name, avatar_url, district,
		COALESCE(points, 0), badges, COALESCE(streak, 0), COALESCE(completed_groups, 0),
		COALESCE(total_savings, '0'), created_at
		FROM users WHERE id = ?`, id)

	var u models.User
	var badges, createdAt string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.District,
		&u.Points, &badges, &u.Streak, &u.CompletedGroups, &u.TotalSavings, &createdAt)
	if err != nil {
		return models.User{}, notFound(err, "user", id)
	}
	if err := json.Unmarshal([]byte(badges), &u.Badges); err != nil || u.Badges == nil {
		u.Badges = []string{}
	}
	u.CreatedAt = models.ParseTime(createdAt)
	return u, nil
}

// AddUserPoints adds points and savings to a user's loyalty record and bumps
// the completed group counter when completedGroup is set. The updated user is
// returned.
func (db *DB) AddUserPoints(ctx context.Context, userID string, points int, savings decimal.Decimal, completedGroup bool) (models.User, error) {
	var u models.User
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		completed := current.CompletedGroups
		if completedGroup {
			completed++
		}
		total := current.TotalSavings.Add(savings)

		_, err = tx.ExecContext(ctx, `UPDATE users SET points = ?, completed_groups = ?,
			total_savings = ?, updated_at = ? WHERE id = ?`,
			max(0, current.Points+points), completed, total, models.FormatTime(time.Now().UTC()), userID)
		if err != nil {
			return fmt.Errorf("failed to update user points: %w", err)
		}

		u, err = getUser(ctx, tx, userID)
		return err
	})
	return u, err
}

// SavePushToken registers a device token for a user. Re-registering a token
// only refreshes its platform and timestamp.
func (db *DB) SavePushToken(ctx context.Context, userID, token, platform string) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO push_tokens (user_id, token, platform, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET
			platform = excluded.platform,
			updated_at = excluded.updated_at`,
		userID, token, platform, models.FormatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to save push token: %w", err)
	}
	return nil
}

// PushTokens returns a user's device tokens, newest first.
func (db *DB) PushTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT token FROM push_tokens WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push tokens: %w", err)
	}
	defer rows.Close()

	tokens := []string{}
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan push token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating push tokens: %w", err)
	}
	return tokens, nil
}

func nonNilBadges(b []string) []string {
	if b == nil {
		return []string{}
	}
	return b
}
