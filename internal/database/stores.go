package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"nexusbiz/internal/models"
)

// ErrDuplicate is returned when a unique column already holds the value.
var ErrDuplicate = errors.New("record already exists")

// CreateStore inserts a store. A RUC that is already registered yields
// ErrDuplicate.
func (db *DB) CreateStore(ctx context.Context, s models.Store) error {
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	plan := s.Plan
	if plan == "" {
		plan = models.PlanFree
	}

	_, err := db.conn.ExecContext(ctx, `INSERT INTO stores (
		id, owner_id, name, ruc, legal_name, legal_address, address, district,
		latitude, longitude, plan, rating, total_sales, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.Name, s.RUC, s.LegalName, s.LegalAddress, s.Address, s.District,
		s.Latitude, s.Longitude, string(plan), s.Rating, s.TotalSales, models.FormatTime(createdAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("store with ruc %s: %w", s.RUC, ErrDuplicate)
		}
		return fmt.Errorf("failed to create store: %w", err)
	}
	return nil
}

// GetStore returns a store by id.
func (db *DB) GetStore(ctx context.Context, id string) (models.Store, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, owner_id, name, ruc, legal_name, legal_address,
		address, district, latitude, longitude, plan, COALESCE(rating, 0), COALESCE(total_sales, 0), created_at
		FROM stores WHERE id = ?`, id)

	var s models.Store
	var plan, createdAt string
	err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.RUC, &s.LegalName, &s.LegalAddress,
		&s.Address, &s.District, &s.Latitude, &s.Longitude, &plan, &s.Rating, &s.TotalSales, &createdAt)
	if err != nil {
		return models.Store{}, notFound(err, "store", id)
	}
	s.Plan = models.ParseStorePlan(plan)
	s.CreatedAt = models.ParseTime(createdAt)
	return s, nil
}

// CreateProduct inserts a product of an existing store.
func (db *DB) CreateProduct(ctx context.Context, p models.Product) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx, `INSERT INTO products (
		id, store_id, name, description, image_url, category, normal_price, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StoreID, p.Name, p.Description, p.ImageURL, p.Category, p.NormalPrice, models.FormatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

// GetProduct returns a product by id.
func (db *DB) GetProduct(ctx context.Context, id string) (models.Product, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, store_id, name, description, image_url, category,
		COALESCE(normal_price, '0'), created_at FROM products WHERE id = ?`, id)

	var p models.Product
	var createdAt string
	err := row.Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.ImageURL, &p.Category, &p.NormalPrice, &createdAt)
	if err != nil {
		return models.Product{}, notFound(err, "product", id)
	}
	p.CreatedAt = models.ParseTime(createdAt)
	return p, nil
}
