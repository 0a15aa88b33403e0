// Package repository contains the PostgreSQL implementation of the zone and
// promo stores.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/addiseats/eligibility/internal/model"
	"github.com/addiseats/eligibility/internal/promo"
	"github.com/addiseats/eligibility/internal/zone"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnavailable is returned when the database cannot be reached within the
// request timeout. It is distinct from all domain rejections.
var ErrUnavailable = errors.New("storage unavailable")

// PostgresRepository provides access to the zone and promo data in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the repository and initializes the schema
// through embedded migrations.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Serialization failures and deadlocks are worth another pass;
		// pgxpool handles reconnects itself.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// storageErr wraps infrastructure failures in ErrUnavailable so callers can
// tell "not eligible" from "could not decide".
func storageErr(op string, err error) error {
	if isConnectionError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const zoneColumns = `id, name, name_am, sub_city, center_lat, center_lng, radius_km,
	 delivery_fee, min_order, estimated_min, estimated_max, is_active, created_at`

func scanZone(row pgx.Row) (*model.DeliveryZone, error) {
	var z model.DeliveryZone
	err := row.Scan(&z.ID, &z.Name, &z.NameAm, &z.SubCity, &z.CenterLat, &z.CenterLng,
		&z.RadiusKm, &z.DeliveryFee, &z.MinOrder, &z.EstimatedMin, &z.EstimatedMax,
		&z.IsActive, &z.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (r *PostgresRepository) queryZones(ctx context.Context, query string, args ...any) ([]model.DeliveryZone, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("select zones", err)
	}
	defer rows.Close()

	var zones []model.DeliveryZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		zones = append(zones, *z)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("zone rows", err)
	}

	return zones, nil
}

// ListActiveGeofenced returns the active zones with a defined geofence center.
func (r *PostgresRepository) ListActiveGeofenced(ctx context.Context) ([]model.DeliveryZone, error) {
	return r.queryZones(ctx,
		`SELECT `+zoneColumns+`
		 FROM delivery_zones
		 WHERE is_active AND center_lat IS NOT NULL AND center_lng IS NOT NULL
		 ORDER BY id`)
}

// ListZones returns all zones ordered by id.
func (r *PostgresRepository) ListZones(ctx context.Context) ([]model.DeliveryZone, error) {
	return r.queryZones(ctx, `SELECT `+zoneColumns+` FROM delivery_zones ORDER BY id`)
}

// GetZone returns the zone with the given id.
func (r *PostgresRepository) GetZone(ctx context.Context, id int64) (*model.DeliveryZone, error) {
	z, err := scanZone(r.pool.QueryRow(ctx,
		`SELECT `+zoneColumns+` FROM delivery_zones WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, zone.ErrZoneNotFound
		}
		return nil, storageErr("get zone", err)
	}
	return z, nil
}

// FindZoneBySubCity returns the zone owning the sub-city, active or not.
func (r *PostgresRepository) FindZoneBySubCity(ctx context.Context, subCity string) (*model.DeliveryZone, error) {
	z, err := scanZone(r.pool.QueryRow(ctx,
		`SELECT `+zoneColumns+` FROM delivery_zones WHERE sub_city = $1`, subCity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, zone.ErrZoneNotFound
		}
		return nil, storageErr("find zone by sub-city", err)
	}
	return z, nil
}

// CreateZone inserts a new zone and returns its id. The sub_city unique
// constraint backs the registry's uniqueness check against concurrent creates.
func (r *PostgresRepository) CreateZone(ctx context.Context, z *model.DeliveryZone) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO delivery_zones
		 (name, name_am, sub_city, center_lat, center_lng, radius_km,
		  delivery_fee, min_order, estimated_min, estimated_max, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		z.Name, z.NameAm, z.SubCity, z.CenterLat, z.CenterLng, z.RadiusKm,
		z.DeliveryFee, z.MinOrder, z.EstimatedMin, z.EstimatedMax, z.IsActive,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", zone.ErrDuplicateSubCity, z.SubCity)
		}
		return 0, storageErr("create zone", err)
	}
	return id, nil
}

// UpdateZone writes the mutable zone columns. sub_city is never updated.
func (r *PostgresRepository) UpdateZone(ctx context.Context, z *model.DeliveryZone) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE delivery_zones
		 SET name = $2, name_am = $3, center_lat = $4, center_lng = $5,
		     radius_km = $6, delivery_fee = $7, min_order = $8,
		     estimated_min = $9, estimated_max = $10, is_active = $11
		 WHERE id = $1`,
		z.ID, z.Name, z.NameAm, z.CenterLat, z.CenterLng, z.RadiusKm,
		z.DeliveryFee, z.MinOrder, z.EstimatedMin, z.EstimatedMax, z.IsActive)
	if err != nil {
		return storageErr("update zone", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return zone.ErrZoneNotFound
	}
	return nil
}

// SetZoneActive flips the is_active flag.
func (r *PostgresRepository) SetZoneActive(ctx context.Context, id int64, active bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE delivery_zones SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return storageErr("set zone active", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return zone.ErrZoneNotFound
	}
	return nil
}

// DeleteZone removes the zone row.
func (r *PostgresRepository) DeleteZone(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM delivery_zones WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete zone", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return zone.ErrZoneNotFound
	}
	return nil
}

const promoColumns = `id, code, title, title_am, description, description_am,
	 discount_type, discount_value, min_order, max_discount, max_uses,
	 max_uses_per_user, used_count, is_active, start_date, end_date, created_at`

func scanPromo(row pgx.Row) (*model.PromoCode, error) {
	var p model.PromoCode
	var discountType string
	err := row.Scan(&p.ID, &p.Code, &p.Title, &p.TitleAm, &p.Description, &p.DescriptionAm,
		&discountType, &p.DiscountValue, &p.MinOrder, &p.MaxDiscount, &p.MaxUses,
		&p.MaxUsesPerUser, &p.UsedCount, &p.IsActive, &p.StartDate, &p.EndDate, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.DiscountType = model.DiscountType(discountType)
	return &p, nil
}

// FindPromoByCode returns the promo with the given normalized code.
func (r *PostgresRepository) FindPromoByCode(ctx context.Context, code string) (*model.PromoCode, error) {
	p, err := scanPromo(r.pool.QueryRow(ctx,
		`SELECT `+promoColumns+` FROM promo_codes WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promo.ErrPromoNotFound
		}
		return nil, storageErr("find promo", err)
	}
	return p, nil
}

// GetPromo returns the promo with the given id.
func (r *PostgresRepository) GetPromo(ctx context.Context, id int64) (*model.PromoCode, error) {
	p, err := scanPromo(r.pool.QueryRow(ctx,
		`SELECT `+promoColumns+` FROM promo_codes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promo.ErrPromoNotFound
		}
		return nil, storageErr("get promo", err)
	}
	return p, nil
}

// CountUserRedemptions returns how many times the user has redeemed the promo.
func (r *PostgresRepository) CountUserRedemptions(ctx context.Context, promoID, userID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT used_count FROM promo_redemptions WHERE promo_id = $1 AND user_id = $2), 0)`,
		promoID, userID,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count redemptions", err)
	}
	return count, nil
}

// RecordRedemption moves the global and per-user counters in one transaction.
// The global increment is conditional on remaining headroom so two concurrent
// redemptions cannot both pass the cap; the per-user counter is re-checked
// under a row lock.
func (r *PostgresRepository) RecordRedemption(ctx context.Context, promoID, userID int64, maxUses *int64, perUserLimit int) error {
	return r.withRetry(ctx, func() error {
		return r.recordRedemption(ctx, promoID, userID, maxUses, perUserLimit)
	})
}

func (r *PostgresRepository) recordRedemption(ctx context.Context, promoID, userID int64, maxUses *int64, perUserLimit int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE promo_codes
		 SET used_count = used_count + 1
		 WHERE id = $1 AND (max_uses IS NULL OR used_count < max_uses)`,
		promoID)
	if err != nil {
		return storageErr("increment used count", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return promo.ErrPromoExhausted
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO promo_redemptions (promo_id, user_id, used_count)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (promo_id, user_id) DO NOTHING`,
		promoID, userID)
	if err != nil {
		return storageErr("ensure redemption row", err)
	}

	var userCount int
	err = tx.QueryRow(ctx,
		`SELECT used_count FROM promo_redemptions
		 WHERE promo_id = $1 AND user_id = $2
		 FOR UPDATE`,
		promoID, userID,
	).Scan(&userCount)
	if err != nil {
		return storageErr("lock redemption row", err)
	}

	if userCount >= perUserLimit {
		return promo.ErrPerUserLimitReached
	}

	_, err = tx.Exec(ctx,
		`UPDATE promo_redemptions SET used_count = used_count + 1
		 WHERE promo_id = $1 AND user_id = $2`,
		promoID, userID)
	if err != nil {
		return storageErr("increment user count", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit tx", err)
	}

	return nil
}

// CreatePromo inserts a new promo and returns its id.
func (r *PostgresRepository) CreatePromo(ctx context.Context, p *model.PromoCode) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO promo_codes
		 (code, title, title_am, description, description_am, discount_type,
		  discount_value, min_order, max_discount, max_uses, max_uses_per_user,
		  is_active, start_date, end_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		p.Code, p.Title, p.TitleAm, p.Description, p.DescriptionAm, string(p.DiscountType),
		p.DiscountValue, p.MinOrder, p.MaxDiscount, p.MaxUses, p.MaxUsesPerUser,
		p.IsActive, p.StartDate, p.EndDate,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", promo.ErrPromoCodeExists, p.Code)
		}
		return 0, storageErr("create promo", err)
	}
	return id, nil
}

// UpdatePromo writes the mutable promo columns. code, discount_type and
// used_count are never updated here.
func (r *PostgresRepository) UpdatePromo(ctx context.Context, p *model.PromoCode) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE promo_codes
		 SET title = $2, title_am = $3, description = $4, description_am = $5,
		     discount_value = $6, min_order = $7, max_discount = $8,
		     max_uses = $9, max_uses_per_user = $10, is_active = $11,
		     start_date = $12, end_date = $13
		 WHERE id = $1`,
		p.ID, p.Title, p.TitleAm, p.Description, p.DescriptionAm,
		p.DiscountValue, p.MinOrder, p.MaxDiscount, p.MaxUses, p.MaxUsesPerUser,
		p.IsActive, p.StartDate, p.EndDate)
	if err != nil {
		return storageErr("update promo", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return promo.ErrPromoNotFound
	}
	return nil
}

// SetPromoActive flips the is_active flag.
func (r *PostgresRepository) SetPromoActive(ctx context.Context, id int64, active bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE promo_codes SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return storageErr("set promo active", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return promo.ErrPromoNotFound
	}
	return nil
}

// ListPromos returns all promos, newest first.
func (r *PostgresRepository) ListPromos(ctx context.Context) ([]model.PromoCode, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+promoColumns+` FROM promo_codes ORDER BY created_at DESC`)
	if err != nil {
		return nil, storageErr("select promos", err)
	}
	defer rows.Close()

	var promos []model.PromoCode
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promo: %w", err)
		}
		promos = append(promos, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("promo rows", err)
	}

	return promos, nil
}
