package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) UpsertTechProvider(ctx context.Context, p TechProvider) (int64, error) {
	if p.Status == "" {
		p.Status = StatusEnabled
	}
	q := s.sql.Insert("tech_providers").
		Columns("name", "base_url", "status").
		Values(p.Name, p.BaseURL, p.Status).
		Suffix("ON CONFLICT(name) DO UPDATE SET base_url=excluded.base_url, status=excluded.status")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("upsert tech provider: %w", err)
	}

	idQ := s.sql.Select("id").From("tech_providers").Where(sq.Eq{"name": p.Name})
	sqlStr, args, err = idQ.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider id query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get tech provider id: %w", err)
	}
	return id, nil
}

func (s *Store) UpsertTech(ctx context.Context, t Tech) (int64, error) {
	if t.Status == "" {
		t.Status = StatusEnabled
	}
	if t.PricingTier == "" {
		t.PricingTier = TierFree
	}
	q := s.sql.Insert("techs").
		Columns("provider_id", "variant_name", "protocol", "model", "pricing_tier", "is_default", "is_admin_only", "status").
		Values(t.ProviderID, t.VariantName, t.Protocol, t.Model, t.PricingTier, t.IsDefault, t.IsAdminOnly, t.Status).
		Suffix("ON CONFLICT(variant_name) DO UPDATE SET status=excluded.status")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build tech upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("upsert tech: %w", err)
	}

	idQ := s.sql.Select("id").From("techs").Where(sq.Eq{"variant_name": t.VariantName})
	sqlStr, args, err = idQ.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build tech id query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get tech id: %w", err)
	}
	return id, nil
}

func (s *Store) GetTechByVariant(ctx context.Context, variantName string) (TechWithProvider, error) {
	return s.getTechWithProvider(ctx, sq.Eq{"t.variant_name": variantName})
}

func (s *Store) GetTechByID(ctx context.Context, techID int64) (TechWithProvider, error) {
	return s.getTechWithProvider(ctx, sq.Eq{"t.id": techID})
}

func (s *Store) GetDefaultTech(ctx context.Context) (TechWithProvider, error) {
	return s.getTechWithProvider(ctx, sq.Eq{"t.is_default": true})
}

func (s *Store) getTechWithProvider(ctx context.Context, where sq.Sqlizer) (TechWithProvider, error) {
	q := s.sql.Select(
		"t.id", "t.provider_id", "t.variant_name", "t.protocol", "t.model", "t.pricing_tier", "t.is_default", "t.is_admin_only", "t.status", "t.created_at",
		"p.id", "p.name", "p.base_url", "p.status", "p.created_at",
	).From("techs t").
		Join("tech_providers p ON t.provider_id = p.id").
		Where(where)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TechWithProvider{}, fmt.Errorf("build tech with provider query: %w", err)
	}

	var out TechWithProvider
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.Tech.ID,
		&out.Tech.ProviderID,
		&out.Tech.VariantName,
		&out.Tech.Protocol,
		&out.Tech.Model,
		&out.Tech.PricingTier,
		&out.Tech.IsDefault,
		&out.Tech.IsAdminOnly,
		&out.Tech.Status,
		&out.Tech.CreatedAt,
		&out.Provider.ID,
		&out.Provider.Name,
		&out.Provider.BaseURL,
		&out.Provider.Status,
		&out.Provider.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TechWithProvider{}, ErrNotFound
		}
		return TechWithProvider{}, fmt.Errorf("get tech with provider: %w", err)
	}
	return out, nil
}

func (s *Store) SetTechStatus(ctx context.Context, techID int64, status string) error {
	q := s.sql.Update("techs").Set("status", status).Where(sq.Eq{"id": techID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set tech status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set tech status: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertRateLimit(ctx context.Context, techID int64, perMinute int) error {
	q := s.sql.Insert("rate_limited_apis").
		Columns("tech_id", "per_minute").
		Values(techID, perMinute).
		Suffix("ON CONFLICT(tech_id) DO UPDATE SET per_minute=excluded.per_minute")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rate limit upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert rate limit: %w", err)
	}
	return nil
}

func (s *Store) GetRateLimitByTech(ctx context.Context, techID int64) (RateLimitedAPI, error) {
	q := s.sql.Select("id", "tech_id", "per_minute").
		From("rate_limited_apis").
		Where(sq.Eq{"tech_id": techID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return RateLimitedAPI{}, fmt.Errorf("build rate limit query: %w", err)
	}
	var r RateLimitedAPI
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&r.ID, &r.TechID, &r.PerMinute); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RateLimitedAPI{}, ErrNotFound
		}
		return RateLimitedAPI{}, fmt.Errorf("get rate limit: %w", err)
	}
	return r, nil
}
