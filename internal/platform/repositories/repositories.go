package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

type OrganizationRepository struct {
	db *database.DB
}

func NewOrganizationRepository(db *database.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	org := &models.Organization{}
	var settings string
	var createdAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, name, plan, settings, created_at, updated_at
		FROM organizations WHERE id = ?
	`), id).Scan(&org.ID, &org.Name, &org.Plan, &settings, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	org.Settings = []byte(settings)
	org.CreatedAt = fromMillis(createdAt)
	org.UpdatedAt = fromMillis(updatedAt)
	return org, nil
}

// EnsureExists returns the organization with id, creating it with the
// default name and plan when it is missing. Concurrent first requests for
// the same id converge on one row.
func (r *OrganizationRepository) EnsureExists(ctx context.Context, id string) (*models.Organization, error) {
	org, err := r.GetByID(ctx, id)
	if err != nil || org != nil {
		return org, err
	}

	now := toMillis(time.Now().UTC())
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO organizations (id, name, plan, settings, created_at, updated_at)
		VALUES (?, ?, ?, '{}', ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), id, models.DefaultOrganizationName, models.DefaultPlan, now, now)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}
