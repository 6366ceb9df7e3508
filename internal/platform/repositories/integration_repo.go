package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
)

const integrationColumns = `id, organization_id, name, target_url, source_type, signing_secret, retry_policy,
	idempotency_key_path, ordering_key_path, is_active, created_at, updated_at`

type IntegrationRepository struct {
	db *database.DB
}

func NewIntegrationRepository(db *database.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

func (r *IntegrationRepository) Create(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = "int_" + uuid.New().String()
	}
	if in.SourceType == "" {
		in.SourceType = models.SourceGeneric
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), in.ID, in.OrganizationID, in.Name, in.TargetURL, in.SourceType, in.SigningSecret, in.RetryPolicy,
		in.IdempotencyKeyPath, in.OrderingKeyPath, in.IsActive, toMillis(in.CreatedAt), toMillis(in.UpdatedAt))
	return err
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`), id)
	in, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return in, nil
}

// List returns integrations for orgID, or every integration when orgID is
// empty.
func (r *IntegrationRepository) List(ctx context.Context, orgID string) ([]*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations`
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *IntegrationRepository) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE integrations SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, toMillis(time.Now().UTC()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanIntegration(row rowScanner) (*models.Integration, error) {
	var in models.Integration
	var secret, idemPath, orderPath sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&in.ID, &in.OrganizationID, &in.Name, &in.TargetURL, &in.SourceType, &secret, &in.RetryPolicy,
		&idemPath, &orderPath, &in.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	in.SigningSecret = nullString(secret)
	in.IdempotencyKeyPath = nullString(idemPath)
	in.OrderingKeyPath = nullString(orderPath)
	in.CreatedAt = fromMillis(createdAt)
	in.UpdatedAt = fromMillis(updatedAt)
	return &in, nil
}
