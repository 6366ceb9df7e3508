package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
)

const attemptColumns = `id, webhook_id, attempt_number, started_at, completed_at, status_code, response_body, error_message, duration_ms`

// AttemptRepository is append-only; attempts are never updated or removed.
type AttemptRepository struct {
	db *database.DB
}

func NewAttemptRepository(db *database.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) Create(ctx context.Context, a *models.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = "att_" + uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.WebhookID, a.AttemptNumber, toMillis(a.StartedAt), toMillis(a.CompletedAt),
		a.StatusCode, a.ResponseBody, a.ErrorMessage, a.DurationMs)
	return err
}

func (r *AttemptRepository) GetByWebhookAndNumber(ctx context.Context, webhookID string, number int) (*models.DeliveryAttempt, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+attemptColumns+` FROM delivery_attempts WHERE webhook_id = ? AND attempt_number = ?`),
		webhookID, number)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (r *AttemptRepository) ListByWebhook(ctx context.Context, webhookID string) ([]*models.DeliveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+attemptColumns+` FROM delivery_attempts WHERE webhook_id = ? ORDER BY attempt_number`), webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *AttemptRepository) CountByWebhook(ctx context.Context, webhookID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM delivery_attempts WHERE webhook_id = ?`), webhookID).Scan(&n)
	return n, err
}

func scanAttempt(row rowScanner) (*models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var startedAt, completedAt int64
	var statusCode sql.NullInt64
	var body, errMsg sql.NullString
	err := row.Scan(&a.ID, &a.WebhookID, &a.AttemptNumber, &startedAt, &completedAt, &statusCode, &body, &errMsg, &a.DurationMs)
	if err != nil {
		return nil, err
	}
	a.StartedAt = fromMillis(startedAt)
	a.CompletedAt = fromMillis(completedAt)
	if statusCode.Valid {
		code := int(statusCode.Int64)
		a.StatusCode = &code
	}
	a.ResponseBody = nullString(body)
	a.ErrorMessage = nullString(errMsg)
	return &a, nil
}
