package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
)

const webhookColumns = `id, integration_id, idempotency_key, ordering_key, source_ip, headers, payload,
	payload_encoding, payload_location, payload_hash, received_at, status, failed_at`

type WebhookRepository struct {
	db *database.DB
}

func NewWebhookRepository(db *database.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// InsertOrGetExisting stores w unless another webhook of the same
// integration already holds its idempotency key. On conflict the existing
// row is returned with inserted=false and w is not written.
func (r *WebhookRepository) InsertOrGetExisting(ctx context.Context, w *models.Webhook) (*models.Webhook, bool, error) {
	if w.Status == "" {
		w.Status = models.StatusPending
	}
	if w.ReceivedAt.IsZero() {
		w.ReceivedAt = time.Now().UTC()
	}
	if w.PayloadEncoding == "" {
		w.PayloadEncoding = models.EncodingText
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (integration_id, idempotency_key) DO NOTHING
	`), w.ID, w.IntegrationID, w.IdempotencyKey, w.OrderingKey, w.SourceIP, w.Headers, w.Payload,
		w.PayloadEncoding, w.PayloadLocation, w.PayloadHash, toMillis(w.ReceivedAt), string(w.Status), nullMillis(w.FailedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		if w.IdempotencyKey == nil {
			return nil, false, fmt.Errorf("insert webhook %s: no row written", w.ID)
		}
		row := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE integration_id = ? AND idempotency_key = ?`),
			w.IntegrationID, *w.IdempotencyKey)
		existing, err := scanWebhook(row)
		if err != nil {
			return nil, false, fmt.Errorf("load duplicate webhook: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return w, true, nil
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`), id)
	w, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// GetForOrganization loads a webhook only if its integration belongs to orgID.
func (r *WebhookRepository) GetForOrganization(ctx context.Context, id, orgID string) (*models.Webhook, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT w.id, w.integration_id, w.idempotency_key, w.ordering_key, w.source_ip, w.headers, w.payload,
			w.payload_encoding, w.payload_location, w.payload_hash, w.received_at, w.status, w.failed_at
		FROM webhooks w
		JOIN integrations i ON i.id = w.integration_id
		WHERE w.id = ? AND i.organization_id = ?
	`), id, orgID)
	w, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

type WebhookFilter struct {
	IntegrationID string
	Status        models.WebhookStatus
	// Before returns only webhooks with a smaller id. Ids sort by receipt
	// time, so it pages backwards through history.
	Before string
	Limit  int
}

// ListForOrganization returns orgID's webhooks newest first.
func (r *WebhookRepository) ListForOrganization(ctx context.Context, orgID string, f WebhookFilter) ([]*models.Webhook, error) {
	query := `
		SELECT w.id, w.integration_id, w.idempotency_key, w.ordering_key, w.source_ip, w.headers, w.payload,
			w.payload_encoding, w.payload_location, w.payload_hash, w.received_at, w.status, w.failed_at
		FROM webhooks w
		JOIN integrations i ON i.id = w.integration_id
		WHERE i.organization_id = ?`
	args := []any{orgID}
	if f.IntegrationID != "" {
		query += ` AND w.integration_id = ?`
		args = append(args, f.IntegrationID)
	}
	if f.Status != "" {
		query += ` AND w.status = ?`
		args = append(args, string(f.Status))
	}
	if f.Before != "" {
		query += ` AND w.id < ?`
		args = append(args, f.Before)
	}
	query += ` ORDER BY w.id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

// UpdateStatus moves a non-terminal webhook to status. It reports false
// when the webhook is missing or already delivered or failed.
func (r *WebhookRepository) UpdateStatus(ctx context.Context, id string, status models.WebhookStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhooks SET status = ?
		WHERE id = ? AND status NOT IN ('delivered', 'failed')
	`), string(status), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhooks SET status = 'failed', failed_at = ?
		WHERE id = ? AND status NOT IN ('delivered', 'failed')
	`), toMillis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListOrphanedPending returns ids of pending webhooks received before
// cutoff that have no delivery attempts, oldest first.
func (r *WebhookRepository) ListOrphanedPending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT w.id FROM webhooks w
		WHERE w.status = 'pending' AND w.received_at < ?
			AND NOT EXISTS (SELECT 1 FROM delivery_attempts a WHERE a.webhook_id = w.id)
		ORDER BY w.received_at
		LIMIT ?
	`), toMillis(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScheduleAttempt claims attempt as the next delivery of a non-terminal
// webhook and moves it back to pending. It reports false when that attempt
// or a later one is already scheduled.
func (r *WebhookRepository) ScheduleAttempt(ctx context.Context, id string, attempt int) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhooks SET status = 'pending', scheduled_attempt = ?
		WHERE id = ? AND scheduled_attempt < ? AND status NOT IN ('delivered', 'failed')
	`), attempt, id, attempt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnscheduleAttempt releases a claim taken by ScheduleAttempt whose task
// never reached the queue.
func (r *WebhookRepository) UnscheduleAttempt(ctx context.Context, id string, attempt int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhooks SET scheduled_attempt = ?
		WHERE id = ? AND scheduled_attempt = ?
	`), attempt-1, id, attempt)
	return err
}

// ListStalledPending returns pending webhooks whose latest attempt
// completed before cutoff, oldest first.
func (r *WebhookRepository) ListStalledPending(ctx context.Context, cutoff time.Time, limit int) ([]models.StalledDelivery, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT w.id, w.integration_id, a.attempt_number, a.status_code, a.completed_at
		FROM webhooks w
		JOIN delivery_attempts a ON a.webhook_id = w.id
		WHERE w.status = 'pending'
			AND a.attempt_number = (SELECT MAX(m.attempt_number) FROM delivery_attempts m WHERE m.webhook_id = w.id)
			AND a.completed_at < ?
		ORDER BY a.completed_at
		LIMIT ?
	`), toMillis(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.StalledDelivery
	for rows.Next() {
		var s models.StalledDelivery
		var code sql.NullInt64
		var completedAt int64
		if err := rows.Scan(&s.WebhookID, &s.IntegrationID, &s.LastAttempt, &code, &completedAt); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			s.LastStatusCode = &c
		}
		s.LastCompletedAt = fromMillis(completedAt)
		list = append(list, s)
	}
	return list, rows.Err()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var w models.Webhook
	var idemKey, orderKey, sourceIP, location sql.NullString
	var status string
	var receivedAt int64
	var failedAt sql.NullInt64
	err := row.Scan(&w.ID, &w.IntegrationID, &idemKey, &orderKey, &sourceIP, &w.Headers, &w.Payload,
		&w.PayloadEncoding, &location, &w.PayloadHash, &receivedAt, &status, &failedAt)
	if err != nil {
		return nil, err
	}
	w.IdempotencyKey = nullString(idemKey)
	w.OrderingKey = nullString(orderKey)
	w.SourceIP = nullString(sourceIP)
	w.PayloadLocation = nullString(location)
	w.ReceivedAt = fromMillis(receivedAt)
	w.Status = models.WebhookStatus(status)
	if failedAt.Valid {
		t := fromMillis(failedAt.Int64)
		w.FailedAt = &t
	}
	return &w, nil
}
