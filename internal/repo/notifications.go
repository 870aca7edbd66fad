package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crewline/internal/domain"
)

const notificationColumns = `id,dedup_key,recipient_id,recipient_role,kind,work_item_id,payload_json,status,attempts,last_error,created_at,next_attempt_at,delivered_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var (
		n               domain.Notification
		payload         string
		created, nextAt string
		deliveredAt     sql.NullString
	)
	err := row.Scan(&n.ID, &n.DedupKey, &n.Recipient.ID, &n.Recipient.Role, &n.Kind, &n.WorkItemID, &payload,
		&n.Status, &n.Attempts, &n.LastError, &created, &nextAt, &deliveredAt)
	if err != nil {
		return n, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return n, fmt.Errorf("notification %s payload: %w", n.ID, err)
		}
	}
	if n.CreatedAt, err = parseTime(created); err != nil {
		return n, err
	}
	if n.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return n, err
	}
	if n.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return n, err
	}
	return n, nil
}

// EnqueueNotifications writes intents as pending outbox rows. Rows whose
// dedup key already exists are skipped. It returns how many were new.
func (r Repo) EnqueueNotifications(ctx context.Context, intents []domain.NotificationIntent, now time.Time) (int, error) {
	if len(intents) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	ts := formatTime(now)
	added := 0
	for _, in := range intents {
		payload := in.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal notification payload: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notifications(id,dedup_key,recipient_id,recipient_role,kind,work_item_id,payload_json,status,attempts,last_error,created_at,next_attempt_at)
VALUES (?,?,?,?,?,?,?,'pending',0,'',?,?)`,
			in.ID, in.DedupKey, in.Recipient.ID, in.Recipient.Role, in.Kind, in.WorkItemID, string(data), ts, ts)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", in.DedupKey, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// DueNotifications returns pending rows whose next attempt is not after now.
func (r Repo) DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE status='pending' AND next_attempt_at<=? ORDER BY next_attempt_at, created_at, id LIMIT ?`,
		formatTime(now), limit)
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id string, attempts int, at time.Time) error {
	return affectedOrNotFound(r.DB.ExecContext(ctx, `UPDATE notifications SET status='delivered', attempts=?, delivered_at=?, last_error='' WHERE id=?`,
		attempts, formatTime(at), id))
}

func (r Repo) MarkNotificationRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return affectedOrNotFound(r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=?, next_attempt_at=?, last_error=? WHERE id=?`,
		attempts, formatTime(next), lastErr, id))
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return affectedOrNotFound(r.DB.ExecContext(ctx, `UPDATE notifications SET status='failed', attempts=?, last_error=? WHERE id=?`,
		attempts, lastErr, id))
}

type NotificationFilters struct {
	RecipientID string
	WorkItemID  string
	Status      string
	Kind        string
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	return r.queryNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, rowid LIMIT ?`, args...)
}

func (r Repo) queryNotifications(ctx context.Context, query string, args ...any) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
