package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/domain"
)

const workItemColumns = `id,kind,parent_id,title,description,priority,start_date,end_date,start_time,end_time,total_quota_required,created_by,created_by_role,created_at,updated_at,version,deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		w                    domain.WorkItem
		parentID, deletedAt  sql.NullString
		quota                sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.Kind, &parentID, &w.Title, &w.Description, &w.Priority,
		&w.Schedule.StartDate, &w.Schedule.EndDate, &w.Schedule.StartTime, &w.Schedule.EndTime,
		&quota, &w.CreatedBy.ID, &w.CreatedBy.Role, &createdAt, &updatedAt, &w.Version, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if parentID.Valid {
		p := parentID.String
		w.ParentID = &p
	}
	if quota.Valid {
		q := int(quota.Int64)
		w.TotalQuotaRequired = &q
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, fmt.Errorf("work item %s created_at: %w", w.ID, err)
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return w, fmt.Errorf("work item %s updated_at: %w", w.ID, err)
	}
	if w.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return w, fmt.Errorf("work item %s deleted_at: %w", w.ID, err)
	}
	return w, nil
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	s := w.Schedule.Normalize()
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Kind, nullableStringPtr(w.ParentID), w.Title, w.Description, w.Priority,
		s.StartDate, s.EndDate, s.StartTime, s.EndTime, nullableIntPtr(w.TotalQuotaRequired),
		w.CreatedBy.ID, w.CreatedBy.Role, formatTime(w.CreatedAt), formatTime(w.UpdatedAt), w.Version, formatTimePtr(w.DeletedAt))
	return err
}

// UpdateWorkItemTx writes the editable fields of w if the stored version
// still equals expectedVersion, and bumps the version.
func (r Repo) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem, expectedVersion int) error {
	s := w.Schedule.Normalize()
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET parent_id=?, title=?, description=?, priority=?, start_date=?, end_date=?, start_time=?, end_time=?, total_quota_required=?, updated_at=?, version=version+1
WHERE id=? AND version=? AND deleted_at IS NULL`,
		nullableStringPtr(w.ParentID), w.Title, w.Description, w.Priority, s.StartDate, s.EndDate, s.StartTime, s.EndTime,
		nullableIntPtr(w.TotalQuotaRequired), formatTime(w.UpdatedAt), w.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, nil, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.conn(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

type WorkItemFilters struct {
	CreatedBy       string
	ParentID        string
	Kind            string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListWorkItems pages newest first using a (created_at,id) cursor.
func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// LiveSubtreeIDsTx returns id and every live descendant, root first.
func (r Repo) LiveSubtreeIDsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `WITH RECURSIVE tree(id, depth) AS (
  SELECT id, 0 FROM work_items WHERE id=? AND deleted_at IS NULL
  UNION
  SELECT w.id, t.depth+1 FROM work_items w JOIN tree t ON w.parent_id=t.id WHERE w.deleted_at IS NULL
)
SELECT id FROM tree ORDER BY depth, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, rows.Err()
}

// SoftDeleteWorkItemTx marks the item and its live assignment records
// deleted.
func (r Repo) SoftDeleteWorkItemTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	ts := formatTime(at)
	if err := affectedOrNotFound(tx.ExecContext(ctx,
		`UPDATE work_items SET deleted_at=?, updated_at=?, version=version+1 WHERE id=? AND deleted_at IS NULL`, ts, ts, id)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET deleted_at=?, version=version+1 WHERE work_item_id=? AND deleted_at IS NULL`, ts, id)
	return err
}
