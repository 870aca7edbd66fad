package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

const assignmentColumns = `work_item_id,actor_id,actor_role,actor_display_name,actor_email,actor_department_id,quota_assigned,quota_completed,status,feedback,artifacts_json,assigned_at,updated_at,completed_at,version`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var (
		a                     domain.Assignment
		dept, completedAt     sql.NullString
		artifacts             string
		assignedAt, updatedAt string
	)
	err := row.Scan(&a.WorkItemID, &a.Actor.ID, &a.Actor.Role, &a.Actor.DisplayName, &a.Actor.Email, &dept,
		&a.QuotaAssigned, &a.QuotaCompleted, &a.Status, &a.Feedback, &artifacts, &assignedAt, &updatedAt, &completedAt, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if dept.Valid {
		a.Actor.DepartmentID = dept.String
	}
	a.SubmittedArtifacts = []domain.ArtifactRef{}
	if artifacts != "" {
		if err := json.Unmarshal([]byte(artifacts), &a.SubmittedArtifacts); err != nil {
			return a, fmt.Errorf("assignment %s/%s artifacts: %w", a.WorkItemID, a.Actor.ID, err)
		}
	}
	if a.AssignedAt, err = parseTime(assignedAt); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return a, err
	}
	if a.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return a, err
	}
	return a, nil
}

func artifactsJSON(refs []domain.ArtifactRef) (string, error) {
	if refs == nil {
		refs = []domain.ArtifactRef{}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(data), nil
}

// InsertAssignmentTx stores a fresh record. A soft-deleted row for the same
// pair is replaced.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	artifacts, err := artifactsJSON(a.SubmittedArtifacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`,deleted_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL)
ON CONFLICT(work_item_id, actor_id) DO UPDATE SET
  actor_role=excluded.actor_role, actor_display_name=excluded.actor_display_name, actor_email=excluded.actor_email,
  actor_department_id=excluded.actor_department_id, quota_assigned=excluded.quota_assigned, quota_completed=excluded.quota_completed,
  status=excluded.status, feedback=excluded.feedback, artifacts_json=excluded.artifacts_json, assigned_at=excluded.assigned_at,
  updated_at=excluded.updated_at, completed_at=excluded.completed_at, version=assignments.version+1, deleted_at=NULL
WHERE assignments.deleted_at IS NOT NULL`,
		a.WorkItemID, a.Actor.ID, a.Actor.Role, a.Actor.DisplayName, a.Actor.Email, nullable(a.Actor.DepartmentID),
		a.QuotaAssigned, a.QuotaCompleted, a.Status, a.Feedback, artifacts,
		formatTime(a.AssignedAt), formatTime(a.UpdatedAt), formatTimePtr(a.CompletedAt), a.Version)
	return err
}

// UpdateAssignmentCASTx writes every mutable column of a if the stored
// version still equals a.Version, then bumps it. ErrStaleVersion means a
// concurrent writer won; the caller re-reads and retries.
func (r Repo) UpdateAssignmentCASTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	artifacts, err := artifactsJSON(a.SubmittedArtifacts)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE assignments SET quota_completed=?, status=?, feedback=?, artifacts_json=?, updated_at=?, completed_at=?, version=version+1
WHERE work_item_id=? AND actor_id=? AND version=? AND deleted_at IS NULL`,
		a.QuotaCompleted, a.Status, a.Feedback, artifacts, formatTime(a.UpdatedAt), formatTimePtr(a.CompletedAt),
		a.WorkItemID, a.Actor.ID, a.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

// UpdateAssignmentQuotaTx refreshes only the planner-owned columns so a
// concurrent status write on the same record is never overwritten.
func (r Repo) UpdateAssignmentQuotaTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE assignments SET quota_assigned=MAX(?, quota_completed), actor_role=?, actor_display_name=?, actor_email=?, actor_department_id=?, version=version+1
WHERE work_item_id=? AND actor_id=? AND deleted_at IS NULL`,
		a.QuotaAssigned, a.Actor.Role, a.Actor.DisplayName, a.Actor.Email, nullable(a.Actor.DepartmentID), a.WorkItemID, a.Actor.ID))
}

func (r Repo) DeleteAssignmentTx(ctx context.Context, tx *sql.Tx, workItemID, actorID string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `DELETE FROM assignments WHERE work_item_id=? AND actor_id=?`, workItemID, actorID))
}

func (r Repo) GetAssignment(ctx context.Context, workItemID, actorID string) (domain.Assignment, error) {
	return r.GetAssignmentTx(ctx, nil, workItemID, actorID)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, workItemID, actorID string) (domain.Assignment, error) {
	return scanAssignment(r.conn(tx).QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE work_item_id=? AND actor_id=? AND deleted_at IS NULL`, workItemID, actorID))
}

// ListAssignments returns a work item's records in assignment order.
// includeDeleted also returns rows removed by a soft delete of the item.
func (r Repo) ListAssignments(ctx context.Context, workItemID string, includeDeleted bool) ([]domain.Assignment, error) {
	return r.ListAssignmentsTx(ctx, nil, workItemID, includeDeleted)
}

func (r Repo) ListAssignmentsTx(ctx context.Context, tx *sql.Tx, workItemID string, includeDeleted bool) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE work_item_id=?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY assigned_at, rowid`
	return r.queryAssignments(ctx, r.conn(tx), query, workItemID)
}

type AssignmentFilters struct {
	ActorID string
	Status  string
	Limit   int
}

// ListAssignmentsByActor is the "my assignments" index over live items.
func (r Repo) ListAssignmentsByActor(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	clauses := []string{"a.actor_id=?", "a.deleted_at IS NULL", "w.deleted_at IS NULL"}
	args := []any{f.ActorID}
	if f.Status != "" {
		clauses = append(clauses, "a.status=?")
		args = append(args, f.Status)
	}
	cols := "a." + strings.ReplaceAll(assignmentColumns, ",", ",a.")
	query := `SELECT ` + cols + ` FROM assignments a JOIN work_items w ON w.id=a.work_item_id WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY a.updated_at DESC, a.work_item_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryAssignments(ctx, r.DB, query, args...)
}

func (r Repo) queryAssignments(ctx context.Context, q dbtx, query string, args ...any) ([]domain.Assignment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
