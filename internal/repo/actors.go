package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crewline/internal/domain"
)

func scanActor(row rowScanner) (domain.ActorRef, error) {
	var a domain.ActorRef
	var dept sql.NullString
	err := row.Scan(&a.ID, &a.Role, &a.DisplayName, &a.Email, &dept)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if dept.Valid {
		a.DepartmentID = dept.String
	}
	return a, err
}

// UpsertActorTx creates or refreshes a directory entry.
func (r Repo) UpsertActorTx(ctx context.Context, tx *sql.Tx, a domain.ActorRef, now time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO actors(id,role,display_name,email,department_id,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, display_name=excluded.display_name, email=excluded.email, department_id=excluded.department_id`,
		a.ID, a.Role, a.DisplayName, a.Email, nullable(a.DepartmentID), formatTime(now))
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.ActorRef, error) {
	return r.GetActorTx(ctx, nil, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActorRef, error) {
	return scanActor(r.conn(tx).QueryRowContext(ctx, `SELECT id,role,display_name,email,department_id FROM actors WHERE id=?`, id))
}

// ListActors returns the directory, optionally filtered by role.
func (r Repo) ListActors(ctx context.Context, role string) ([]domain.ActorRef, error) {
	query := `SELECT id,role,display_name,email,department_id FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActorRef
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
