package repo

import (
	"context"
	"database/sql"
	"strings"

	"reviewloop/internal/domain"
)

type EventFilters struct {
	BusinessID  string
	RecipientID string
	Action      string
	Limit       int
	Cursor      int64
}

// LatestEvents returns action events newest first, keyed by row id for
// cursor pagination.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.ActionEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.BusinessID != "" {
		clauses = append(clauses, "business_id=?")
		args = append(args, f.BusinessID)
	}
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT id,business_id,recipient_id,action,actor_id,meta_json,created_at FROM recipient_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionEvent
	for rows.Next() {
		var e domain.ActionEvent
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.RecipientID, &e.Action, &actor, &e.Meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			e.ActorID = actor.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents returns how many events of one action exist for the pair.
func (r Repo) CountEvents(ctx context.Context, businessID, recipientID, action string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM recipient_events WHERE business_id=? AND recipient_id=? AND action=?`,
		businessID, recipientID, action)
	var n int
	err := row.Scan(&n)
	return n, err
}
