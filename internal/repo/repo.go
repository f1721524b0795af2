package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"reviewloop/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a uniqueness constraint failure.
// The submission path treats this as the authoritative already-submitted
// signal when two submits race past the guard check.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) InsertBusiness(ctx context.Context, b domain.Business) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO businesses(id,name,status,reply_to,created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.Name, b.Status, nullable(b.ReplyTo), b.CreatedAt)
	return err
}

func (r Repo) GetBusiness(ctx context.Context, id string) (domain.Business, error) {
	var b domain.Business
	var replyTo sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,reply_to,created_at FROM businesses WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.Status, &replyTo, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if replyTo.Valid {
		b.ReplyTo = replyTo.String
	}
	return b, err
}

func (r Repo) ListBusinesses(ctx context.Context) ([]domain.Business, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(reply_to,''),created_at FROM businesses ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Business
	for rows.Next() {
		var b domain.Business
		if err := rows.Scan(&b.ID, &b.Name, &b.Status, &b.ReplyTo, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertRecipient(ctx context.Context, rec domain.Recipient) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO recipients(id,business_id,email,name,happy,created_at) VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.BusinessID, rec.Email, nullable(rec.Name), nullableBoolPtr(rec.Happy), rec.CreatedAt)
	return err
}

func scanRecipient(scan func(dest ...any) error) (domain.Recipient, error) {
	var rec domain.Recipient
	var name sql.NullString
	var happy sql.NullBool
	err := scan(&rec.ID, &rec.BusinessID, &rec.Email, &name, &happy, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if name.Valid {
		rec.Name = name.String
	}
	if happy.Valid {
		h := happy.Bool
		rec.Happy = &h
	}
	return rec, nil
}

// GetRecipient returns the recipient only when it belongs to the business.
func (r Repo) GetRecipient(ctx context.Context, businessID, id string) (domain.Recipient, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,business_id,email,name,happy,created_at FROM recipients WHERE id=? AND business_id=?`, id, businessID)
	return scanRecipient(row.Scan)
}

func (r Repo) GetRecipientTx(ctx context.Context, tx *sql.Tx, businessID, id string) (domain.Recipient, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,business_id,email,name,happy,created_at FROM recipients WHERE id=? AND business_id=?`, id, businessID)
	return scanRecipient(row.Scan)
}

func (r Repo) ListRecipients(ctx context.Context, businessID string) ([]domain.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,business_id,email,name,happy,created_at FROM recipients WHERE business_id=? ORDER BY created_at DESC, id DESC`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecipientsByIDs returns the subset of ids that exist under the business,
// preserving request order.
func (r Repo) RecipientsByIDs(ctx context.Context, businessID string, ids []string) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{businessID}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,business_id,email,name,happy,created_at FROM recipients WHERE business_id=? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]domain.Recipient)
	for rows.Next() {
		rec, err := scanRecipient(rows.Scan)
		if err != nil {
			return nil, err
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Recipient
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			res = append(res, rec)
		}
	}
	return res, nil
}

// SetRecipientHappyTx updates the denormalized sentiment flag.
func (r Repo) SetRecipientHappyTx(ctx context.Context, tx *sql.Tx, businessID, id string, happy bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE recipients SET happy=? WHERE id=? AND business_id=?`, happy, id, businessID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rev domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,business_id,recipient_id,content,stars,happy,created_at) VALUES (?,?,?,?,?,?,?)`,
		rev.ID, rev.BusinessID, rev.RecipientID, rev.Content, nullableIntPtr(rev.Stars), rev.Happy, rev.CreatedAt)
	return err
}

func (r Repo) GetReview(ctx context.Context, businessID, recipientID string) (domain.Review, error) {
	var rev domain.Review
	var stars sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,business_id,recipient_id,content,stars,happy,created_at FROM reviews WHERE business_id=? AND recipient_id=?`,
		businessID, recipientID).
		Scan(&rev.ID, &rev.BusinessID, &rev.RecipientID, &rev.Content, &stars, &rev.Happy, &rev.CreatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if stars.Valid {
		s := int(stars.Int64)
		rev.Stars = &s
	}
	return rev, err
}

func (r Repo) ListReviews(ctx context.Context, businessID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,business_id,recipient_id,content,stars,happy,created_at FROM reviews WHERE business_id=? ORDER BY created_at DESC, id DESC`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rev domain.Review
		var stars sql.NullInt64
		if err := rows.Scan(&rev.ID, &rev.BusinessID, &rev.RecipientID, &rev.Content, &stars, &rev.Happy, &rev.CreatedAt); err != nil {
			return nil, err
		}
		if stars.Valid {
			s := int(stars.Int64)
			rev.Stars = &s
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
