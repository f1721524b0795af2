package repo

import (
	"context"
	"database/sql"

	"reviewloop/internal/domain"
)

// Guard read paths. Each derives a "has X already happened" fact for one
// (business, recipient) pair; the engine calls the Tx variants so that the
// check and the subsequent write share one transaction.

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func actionExists(ctx context.Context, q querier, businessID, recipientID, action string) (bool, error) {
	row := q.QueryRowContext(ctx, `SELECT 1 FROM recipient_events WHERE business_id=? AND recipient_id=? AND action=? LIMIT 1`,
		businessID, recipientID, action)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) WasInvited(ctx context.Context, businessID, recipientID string) (bool, error) {
	return actionExists(ctx, r.DB, businessID, recipientID, domain.ActionInvited)
}

func (r Repo) WasInvitedTx(ctx context.Context, tx *sql.Tx, businessID, recipientID string) (bool, error) {
	return actionExists(ctx, tx, businessID, recipientID, domain.ActionInvited)
}

func (r Repo) HasClicked(ctx context.Context, businessID, recipientID string) (bool, error) {
	return actionExists(ctx, r.DB, businessID, recipientID, domain.ActionClicked)
}

func (r Repo) HasClickedTx(ctx context.Context, tx *sql.Tx, businessID, recipientID string) (bool, error) {
	return actionExists(ctx, tx, businessID, recipientID, domain.ActionClicked)
}

// HasSubmitted cross-checks the reviews table as well as the ledger so the
// two can never disagree about the terminal state.
func (r Repo) HasSubmitted(ctx context.Context, businessID, recipientID string) (bool, error) {
	return hasSubmitted(ctx, r.DB, businessID, recipientID)
}

func (r Repo) HasSubmittedTx(ctx context.Context, tx *sql.Tx, businessID, recipientID string) (bool, error) {
	return hasSubmitted(ctx, tx, businessID, recipientID)
}

func hasSubmitted(ctx context.Context, q querier, businessID, recipientID string) (bool, error) {
	row := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reviews WHERE business_id=? AND recipient_id=?)
OR EXISTS(SELECT 1 FROM recipient_events WHERE business_id=? AND recipient_id=? AND action=?)`,
		businessID, recipientID, businessID, recipientID, domain.ActionSubmitted)
	var submitted bool
	if err := row.Scan(&submitted); err != nil {
		return false, err
	}
	return submitted, nil
}
