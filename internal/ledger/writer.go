// Package ledger appends recipient action events. The events table is the
// authoritative record of what a recipient has already done for a business;
// current state is derived from it, never stored.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Meta map[string]any

// Append inserts one action event inside the caller's transaction. actorID
// is empty for the public, unauthenticated recipient and stored as NULL.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, businessID, recipientID, actorID string, meta Meta) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if meta == nil {
		meta = Meta{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO recipient_events(business_id,recipient_id,action,actor_id,meta_json,created_at) VALUES (?,?,?,?,?,?)`,
		businessID, recipientID, action, nullable(actorID), string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
