package domain

type Business struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,paused,archived"`
	ReplyTo   string `json:"reply_to,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Recipient struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	// Happy mirrors the sentiment of the submitted review; nil until one exists.
	Happy     *bool  `json:"happy,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Review struct {
	ID          string `json:"id"`
	BusinessID  string `json:"business_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Stars       *int   `json:"stars,omitempty"`
	Happy       bool   `json:"happy"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Recipient actions form a closed set. Extending it requires a migration of
// the recipient_events CHECK constraint.
const (
	ActionInvited   = "invited"
	ActionClicked   = "clicked"
	ActionSubmitted = "submitted"
)

type ActionEvent struct {
	ID          int64  `json:"id"`
	BusinessID  string `json:"business_id"`
	RecipientID string `json:"recipient_id"`
	Action      string `json:"action" enum:"invited,clicked,submitted"`
	// ActorID is empty for actions taken by the public, unauthenticated recipient.
	ActorID   string `json:"actor_id,omitempty"`
	Meta      string `json:"meta_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
