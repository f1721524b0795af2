// Package engine holds the business operations behind the API and CLI.
// Every mutation runs inside one transaction so the guard checks and the
// writes they protect cannot be separated by a concurrent request.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewloop/internal/config"
	"reviewloop/internal/domain"
	"reviewloop/internal/ledger"
	"reviewloop/internal/mailer"
	"reviewloop/internal/repo"
	"reviewloop/internal/token"
)

var (
	// ErrEmailNotSent means the recipient was never invited, so the action
	// cannot be recorded.
	ErrEmailNotSent = errors.New("email not sent")
	// ErrAlreadySubmitted means the recipient already has a review on file.
	ErrAlreadySubmitted = errors.New("review already submitted")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Tokens *token.Codec
	Mailer mailer.Mailer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, codec *token.Codec, m mailer.Mailer) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Tokens: codec,
		Mailer: m,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateBusiness registers a business. ID defaults to a fresh UUID.
func (e Engine) CreateBusiness(ctx context.Context, id, name, replyTo string) (domain.Business, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Business{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	b := domain.Business{
		ID:        id,
		Name:      name,
		Status:    "active",
		ReplyTo:   replyTo,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertBusiness(ctx, b); err != nil {
		return domain.Business{}, fmt.Errorf("insert business: %w", err)
	}
	return b, nil
}

// AddRecipient registers a recipient under a business. The (business, email)
// pair is unique; re-adding the same address is rejected.
func (e Engine) AddRecipient(ctx context.Context, businessID, email, name string) (domain.Recipient, error) {
	if strings.TrimSpace(email) == "" || !strings.Contains(email, "@") {
		return domain.Recipient{}, errors.New("valid email is required")
	}
	if _, err := e.Repo.GetBusiness(ctx, businessID); err != nil {
		return domain.Recipient{}, err
	}
	rec := domain.Recipient{
		ID:         uuid.NewString(),
		BusinessID: businessID,
		Email:      strings.ToLower(strings.TrimSpace(email)),
		Name:       name,
		CreatedAt:  e.stamp(),
	}
	if err := e.Repo.InsertRecipient(ctx, rec); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Recipient{}, fmt.Errorf("recipient %s already exists for business", rec.Email)
		}
		return domain.Recipient{}, fmt.Errorf("insert recipient: %w", err)
	}
	return rec, nil
}

// RecordClick records a recipient following their invitation link. Returns
// whether a click was already on file, so repeat clicks stay idempotent.
func (e Engine) RecordClick(ctx context.Context, businessID, recipientID, rawToken string) (already bool, err error) {
	if err := e.Tokens.Verify(rawToken, businessID, recipientID); err != nil {
		return false, err
	}
	if recipientID == token.SentinelRecipient {
		return false, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	invited, err := e.Repo.WasInvitedTx(ctx, tx, businessID, recipientID)
	if err != nil {
		return false, err
	}
	if !invited {
		return false, ErrEmailNotSent
	}
	submitted, err := e.Repo.HasSubmittedTx(ctx, tx, businessID, recipientID)
	if err != nil {
		return false, err
	}
	if submitted {
		return false, ErrAlreadySubmitted
	}
	already, err = e.Repo.HasClickedTx(ctx, tx, businessID, recipientID)
	if err != nil {
		return false, err
	}
	if err := e.Ledger.Append(ctx, tx, domain.ActionClicked, businessID, recipientID, "", nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return already, nil
}

// SubmitReviewOptions are parameters for a public review submission.
type SubmitReviewOptions struct {
	BusinessID  string
	RecipientID string
	Token       string
	// Type is "good" or "bad", carried over from the link the recipient chose.
	Type    string
	Content string
	Stars   *int
}

// SubmitReview stores the recipient's one allowed review. Sentinel
// submissions verify the flow without persisting anything.
func (e Engine) SubmitReview(ctx context.Context, opts SubmitReviewOptions) (domain.Review, error) {
	if err := e.Tokens.Verify(opts.Token, opts.BusinessID, opts.RecipientID); err != nil {
		return domain.Review{}, err
	}
	happy, err := sentiment(opts.Type)
	if err != nil {
		return domain.Review{}, err
	}
	if opts.Stars != nil && (*opts.Stars < 0 || *opts.Stars > 5) {
		return domain.Review{}, errors.New("stars must be between 0 and 5")
	}
	rev := domain.Review{
		ID:          uuid.NewString(),
		BusinessID:  opts.BusinessID,
		RecipientID: opts.RecipientID,
		Content:     opts.Content,
		Stars:       opts.Stars,
		Happy:       happy,
		CreatedAt:   e.stamp(),
	}
	if opts.RecipientID == token.SentinelRecipient {
		return rev, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetRecipientTx(ctx, tx, opts.BusinessID, opts.RecipientID); err != nil {
		return domain.Review{}, err
	}
	submitted, err := e.Repo.HasSubmittedTx(ctx, tx, opts.BusinessID, opts.RecipientID)
	if err != nil {
		return domain.Review{}, err
	}
	if submitted {
		return domain.Review{}, ErrAlreadySubmitted
	}
	if err := e.Repo.InsertReviewTx(ctx, tx, rev); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Review{}, ErrAlreadySubmitted
		}
		return domain.Review{}, fmt.Errorf("insert review: %w", err)
	}
	if err := e.Repo.SetRecipientHappyTx(ctx, tx, opts.BusinessID, opts.RecipientID, happy); err != nil {
		return domain.Review{}, err
	}
	meta := ledger.Meta{"sentiment": opts.Type}
	if opts.Stars != nil {
		meta["stars"] = *opts.Stars
	}
	if err := e.Ledger.Append(ctx, tx, domain.ActionSubmitted, opts.BusinessID, opts.RecipientID, "", meta); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Review{}, ErrAlreadySubmitted
		}
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Review{}, ErrAlreadySubmitted
		}
		return domain.Review{}, err
	}
	return rev, nil
}

func sentiment(t string) (bool, error) {
	switch t {
	case "good":
		return true, nil
	case "bad":
		return false, nil
	default:
		return false, fmt.Errorf("type must be good or bad, got %q", t)
	}
}

// InviteLinks are the two pre-sentiment URLs embedded in an invitation.
type InviteLinks struct {
	Good string
	Bad  string
}

// BuildInviteLinks mints a token for the pair and returns the two links.
// The links differ only in the type parameter; sentiment is not encoded in
// the token itself.
func (e Engine) BuildInviteLinks(businessID, recipientID string) (InviteLinks, string, error) {
	ttl := time.Duration(e.Config.TTLDays()) * 24 * time.Hour
	tok, err := e.Tokens.Mint(businessID, recipientID, ttl)
	if err != nil {
		return InviteLinks{}, "", err
	}
	base := strings.TrimSuffix(e.Config.Links.BaseURL, "/")
	q := url.Values{}
	q.Set("businessId", businessID)
	q.Set("recipientId", recipientID)
	q.Set("token", tok)
	q.Set("type", "good")
	good := base + "?" + q.Encode()
	q.Set("type", "bad")
	bad := base + "?" + q.Encode()
	return InviteLinks{Good: good, Bad: bad}, tok, nil
}

// SentInvite identifies one confirmed delivery.
type SentInvite struct {
	RecipientID string `json:"recipient_id"`
	Email       string `json:"email"`
}

// DispatchResult summarizes one bulk invitation batch.
type DispatchResult struct {
	Sent    []SentInvite      `json:"sent"`
	Failed  map[string]string `json:"failed,omitempty"`
	Missing []string          `json:"missing,omitempty"`
}

// DispatchInvites fans invitation email out to recipients of one business.
// Delivery runs on a bounded worker pool; an invited event is appended only
// after the provider confirms delivery, so a failed send leaves the
// recipient eligible for a retry.
func (e Engine) DispatchInvites(ctx context.Context, businessID string, recipientIDs []string, actorID string) (DispatchResult, error) {
	res := DispatchResult{Failed: map[string]string{}}
	biz, err := e.Repo.GetBusiness(ctx, businessID)
	if err != nil {
		return res, err
	}
	// A recipient listed twice gets one email, not two.
	seen := make(map[string]bool, len(recipientIDs))
	var ids []string
	for _, id := range recipientIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	recipients, err := e.Repo.RecipientsByIDs(ctx, businessID, ids)
	if err != nil {
		return res, err
	}
	found := make(map[string]bool, len(recipients))
	for _, rec := range recipients {
		found[rec.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			res.Missing = append(res.Missing, id)
		}
	}

	type outcome struct {
		recipientID string
		messageID   string
		err         error
	}
	jobs := make(chan domain.Recipient)
	outcomes := make(chan outcome, len(recipients))
	var wg sync.WaitGroup
	workers := e.Config.DispatchWorkers()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				id, err := e.sendInvite(ctx, biz, rec)
				outcomes <- outcome{recipientID: rec.ID, messageID: id, err: err}
			}
		}()
	}
	for _, rec := range recipients {
		jobs <- rec
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	delivered := make(map[string]string)
	for o := range outcomes {
		if o.err != nil {
			log.Printf("invite delivery failed business=%s recipient=%s: %v", businessID, o.recipientID, o.err)
			res.Failed[o.recipientID] = o.err.Error()
			continue
		}
		delivered[o.recipientID] = o.messageID
	}

	// Ledger writes happen after the pool drains so each invited event
	// reflects a confirmed delivery.
	for _, rec := range recipients {
		msgID, ok := delivered[rec.ID]
		if !ok {
			continue
		}
		if err := e.appendInvited(ctx, businessID, rec.ID, actorID, msgID); err != nil {
			res.Failed[rec.ID] = err.Error()
			continue
		}
		res.Sent = append(res.Sent, SentInvite{RecipientID: rec.ID, Email: rec.Email})
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

func (e Engine) sendInvite(ctx context.Context, biz domain.Business, rec domain.Recipient) (string, error) {
	links, _, err := e.BuildInviteLinks(biz.ID, rec.ID)
	if err != nil {
		return "", err
	}
	from := biz.ReplyTo
	if from == "" {
		from = e.Config.Mailer.From
	}
	msg := mailer.Message{
		To:       rec.Email,
		Name:     rec.Name,
		From:     from,
		Subject:  fmt.Sprintf("How was your experience with %s?", biz.Name),
		HTMLBody: inviteHTML(biz.Name, rec.Name, links),
		TextBody: inviteText(biz.Name, rec.Name, links),
	}
	return e.Mailer.Send(ctx, msg)
}

func (e Engine) appendInvited(ctx context.Context, businessID, recipientID, actorID, messageID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Ledger.Append(ctx, tx, domain.ActionInvited, businessID, recipientID, actorID, ledger.Meta{"message_id": messageID}); err != nil {
		return err
	}
	return tx.Commit()
}

func inviteHTML(business, name string, links InviteLinks) string {
	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + name
	}
	return fmt.Sprintf(`<p>%s,</p>
<p>Thanks for choosing %s. How did we do?</p>
<p><a href="%s">It was great</a> &middot; <a href="%s">Not so good</a></p>`,
		greeting, business, links.Good, links.Bad)
}

func inviteText(business, name string, links InviteLinks) string {
	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + name
	}
	return fmt.Sprintf("%s,\n\nThanks for choosing %s. How did we do?\n\nIt was great: %s\nNot so good: %s\n",
		greeting, business, links.Good, links.Bad)
}
