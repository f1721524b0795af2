package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewloop/internal/config"
	"reviewloop/internal/db"
	"reviewloop/internal/engine"
	"reviewloop/internal/mailer"
	"reviewloop/internal/migrate"
	"reviewloop/internal/repo"
	"reviewloop/internal/token"
)

type testEnv struct {
	Engine engine.Engine
	Mailer *mailer.LogMailer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	codec, err := token.New("test-secret", "")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	lm := &mailer.LogMailer{Fail: map[string]bool{}}
	cfg := config.Default()
	eng := engine.New(conn, cfg, codec, lm)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Mailer: lm, Ctx: context.Background()}
}

func seedPair(t *testing.T, env testEnv) (businessID, recipientID string) {
	t.Helper()
	biz, err := env.Engine.CreateBusiness(env.Ctx, "", "Corner Cafe", "")
	if err != nil {
		t.Fatalf("create business: %v", err)
	}
	rec, err := env.Engine.AddRecipient(env.Ctx, biz.ID, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("add recipient: %v", err)
	}
	return biz.ID, rec.ID
}

func invite(t *testing.T, env testEnv, businessID, recipientID string) string {
	t.Helper()
	res, err := env.Engine.DispatchInvites(env.Ctx, businessID, []string{recipientID}, "owner")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Sent) != 1 {
		t.Fatalf("expected 1 sent, got %+v", res)
	}
	tok, err := env.Engine.Tokens.Mint(businessID, recipientID, 24*time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func TestClickRequiresInvitation(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	tok, _ := env.Engine.Tokens.Mint(bizID, recID, time.Hour)
	_, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok)
	if !errors.Is(err, engine.ErrEmailNotSent) {
		t.Fatalf("expected ErrEmailNotSent, got %v", err)
	}
}

func TestClickIdempotent(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	tok := invite(t, env, bizID, recID)

	already, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok)
	if err != nil {
		t.Fatalf("first click: %v", err)
	}
	if already {
		t.Fatalf("first click reported as repeat")
	}
	already, err = env.Engine.RecordClick(env.Ctx, bizID, recID, tok)
	if err != nil {
		t.Fatalf("second click: %v", err)
	}
	if !already {
		t.Fatalf("second click not reported as repeat")
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, bizID, recID, "clicked")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 clicked events, got %d", n)
	}
}

func TestClickRejectedWithBadToken(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	invite(t, env, bizID, recID)
	_, err := env.Engine.RecordClick(env.Ctx, bizID, recID, "not-a-token")
	var verr *token.VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("expected verify error, got %v", err)
	}
}

func TestSubmitOnce(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	tok := invite(t, env, bizID, recID)
	if _, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok); err != nil {
		t.Fatalf("click: %v", err)
	}

	stars := 5
	rev, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID:  bizID,
		RecipientID: recID,
		Token:       tok,
		Type:        "good",
		Content:     "Great coffee.",
		Stars:       &stars,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !rev.Happy {
		t.Fatalf("good submission should be happy")
	}

	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID: bizID, RecipientID: recID, Token: tok, Type: "bad", Content: "changed my mind",
	})
	if !errors.Is(err, engine.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, bizID)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("expected exactly one review, got %d", len(reviews))
	}
}

func TestClickBlockedAfterSubmit(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	tok := invite(t, env, bizID, recID)
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID: bizID, RecipientID: recID, Token: tok, Type: "bad", Content: "meh",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok)
	if !errors.Is(err, engine.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestSubmitUpdatesSentiment(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	tok := invite(t, env, bizID, recID)
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID: bizID, RecipientID: recID, Token: tok, Type: "bad", Content: "slow service",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, err := env.Engine.Repo.GetRecipient(env.Ctx, bizID, recID)
	if err != nil {
		t.Fatalf("get recipient: %v", err)
	}
	if rec.Happy == nil || *rec.Happy {
		t.Fatalf("expected happy=false after bad review, got %v", rec.Happy)
	}
}

func TestSentinelSubmitPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	bizID, _ := seedPair(t, env)
	rev, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID:  bizID,
		RecipientID: token.SentinelRecipient,
		Token:       "garbage",
		Type:        "good",
		Content:     "smoke test",
	})
	if err != nil {
		t.Fatalf("sentinel submit: %v", err)
	}
	if rev.RecipientID != token.SentinelRecipient {
		t.Fatalf("unexpected review %+v", rev)
	}
	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, bizID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reviews) != 0 {
		t.Fatalf("sentinel submission persisted %d reviews", len(reviews))
	}
}

func TestSentinelClickSkipsGuards(t *testing.T) {
	env := newTestEnv(t)
	bizID, _ := seedPair(t, env)
	already, err := env.Engine.RecordClick(env.Ctx, bizID, token.SentinelRecipient, "garbage")
	if err != nil {
		t.Fatalf("sentinel click: %v", err)
	}
	if already {
		t.Fatalf("sentinel click should never report a repeat")
	}
}

func TestDispatchSkipsUnknownAndFailed(t *testing.T) {
	env := newTestEnv(t)
	biz, err := env.Engine.CreateBusiness(env.Ctx, "", "Corner Cafe", "")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := env.Engine.AddRecipient(env.Ctx, biz.ID, "ok@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	bad, err := env.Engine.AddRecipient(env.Ctx, biz.ID, "down@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	env.Mailer.Fail["down@example.com"] = true

	res, err := env.Engine.DispatchInvites(env.Ctx, biz.ID, []string{ok.ID, bad.ID, "ghost"}, "owner")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Sent) != 1 || res.Sent[0].RecipientID != ok.ID || res.Sent[0].Email != "ok@example.com" {
		t.Fatalf("sent = %v", res.Sent)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "ghost" {
		t.Fatalf("missing = %v", res.Missing)
	}
	if _, failed := res.Failed[bad.ID]; !failed {
		t.Fatalf("failed = %v", res.Failed)
	}

	// A failed delivery must not produce an invited event, so a later click
	// is still refused.
	tok, _ := env.Engine.Tokens.Mint(biz.ID, bad.ID, time.Hour)
	_, err = env.Engine.RecordClick(env.Ctx, biz.ID, bad.ID, tok)
	if !errors.Is(err, engine.ErrEmailNotSent) {
		t.Fatalf("expected ErrEmailNotSent after failed delivery, got %v", err)
	}
}

func TestConcurrentSubmitsAllowOne(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	tok := invite(t, env, bizID, recID)

	const racers = 4
	start := make(chan struct{})
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
				BusinessID: bizID, RecipientID: recID, Token: tok, Type: "good", Content: "raced",
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, engine.ErrAlreadySubmitted) {
			t.Fatalf("racing submit returned %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winning submit, got %d", succeeded)
	}
	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, bizID)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("expected one review row after the race, got %d", len(reviews))
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, bizID, recID, "submitted")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one submitted event after the race, got %d", n)
	}
}

func TestDispatchDeduplicatesRequestedIDs(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)

	res, err := env.Engine.DispatchInvites(env.Ctx, bizID, []string{recID, recID, "ghost", "ghost"}, "owner")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Sent) != 1 || res.Sent[0].RecipientID != recID {
		t.Fatalf("sent = %v", res.Sent)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "ghost" {
		t.Fatalf("missing = %v", res.Missing)
	}
	if got := len(env.Mailer.Sent); got != 1 {
		t.Fatalf("expected one email, got %d", got)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, bizID, recID, "invited")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one invited event, got %d", n)
	}
}

func TestInviteLinksDifferOnlyInType(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)
	links, tok, err := env.Engine.BuildInviteLinks(bizID, recID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if tok == "" {
		t.Fatalf("empty token")
	}
	good := strings.Replace(links.Good, "type=good", "", 1)
	bad := strings.Replace(links.Bad, "type=bad", "", 1)
	if good != bad {
		t.Fatalf("links differ beyond type:\n%s\n%s", links.Good, links.Bad)
	}
	if !strings.Contains(links.Good, "token=") {
		t.Fatalf("link missing token: %s", links.Good)
	}
}

func TestDuplicateRecipientRejected(t *testing.T) {
	env := newTestEnv(t)
	bizID, _ := seedPair(t, env)
	_, err := env.Engine.AddRecipient(env.Ctx, bizID, "alice@example.com", "Alice again")
	if err == nil {
		t.Fatalf("expected duplicate email rejection")
	}
}

func TestSubmitUnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	bizID, _ := seedPair(t, env)
	tok, _ := env.Engine.Tokens.Mint(bizID, "nobody", time.Hour)
	_, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID: bizID, RecipientID: "nobody", Token: tok, Type: "good",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFullRecipientJourney(t *testing.T) {
	env := newTestEnv(t)
	bizID, recID := seedPair(t, env)

	// Click before invite.
	tok, _ := env.Engine.Tokens.Mint(bizID, recID, time.Hour)
	if _, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok); !errors.Is(err, engine.ErrEmailNotSent) {
		t.Fatalf("pre-invite click: %v", err)
	}

	tok = invite(t, env, bizID, recID)
	if _, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok); err != nil {
		t.Fatalf("click: %v", err)
	}
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID: bizID, RecipientID: recID, Token: tok, Type: "good", Content: "lovely",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Everything after submission is terminal.
	if _, err := env.Engine.RecordClick(env.Ctx, bizID, recID, tok); !errors.Is(err, engine.ErrAlreadySubmitted) {
		t.Fatalf("post-submit click: %v", err)
	}
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		BusinessID: bizID, RecipientID: recID, Token: tok, Type: "bad",
	}); !errors.Is(err, engine.ErrAlreadySubmitted) {
		t.Fatalf("second submit: %v", err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{BusinessID: bizID, RecipientID: recID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected invited, clicked, submitted; got %d events", len(events))
	}
	// Newest first.
	if events[0].Action != "submitted" || events[2].Action != "invited" {
		t.Fatalf("unexpected order: %s %s %s", events[0].Action, events[1].Action, events[2].Action)
	}
}
