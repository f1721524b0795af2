package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"reviewloop/internal/config"
	"reviewloop/internal/db"
	"reviewloop/internal/engine"
	"reviewloop/internal/mailer"
	"reviewloop/internal/migrate"
	"reviewloop/internal/token"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Mailer *mailer.LogMailer
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var ownerHeaders = map[string]string{"X-Actor-Id": "owner"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	codec, err := token.New("server-test-secret", "")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	lm := &mailer.LogMailer{Fail: map[string]bool{}}
	cfg := config.Default()
	e := engine.New(conn, cfg, codec, lm)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Mailer: lm,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedServerPair(t *testing.T, srv *testServer) (businessID, recipientID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/businesses", map[string]any{
		"name": "Corner Cafe",
	}, ownerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create business status %d: %s", res.StatusCode, string(data))
	}
	var biz BusinessResponse
	if err := json.Unmarshal(data, &biz); err != nil {
		t.Fatalf("unmarshal business: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/businesses/"+biz.ID+"/recipients", map[string]any{
		"email": "alice@example.com",
		"name":  "Alice",
	}, ownerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add recipient status %d: %s", res.StatusCode, string(data))
	}
	var rec RecipientResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal recipient: %v", err)
	}
	return biz.ID, rec.ID
}

func TestPublicFlowEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bizID, recID := seedServerPair(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/businesses/"+bizID+"/invites", map[string]any{
		"recipient_ids": []string{recID},
	}, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var dispatched DispatchInvitesResponse
	if err := json.Unmarshal(data, &dispatched); err != nil {
		t.Fatalf("unmarshal dispatch: %v", err)
	}
	if len(dispatched.Sent) != 1 {
		t.Fatalf("dispatch result %+v", dispatched)
	}
	if len(srv.Mailer.Sent) != 1 {
		t.Fatalf("expected one email, got %d", len(srv.Mailer.Sent))
	}

	tok, err := srv.Engine.Tokens.Mint(bizID, recID, 24*time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Public click carries no auth header.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/clicks", map[string]any{
		"businessId": bizID, "recipientId": recID, "token": tok,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("click status %d: %s", res.StatusCode, string(data))
	}
	var click ClickResponse
	if err := json.Unmarshal(data, &click); err != nil {
		t.Fatalf("unmarshal click: %v", err)
	}
	if click.AlreadyClicked {
		t.Fatalf("first click flagged as repeat")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/reviews", map[string]any{
		"businessId": bizID, "recipientId": recID, "token": tok,
		"type": "good", "content": "Great coffee.", "stars": 5,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	// Second submit conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/reviews", map[string]any{
		"businessId": bizID, "recipientId": recID, "token": tok,
		"type": "bad",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second submit status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "review_already_submitted" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/businesses/"+bizID+"/reviews", nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list reviews status %d: %s", res.StatusCode, string(data))
	}
	var reviews []ReviewResponse
	if err := json.Unmarshal(data, &reviews); err != nil {
		t.Fatalf("unmarshal reviews: %v", err)
	}
	if len(reviews) != 1 || !reviews[0].Happy {
		t.Fatalf("reviews %+v", reviews)
	}
}

func TestPublicClickTokenErrorsAreOpaque(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bizID, recID := seedServerPair(t, srv)

	for _, tok := range []string{
		"garbage",
		"eyJmb28iOiJiYXIifQ.YWJj",
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/clicks", map[string]any{
			"businessId": bizID, "recipientId": recID, "token": tok,
		}, nil)
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("token %q status %d: %s", tok, res.StatusCode, string(data))
		}
		var envelope struct {
			Error apiErrorBody `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		if envelope.Error.Code != "forbidden" || envelope.Error.Message != "forbidden" {
			t.Fatalf("token errors must be opaque, got %+v", envelope.Error)
		}
	}
}

func TestClickBeforeInvite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bizID, recID := seedServerPair(t, srv)
	tok, _ := srv.Engine.Tokens.Mint(bizID, recID, time.Hour)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/clicks", map[string]any{
		"businessId": bizID, "recipientId": recID, "token": tok,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "email_not_sent" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestSentinelFlowWithoutSetup(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/clicks", map[string]any{
		"businessId": "any-business", "recipientId": "test", "token": "whatever",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sentinel click status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/public/reviews", map[string]any{
		"businessId": "any-business", "recipientId": "test", "token": "whatever",
		"type": "good", "content": "smoke",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("sentinel submit status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthenticatedRoutesRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/businesses", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bizID, recID := seedServerPair(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/businesses/"+bizID+"/invites", map[string]any{
		"recipient_ids": []string{recID},
	}, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?business_id="+bizID+"&action=invited", nil, ownerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].Action != "invited" || events[0].ActorID != "owner" {
		t.Fatalf("events %+v", events)
	}
	if events[0].Meta["message_id"] == nil {
		t.Fatalf("invited event missing message_id meta: %+v", events[0].Meta)
	}
}
