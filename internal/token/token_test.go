package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New("current-secret", "")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestMintRequiresSecret(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	if _, err := New("   ", "old"); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}

func TestRoundTrip(t *testing.T) {
	c := newCodec(t)
	raw, err := c.Mint("biz-1", "rcpt-1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := c.Verify(raw, "biz-1", "rcpt-1"); err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
}

func TestTamperRejection(t *testing.T) {
	c := newCodec(t)
	raw, err := c.Mint("biz-1", "rcpt-1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			continue
		}
		flipped := []byte(raw)
		if flipped[i] == 'A' {
			flipped[i] = 'B'
		} else {
			flipped[i] = 'A'
		}
		err := c.Verify(string(flipped), "biz-1", "rcpt-1")
		if err == nil {
			t.Fatalf("tampered byte %d verified", i)
		}
		var ve *VerifyError
		if !errors.As(err, &ve) {
			t.Fatalf("tampered byte %d: unexpected error type %T", i, err)
		}
		if ve.Code != CodeBadSignature && ve.Code != CodeMalformed {
			t.Fatalf("tampered byte %d: code %s", i, ve.Code)
		}
	}
}

func TestExpired(t *testing.T) {
	c := newCodec(t)
	raw, err := c.Mint("biz-1", "rcpt-1", -time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	assertCode(t, c.Verify(raw, "biz-1", "rcpt-1"), CodeExpired)
}

func TestSecondEpochExpiry(t *testing.T) {
	c := newCodec(t)
	// A payload carrying a second-epoch expiry in the future must verify.
	body := []byte(`{"businessId":"biz-1","recipientId":"rcpt-1","expiresAt":` +
		// 2100-01-01 in seconds
		"4102444800}")
	raw := base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(sign(c.keys[0], body))
	if err := c.Verify(raw, "biz-1", "rcpt-1"); err != nil {
		t.Fatalf("second-epoch expiry: %v", err)
	}
}

func TestScopeBinding(t *testing.T) {
	c := newCodec(t)
	raw, err := c.Mint("biz-1", "rcpt-1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	assertCode(t, c.Verify(raw, "biz-2", "rcpt-1"), CodeScopeMismatch)
	assertCode(t, c.Verify(raw, "biz-1", "rcpt-2"), CodeScopeMismatch)
}

func TestSentinelBypass(t *testing.T) {
	c := newCodec(t)
	if err := c.Verify("not-even-a-token", "biz-1", SentinelRecipient); err != nil {
		t.Fatalf("sentinel with garbage token: %v", err)
	}
	if err := c.Verify("garbage.garbage", "any-business", SentinelRecipient); err != nil {
		t.Fatalf("sentinel with garbage signature: %v", err)
	}
}

func TestMalformed(t *testing.T) {
	c := newCodec(t)
	for _, raw := range []string{"", "nodot", ".leadingdot", "trailingdot.", "bad base64.!!!"} {
		err := c.Verify(raw, "biz-1", "rcpt-1")
		assertCode(t, err, CodeMalformed)
	}
}

func TestPreviousSecretGrace(t *testing.T) {
	old, err := New("old-secret", "")
	if err != nil {
		t.Fatalf("old codec: %v", err)
	}
	raw, err := old.Mint("biz-1", "rcpt-1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	rotated, err := New("new-secret", "old-secret")
	if err != nil {
		t.Fatalf("rotated codec: %v", err)
	}
	if err := rotated.Verify(raw, "biz-1", "rcpt-1"); err != nil {
		t.Fatalf("verify with previous secret: %v", err)
	}
	dropped, err := New("new-secret", "")
	if err != nil {
		t.Fatalf("dropped codec: %v", err)
	}
	assertCode(t, dropped.Verify(raw, "biz-1", "rcpt-1"), CodeBadSignature)
}

func TestMintUsesCurrentSecret(t *testing.T) {
	rotated, err := New("new-secret", "old-secret")
	if err != nil {
		t.Fatalf("rotated codec: %v", err)
	}
	raw, err := rotated.Mint("biz-1", "rcpt-1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	current, err := New("new-secret", "")
	if err != nil {
		t.Fatalf("current codec: %v", err)
	}
	if err := current.Verify(raw, "biz-1", "rcpt-1"); err != nil {
		t.Fatalf("token should be signed with the current secret: %v", err)
	}
}

func TestErrorMessagesCarryNoDetail(t *testing.T) {
	c := newCodec(t)
	raw, _ := c.Mint("biz-1", "rcpt-1", time.Hour)
	err := c.Verify(raw, "biz-2", "rcpt-1")
	if err == nil {
		t.Fatalf("expected scope mismatch")
	}
	msg := err.Error()
	for _, leak := range []string{"biz-1", "biz-2", "rcpt-1", "secret"} {
		if strings.Contains(msg, leak) {
			t.Fatalf("error message leaks %q: %s", leak, msg)
		}
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", code)
	}
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VerifyError, got %T: %v", err, err)
	}
	if ve.Code != code {
		t.Fatalf("expected %s, got %s", code, ve.Code)
	}
}
