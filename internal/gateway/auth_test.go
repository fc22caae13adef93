package gateway

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testSecret = "topsecret"

func newAuthedServer(t *testing.T) http.Handler {
	t.Helper()
	srv := newTestServer(t)
	srv.cfg.RequireAuth = true
	srv.cfg.AuthSecret = testSecret
	return srv.Handler()
}

func signedRequest(t *testing.T, path, body, nonce string, at time.Time) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, sign(testSecret, timestamp, nonce, []byte(body)))
	return req
}

func TestAuthAcceptsSignedRequest(t *testing.T) {
	handler := newAuthedServer(t)
	body := `{"message": "is the build green?", "channel": "cli"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "/classify", body, "n1", time.Now()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRejectsMissingHeaders(t *testing.T) {
	handler := newAuthedServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/classify", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsBadSignature(t *testing.T) {
	handler := newAuthedServer(t)
	body := `{"message": "hello there"}`
	req := signedRequest(t, "/classify", body, "n2", time.Now())
	req.Header.Set(headerSignature, strings.Repeat("0", 64))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsTamperedBody(t *testing.T) {
	handler := newAuthedServer(t)
	req := signedRequest(t, "/classify", `{"message": "original"}`, "n3", time.Now())
	req.Body = httptest.NewRequest(http.MethodPost, "/classify", strings.NewReader(`{"message": "tampered"}`)).Body
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsStaleTimestamp(t *testing.T) {
	handler := newAuthedServer(t)
	body := `{"message": "late arrival"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "/classify", body, "n4", time.Now().Add(-10*time.Minute)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsReplayedNonce(t *testing.T) {
	handler := newAuthedServer(t)
	body := `{"message": "only once please"}`

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "/classify", body, "replay-me", time.Now()))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "/classify", body, "replay-me", time.Now()))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay accepted: %d", rec.Code)
	}
}

func TestNonceCacheReaps(t *testing.T) {
	c := newNonceCache(60 * time.Second)
	defer c.stop()
	base := time.Now()
	c.now = func() time.Time { return base }

	if !c.observe("n") {
		t.Fatal("fresh nonce rejected")
	}
	if c.observe("n") {
		t.Fatal("immediate replay accepted")
	}
	c.now = func() time.Time { return base.Add(61 * time.Second) }
	c.reap()
	if !c.observe("n") {
		t.Fatal("nonce not reaped after window")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	a := sign("s", "123", "n", []byte("body"))
	b := sign("s", "123", "n", []byte("body"))
	if a != b {
		t.Fatal("signature not deterministic")
	}
	if sign("s", "124", "n", []byte("body")) == a {
		t.Fatal("timestamp not bound into signature")
	}
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
}
