package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	headerSignature = "X-OSA-Signature"
	headerTimestamp = "X-OSA-Timestamp"
	headerNonce     = "X-OSA-Nonce"

	// maxClockSkew bounds how stale a signed request may be.
	maxClockSkew = 300 * time.Second
	// nonceWindow is how long a nonce is remembered for replay checks.
	nonceWindow = 60 * time.Second

	maxSignedBody = 10 << 20
)

// nonceCache remembers recently seen nonces and reaps them on the
// replay window.
type nonceCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	cancel chan struct{}
	once   sync.Once
}

func newNonceCache(ttl time.Duration) *nonceCache {
	c := &nonceCache{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
		cancel: make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// observe returns false when the nonce was already seen inside the
// window.
func (c *nonceCache) observe(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if at, ok := c.seen[nonce]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[nonce] = now
	return true
}

func (c *nonceCache) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for nonce, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, nonce)
		}
	}
}

func (c *nonceCache) reapLoop() {
	ticker := time.NewTicker(nonceWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.cancel:
			return
		case <-ticker.C:
			c.reap()
		}
	}
}

func (c *nonceCache) stop() {
	c.once.Do(func() { close(c.cancel) })
}

// sign computes hex(HMAC-SHA256(secret, timestamp || nonce || body)).
func sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// authMiddleware enforces the signed-request scheme. Comparison is
// constant-time; timestamps outside the skew window and replayed
// nonces are rejected.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get(headerSignature)
		timestamp := r.Header.Get(headerTimestamp)
		nonce := r.Header.Get(headerNonce)
		if signature == "" || timestamp == "" || nonce == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing signature headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "malformed timestamp")
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew > maxClockSkew || skew < -maxClockSkew {
			writeError(w, http.StatusUnauthorized, "unauthorized", "timestamp outside allowed window")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		expected := sign(s.cfg.AuthSecret, timestamp, nonce, body)
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "signature mismatch")
			return
		}

		// Replay check comes after the signature check so unsigned
		// probes cannot burn nonces.
		if !s.nonces.observe(nonce) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "nonce replayed")
			return
		}

		next.ServeHTTP(w, r)
	})
}
