package gate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"authgate/authority"
)

// ExchangeRecord is the single-use credential created when a provider
// sign-in begins. It crosses the redirect to the third-party domain and
// back inside an encrypted cookie, is consumed exactly once by the
// callback, and is unusable after PKCETTL regardless.
type ExchangeRecord struct {
	ID             string    `json:"id"`
	Verifier       string    `json:"verifier"`
	CreatedAt      time.Time `json:"created_at"`
	RedirectTarget string    `json:"redirect_target"`
}

// NewExchangeRecord mints a record with a fresh PKCE verifier.
func NewExchangeRecord(redirectTarget string) ExchangeRecord {
	return ExchangeRecord{
		ID:             uuid.NewString(),
		Verifier:       oauth2.GenerateVerifier(),
		CreatedAt:      time.Now(),
		RedirectTarget: sanitizeRedirectTarget(redirectTarget),
	}
}

// PKCECodec carries the exchange record across the external round-trip.
type PKCECodec struct {
	cookieName string
	key        []byte
	encrypter  jose.Encrypter
	domain     string
	secure     bool
	ttl        time.Duration
}

// NewPKCECodec builds the codec from config, sharing the session key.
func NewPKCECodec(cfg Config, key []byte) (*PKCECodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("pkce key must be 32 bytes, got %d", len(key))
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("init pkce encrypter: %w", err)
	}
	return &PKCECodec{
		cookieName: cfg.Sessions.PKCECookieName,
		key:        key,
		encrypter:  enc,
		domain:     cfg.Server.CookieDomain,
		secure:     !cfg.Server.DevMode,
		ttl:        parseDuration(cfg.Sessions.PKCETTL, DefaultPKCETTL),
	}, nil
}

// Write stores the record for the callback. SameSite is Lax, not Strict:
// the cookie has to ride along when the provider redirects back to us.
func (c *PKCECodec) Write(w http.ResponseWriter, rec ExchangeRecord) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	obj, err := c.encrypter.Encrypt(plaintext)
	if err != nil {
		return err
	}
	value, err := obj.CompactSerialize()
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.ttl.Seconds()),
	})
	return nil
}

// Read recovers the record from the callback request, enforcing the TTL.
func (c *PKCECodec) Read(r *http.Request) (ExchangeRecord, error) {
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return ExchangeRecord{}, authority.ErrTokenAbsent
	}

	obj, err := jose.ParseEncrypted(cookie.Value)
	if err != nil {
		return ExchangeRecord{}, fmt.Errorf("%w: %v", authority.ErrTokenMalformed, err)
	}
	plaintext, err := obj.Decrypt(c.key)
	if err != nil {
		return ExchangeRecord{}, fmt.Errorf("%w: %v", authority.ErrTokenMalformed, err)
	}

	var rec ExchangeRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return ExchangeRecord{}, fmt.Errorf("%w: %v", authority.ErrTokenMalformed, err)
	}
	if rec.Verifier == "" || rec.ID == "" {
		return ExchangeRecord{}, fmt.Errorf("%w: incomplete exchange record", authority.ErrTokenMalformed)
	}
	if time.Since(rec.CreatedAt) > c.ttl {
		return ExchangeRecord{}, fmt.Errorf("exchange record expired")
	}
	return rec, nil
}

// Clear discards the record cookie once the callback has consumed it.
func (c *PKCECodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// TTL exposes the record lifetime for replay-guard bookkeeping.
func (c *PKCECodec) TTL() time.Duration {
	return c.ttl
}

// sanitizeRedirectTarget keeps post-login redirects on this origin. Anything
// absolute or scheme-relative collapses to the root.
func sanitizeRedirectTarget(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}
