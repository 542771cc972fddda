package gate

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"authgate/authority"
)

// SessionCodec carries the session token pair in an encrypted cookie. The
// gate holds no server-side session state; the caller carries the copy and
// the authority stays the sole authority over it.
type SessionCodec struct {
	cookieName string
	key        []byte
	encrypter  jose.Encrypter
	domain     string
	secure     bool
	sameSite   http.SameSite
	ttl        time.Duration
}

// NewSessionCodec builds the codec from config. The key must be 32 bytes.
func NewSessionCodec(cfg Config, key []byte) (*SessionCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("init session encrypter: %w", err)
	}

	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionCodec{
		cookieName: cfg.Sessions.CookieName,
		key:        key,
		encrypter:  enc,
		domain:     cfg.Server.CookieDomain,
		secure:     !cfg.Server.DevMode,
		sameSite:   sameSite,
		ttl:        parseDuration(cfg.Sessions.TTL, DefaultSessionTTL),
	}, nil
}

// Read decodes the session carried by the request. Absence is
// authority.ErrTokenAbsent; anything undecodable or structurally broken is
// authority.ErrTokenMalformed. Neither triggers an authority call.
func (c *SessionCodec) Read(r *http.Request) (*authority.Session, error) {
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, authority.ErrTokenAbsent
	}

	plaintext, err := c.decrypt(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authority.ErrTokenMalformed, err)
	}

	var sess authority.Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", authority.ErrTokenMalformed, err)
	}
	if sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", authority.ErrTokenMalformed)
	}
	if !wellFormedToken(sess.AccessToken) {
		return nil, fmt.Errorf("%w: access token not a JWT", authority.ErrTokenMalformed)
	}
	return &sess, nil
}

// Write attaches the session to the response that will actually be returned
// to the caller. Refreshed credentials that land anywhere else are lost, so
// callers must pass the live ResponseWriter, never a scratch one.
func (c *SessionCodec) Write(w http.ResponseWriter, sess *authority.Session) error {
	plaintext, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	value, err := c.encrypt(plaintext)
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
		SameSite: c.sameSite,
		MaxAge:   int(c.ttl.Seconds()),
	})
	return nil
}

// Clear removes the session cookie.
func (c *SessionCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
		MaxAge:   -1,
	})
}

func (c *SessionCodec) encrypt(plaintext []byte) (string, error) {
	obj, err := c.encrypter.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func (c *SessionCodec) decrypt(value string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(value)
	if err != nil {
		return nil, err
	}
	return obj.Decrypt(c.key)
}

// wellFormedToken checks JWT structure without verifying the signature.
// Signature checking belongs to the authority; this only gates the obvious
// garbage before a network round-trip is spent on it.
func wellFormedToken(raw string) bool {
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	return err == nil
}

func randomKey(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random key: %v", err))
	}
	return buf
}
