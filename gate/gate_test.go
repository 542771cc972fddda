package gate

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate/authority"
)

// fakeAuthority scripts authority behaviour per test and records the calls
// it receives.
type fakeAuthority struct {
	mu    sync.Mutex
	calls []string

	getUser  func(ctx context.Context, token string) (*authority.User, error)
	refresh  func(ctx context.Context, rt string) (*authority.Session, error)
	exchange func(ctx context.Context, code, verifier string) (*authority.Session, error)
	signOut  func(ctx context.Context, token string) error
	signIn   func(ctx context.Context, email, password string) (*authority.Session, error)
	signUp   func(ctx context.Context, email, password string) (*authority.Session, error)
}

func (f *fakeAuthority) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAuthority) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeAuthority) GetUser(ctx context.Context, token string) (*authority.User, error) {
	f.record("get_user")
	if f.getUser == nil {
		return nil, authority.ErrValidationFailed
	}
	return f.getUser(ctx, token)
}

func (f *fakeAuthority) RefreshSession(ctx context.Context, rt string) (*authority.Session, error) {
	f.record("refresh")
	if f.refresh == nil {
		return nil, authority.ErrValidationFailed
	}
	return f.refresh(ctx, rt)
}

func (f *fakeAuthority) AuthCodeURL(state, verifier string) string {
	return "https://provider.example/authorize?state=" + state
}

func (f *fakeAuthority) ExchangeCode(ctx context.Context, code, verifier string) (*authority.Session, error) {
	f.record("exchange")
	if f.exchange == nil {
		return nil, authority.ErrExchangeFailed
	}
	return f.exchange(ctx, code, verifier)
}

func (f *fakeAuthority) SignOut(ctx context.Context, token string) error {
	f.record("sign_out")
	if f.signOut == nil {
		return nil
	}
	return f.signOut(ctx, token)
}

func (f *fakeAuthority) SignInWithPassword(ctx context.Context, email, password string) (*authority.Session, error) {
	f.record("sign_in")
	if f.signIn == nil {
		return nil, authority.ErrValidationFailed
	}
	return f.signIn(ctx, email, password)
}

func (f *fakeAuthority) SignUp(ctx context.Context, email, password string) (*authority.Session, error) {
	f.record("sign_up")
	if f.signUp == nil {
		return nil, authority.ErrValidationFailed
	}
	return f.signUp(ctx, email, password)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.Sessions.EncryptionKey = hex.EncodeToString(testKey())
	return cfg
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testCodecs(t *testing.T, cfg Config) (*SessionCodec, *PKCECodec) {
	t.Helper()
	sessions, err := NewSessionCodec(cfg, testKey())
	if err != nil {
		t.Fatalf("NewSessionCodec: %v", err)
	}
	pkce, err := NewPKCECodec(cfg, testKey())
	if err != nil {
		t.Fatalf("NewPKCECodec: %v", err)
	}
	return sessions, pkce
}

// signedTestToken mints a structurally valid JWT for the session payload.
// The gate never verifies the signature itself, so any key works.
func signedTestToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return raw
}

func testSession(t *testing.T, sub string, expiresIn time.Duration) *authority.Session {
	t.Helper()
	return &authority.Session{
		AccessToken:  signedTestToken(t, sub),
		RefreshToken: "refresh-" + sub,
		ExpiresAt:    time.Now().Add(expiresIn),
		SubjectID:    sub,
	}
}
