package authority

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// providerState scripts the fake authority behind an httptest server.
type providerState struct {
	mu sync.Mutex

	userinfoStatus int
	userinfoBody   map[string]any
	userinfoStall  bool

	tokenStatus int
	tokenBody   map[string]any
	tokenError  map[string]string

	revokeStatus int
	revokeStall  bool

	lastTokenForm  url.Values
	lastRevokeForm url.Values
	revokeAuthUser string
}

func newTestProvider(t *testing.T) (*httptest.Server, *providerState) {
	t.Helper()
	state := &providerState{
		userinfoStatus: http.StatusOK,
		tokenStatus:    http.StatusOK,
		revokeStatus:   http.StatusOK,
	}

	mux := http.NewServeMux()
	var issuer string

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"userinfo_endpoint":      issuer + "/userinfo",
			"jwks_uri":               issuer + "/keys",
			"revocation_endpoint":    issuer + "/revoke",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	})

	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"keys":[]}`)
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		status, body, stall := state.userinfoStatus, state.userinfoBody, state.userinfoStall
		state.mu.Unlock()
		if stall {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(body)
		} else {
			io.WriteString(w, `{"error":"invalid_token"}`)
		}
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		state.mu.Lock()
		state.lastTokenForm = r.PostForm
		status, body, tokenErr := state.tokenStatus, state.tokenBody, state.tokenError
		state.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(tokenErr)
			return
		}
		json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		status, stall := state.revokeStatus, state.revokeStall
		state.mu.Unlock()
		if stall {
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		user, _, _ := r.BasicAuth()
		state.mu.Lock()
		state.lastRevokeForm = r.PostForm
		state.revokeAuthUser = user
		state.mu.Unlock()
		w.WriteHeader(status)
	})

	srv := httptest.NewServer(mux)
	issuer = srv.URL
	t.Cleanup(srv.Close)
	return srv, state
}

func newTestAuthority(t *testing.T, srv *httptest.Server) *OIDC {
	t.Helper()
	cfg := Config{
		Issuer:       srv.URL,
		ClientID:     "gateway",
		ClientSecret: "s3cret",
		RedirectURL:  "https://gate.example.com/auth/callback",
		SignupURL:    srv.URL + "/signup",
		HTTPClient:   srv.Client(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewOIDC(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewOIDC: %v", err)
	}
	return a
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestAuthCodeURLCarriesPKCEChallenge(t *testing.T) {
	srv, _ := newTestProvider(t)
	a := newTestAuthority(t, srv)

	raw := a.AuthCodeURL("state-123", "verifier-value-verifier-value-verifier-value-123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" {
		t.Fatalf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("challenge missing: %v", q)
	}
	if q.Get("code_challenge") == "verifier-value-verifier-value-verifier-value-123" {
		t.Fatalf("verifier must never appear in the authorization URL")
	}
}

func TestGetUserConfirmsIdentity(t *testing.T) {
	srv, state := newTestProvider(t)
	state.userinfoBody = map[string]any{
		"sub":   "user-1",
		"email": "user-1@example.com",
		"name":  "User One",
	}
	a := newTestAuthority(t, srv)

	user, err := a.GetUser(context.Background(), signedToken(t, "user-1"))
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.SubjectID != "user-1" || user.Email != "user-1@example.com" || user.Name != "User One" {
		t.Fatalf("user = %+v", user)
	}
}

func TestGetUserRejectedToken(t *testing.T) {
	srv, state := newTestProvider(t)
	state.userinfoStatus = http.StatusUnauthorized
	a := newTestAuthority(t, srv)

	_, err := a.GetUser(context.Background(), signedToken(t, "user-1"))
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
	if errors.Is(err, ErrAuthorityUnreachable) {
		t.Fatalf("rejection must not look like an outage")
	}
}

func TestGetUserUnreachable(t *testing.T) {
	srv, state := newTestProvider(t)
	a := newTestAuthority(t, srv)

	state.mu.Lock()
	state.userinfoStall = true
	state.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := a.GetUser(ctx, signedToken(t, "user-1"))
	if !errors.Is(err, ErrAuthorityUnreachable) {
		t.Fatalf("err = %v, want ErrAuthorityUnreachable", err)
	}
}

func TestGetUserWithoutToken(t *testing.T) {
	srv, _ := newTestProvider(t)
	a := newTestAuthority(t, srv)

	if _, err := a.GetUser(context.Background(), ""); !errors.Is(err, ErrTokenAbsent) {
		t.Fatalf("err = %v, want ErrTokenAbsent", err)
	}
}

func TestExchangeCodePresentsVerifier(t *testing.T) {
	srv, state := newTestProvider(t)
	access := signedToken(t, "user-1")
	state.tokenBody = map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
	a := newTestAuthority(t, srv)

	const verifier = "verifier-value-verifier-value-verifier-value-123"
	sess, err := a.ExchangeCode(context.Background(), "code-1", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if sess.AccessToken != access || sess.RefreshToken != "refresh-1" {
		t.Fatalf("session = %+v", sess)
	}
	if sess.SubjectID != "user-1" {
		t.Fatalf("subject = %q", sess.SubjectID)
	}
	if sess.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expiry not carried over: %v", sess.ExpiresAt)
	}

	state.mu.Lock()
	form := state.lastTokenForm
	state.mu.Unlock()
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-1" {
		t.Fatalf("token form = %v", form)
	}
	if form.Get("code_verifier") != verifier {
		t.Fatalf("code_verifier = %q", form.Get("code_verifier"))
	}
}

func TestExchangeCodeProviderError(t *testing.T) {
	srv, state := newTestProvider(t)
	state.tokenStatus = http.StatusBadRequest
	state.tokenError = map[string]string{
		"error":             "invalid_grant",
		"error_description": "code expired",
	}
	a := newTestAuthority(t, srv)

	_, err := a.ExchangeCode(context.Background(), "code-1", "verifier")
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("err = %v, want ErrExchangeFailed", err)
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("provider error code lost: %v", err)
	}
}

func TestRefreshSessionTradesTokenPair(t *testing.T) {
	srv, state := newTestProvider(t)
	access := signedToken(t, "user-1")
	state.tokenBody = map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-2",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
	a := newTestAuthority(t, srv)

	sess, err := a.RefreshSession(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if sess.AccessToken != access || sess.RefreshToken != "refresh-2" {
		t.Fatalf("session = %+v", sess)
	}

	state.mu.Lock()
	form := state.lastTokenForm
	state.mu.Unlock()
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "refresh-1" {
		t.Fatalf("token form = %v", form)
	}
}

func TestRefreshSessionRejected(t *testing.T) {
	srv, state := newTestProvider(t)
	state.tokenStatus = http.StatusBadRequest
	state.tokenError = map[string]string{"error": "invalid_grant"}
	a := newTestAuthority(t, srv)

	_, err := a.RefreshSession(context.Background(), "refresh-1")
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
}

func TestSignOutRevokesToken(t *testing.T) {
	srv, state := newTestProvider(t)
	a := newTestAuthority(t, srv)

	access := signedToken(t, "user-1")
	if err := a.SignOut(context.Background(), access); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	state.mu.Lock()
	form, user := state.lastRevokeForm, state.revokeAuthUser
	state.mu.Unlock()
	if form.Get("token") != access || form.Get("token_type_hint") != "access_token" {
		t.Fatalf("revoke form = %v", form)
	}
	if user != "gateway" {
		t.Fatalf("client auth missing on revocation, got user %q", user)
	}
}

func TestSignOutDeadlineMapsToInvalidationTimeout(t *testing.T) {
	srv, state := newTestProvider(t)
	a := newTestAuthority(t, srv)

	state.mu.Lock()
	state.revokeStall = true
	state.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := a.SignOut(ctx, signedToken(t, "user-1"))
	if !errors.Is(err, ErrInvalidationTimeout) {
		t.Fatalf("err = %v, want ErrInvalidationTimeout", err)
	}
}

func TestSignUpEstablishesFirstSession(t *testing.T) {
	access := signedToken(t, "user-9")
	var gotBody map[string]string

	signup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-9",
			"expires_in":    3600,
			"user":          map[string]string{"id": "user-9"},
		})
	}))
	defer signup.Close()

	srv, _ := newTestProvider(t)
	a := newTestAuthority(t, srv)
	a.signup = signup.URL

	sess, err := a.SignUp(context.Background(), "new@example.com", "hunter22")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if sess.SubjectID != "user-9" || sess.RefreshToken != "refresh-9" {
		t.Fatalf("session = %+v", sess)
	}
	if gotBody["email"] != "new@example.com" || gotBody["password"] != "hunter22" {
		t.Fatalf("signup payload = %v", gotBody)
	}
}

func TestSessionExpiryHelpers(t *testing.T) {
	now := time.Now()
	sess := Session{ExpiresAt: now.Add(90 * time.Second)}

	if sess.Expired(now) {
		t.Fatalf("live session reported expired")
	}
	if !sess.Expired(now.Add(2 * time.Minute)) {
		t.Fatalf("past-expiry session reported live")
	}
	if !sess.NearExpiry(now, 2*time.Minute) {
		t.Fatalf("session inside the refresh window not flagged")
	}
	if sess.NearExpiry(now, 10*time.Second) {
		t.Fatalf("session outside the refresh window flagged")
	}

	var zero Session
	if zero.Expired(now) || zero.NearExpiry(now, time.Hour) {
		t.Fatalf("zero expiry must never trigger refresh or expiry")
	}
}
