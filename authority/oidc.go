package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Config describes the identity authority endpoint and client credentials.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// SignupURL is the authority's registration endpoint. Optional; SignUp
	// fails when unset.
	SignupURL string

	// RevocationURL overrides the discovered revocation endpoint.
	RevocationURL string

	HTTPClient *http.Client
}

// OIDC talks to an OIDC-compliant identity authority. It is the production
// Authority implementation; tests substitute fakes behind the interface.
type OIDC struct {
	cfg         Config
	client      *http.Client
	oauthConfig *oauth2.Config
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	revocation  string
	signup      string
	logger      *slog.Logger
}

type discoveryExtras struct {
	RevocationEndpoint string `json:"revocation_endpoint"`
	UserInfoEndpoint   string `json:"userinfo_endpoint"`
}

// NewOIDC initializes the authority client via discovery.
func NewOIDC(ctx context.Context, cfg Config, logger *slog.Logger) (*OIDC, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("authority issuer required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ctx = oidc.ClientContext(ctx, client)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover authority %s: %w", cfg.Issuer, err)
	}

	endpoint := provider.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	var extras discoveryExtras
	if err := provider.Claims(&extras); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}
	revocation := cfg.RevocationURL
	if revocation == "" {
		revocation = extras.RevocationEndpoint
	}

	return &OIDC{
		cfg:    cfg,
		client: client,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		provider:   provider,
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		revocation: revocation,
		signup:     cfg.SignupURL,
		logger:     logger,
	}, nil
}

// GetUser validates the access token by asking the authority who it belongs
// to. The token is never trusted on structure alone.
func (a *OIDC) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrTokenAbsent
	}
	ctx = oidc.ClientContext(ctx, a.client)

	info, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, classifyTransportErr(err, ErrValidationFailed)
	}
	if info.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo missing subject", ErrValidationFailed)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		a.logger.Warn("userinfo claims unparseable", "error", err)
	}

	user := &User{
		SubjectID: info.Subject,
		Email:     info.Email,
		Claims:    claims,
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		user.Name = preferred
	}
	return user, nil
}

// RefreshSession trades the refresh token for a new pair via the token
// endpoint's refresh grant.
func (a *OIDC) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, ErrTokenAbsent
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)

	seed := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	tok, err := a.oauthConfig.TokenSource(ctx, seed).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: %s", ErrValidationFailed, re.ErrorCode)
		}
		return nil, classifyTransportErr(err, ErrValidationFailed)
	}

	sess, err := sessionFromToken(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return sess, nil
}

// AuthCodeURL constructs the provider authorization URL with an S256 PKCE
// challenge derived from verifier.
func (a *OIDC) AuthCodeURL(state, verifier string) string {
	return a.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCode completes the code-for-session exchange, presenting the PKCE
// verifier, and verifies the accompanying ID token when present.
func (a *OIDC) ExchangeCode(ctx context.Context, code, verifier string) (*Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)

	tok, err := a.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			detail := re.ErrorCode
			if re.ErrorDescription != "" {
				detail += ": " + re.ErrorDescription
			}
			return nil, fmt.Errorf("%w: %s", ErrExchangeFailed, detail)
		}
		return nil, classifyTransportErr(err, ErrExchangeFailed)
	}

	sess, err := sessionFromToken(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := a.verifier.Verify(oidc.ClientContext(ctx, a.client), rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: id_token rejected: %v", ErrExchangeFailed, err)
		}
		sess.SubjectID = idToken.Subject
	}

	return sess, nil
}

// SignOut asks the authority to revoke the session behind the token. A
// deadline hit maps to ErrInvalidationTimeout so callers can apply their
// best-effort policy.
func (a *OIDC) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return ErrTokenAbsent
	}
	if a.revocation == "" {
		return fmt.Errorf("authority has no revocation endpoint")
	}

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("token_type_hint", "access_token")
	if a.cfg.ClientSecret == "" {
		form.Set("client_id", a.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revocation, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.cfg.ClientSecret != "" {
		req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrInvalidationTimeout, err)
		}
		return classifyTransportErr(err, ErrValidationFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: revoke returned %s", ErrValidationFailed, resp.Status)
	}
	return nil
}

// SignInWithPassword performs the resource-owner password grant. The
// authority owns credential checking end to end.
func (a *OIDC) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)

	tok, err := a.oauthConfig.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: %s", ErrValidationFailed, re.ErrorCode)
		}
		return nil, classifyTransportErr(err, ErrValidationFailed)
	}
	return sessionFromToken(tok)
}

type signupResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// SignUp registers a new identity with the authority's signup endpoint and
// returns its first session.
func (a *OIDC) SignUp(ctx context.Context, email, password string) (*Session, error) {
	if a.signup == "" {
		return nil, fmt.Errorf("authority has no signup endpoint")
	}

	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.signup, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err, ErrValidationFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: signup returned %s", ErrValidationFailed, resp.Status)
	}

	var out signupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode signup response: %w", err)
	}

	sess := &Session{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		SubjectID:    out.User.ID,
	}
	if out.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	if sess.SubjectID == "" {
		sess.SubjectID = subjectFromAccessToken(sess.AccessToken)
	}
	return sess, nil
}

// sessionFromToken normalizes an oauth2 token response into a Session.
func sessionFromToken(tok *oauth2.Token) (*Session, error) {
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	sess := &Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		SubjectID:    subjectFromAccessToken(tok.AccessToken),
	}
	return sess, nil
}

// subjectFromAccessToken reads the sub claim without verifying the
// signature. Display only; authorization always goes through GetUser.
func subjectFromAccessToken(raw string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
