package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"authgate/authority"
	"authgate/metrics"
)

// App bundles runtime dependencies for the HTTP gateway.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Authority authority.Authority
	Sessions  *SessionCodec
	PKCE      *PKCECodec
	Guard     ReplayGuard
	Validator *Validator
	Exchange  *ExchangeHandler
	Metrics   *metrics.Set
	Upstream  http.Handler
}

// NewApp wires together the gateway from configuration.
func NewApp(cfg Config, auth authority.Authority, logger *slog.Logger, m *metrics.Set) (*App, error) {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionCodec(cfg, key)
	if err != nil {
		return nil, err
	}
	pkce, err := NewPKCECodec(cfg, key)
	if err != nil {
		return nil, err
	}

	var guard ReplayGuard
	if cfg.Redis.Addr != "" {
		guard = NewRedisReplayGuard(cfg.Redis)
		logger.Info("replay guard backed by redis", "addr", cfg.Redis.Addr)
	} else {
		guard = NewMemoryReplayGuard()
	}

	upstream, err := NewUpstreamProxy(cfg.Upstream, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Authority: auth,
		Sessions:  sessions,
		PKCE:      pkce,
		Guard:     guard,
		Metrics:   m,
		Upstream:  upstream,
	}
	app.Validator = NewValidator(cfg, auth, sessions, logger, m)
	app.Exchange = NewExchangeHandler(cfg, auth, sessions, pkce, guard, logger, m)
	return app, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSession answers "who is signed in" for browser-side consumers. It
// always confirms with the authority; a stored claim is never enough.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Read(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), parseDuration(a.Config.Authority.ValidateTimeout, DefaultValidateTimeout))
	defer cancel()

	user, err := a.Authority.GetUser(ctx, sess.AccessToken)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, authority.ErrAuthorityUnreachable) {
			status = http.StatusServiceUnavailable
		} else {
			a.Sessions.Clear(w)
		}
		writeJSON(w, status, map[string]any{"authenticated": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"subject_id":    user.SubjectID,
		"email":         user.Email,
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleSignIn is a pass-through to the authority's password sign-in. The
// resulting session rides this response's cookie.
func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	a.passThroughCredentials(w, r, a.Authority.SignInWithPassword)
}

// handleSignUp registers a new identity with the authority.
func (a *App) handleSignUp(w http.ResponseWriter, r *http.Request) {
	a.passThroughCredentials(w, r, a.Authority.SignUp)
}

func (a *App) passThroughCredentials(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*authority.Session, error)) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email and password required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), parseDuration(a.Config.Authority.ValidateTimeout, DefaultValidateTimeout))
	defer cancel()

	sess, err := op(ctx, req.Email, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, authority.ErrAuthorityUnreachable) {
			status = http.StatusServiceUnavailable
		}
		a.Logger.Info("credential sign-in rejected", "error", err)
		writeJSON(w, status, map[string]string{"error": "authentication failed"})
		return
	}

	if err := a.Sessions.Write(w, sess); err != nil {
		a.Logger.Error("write session", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session could not be established"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject_id": sess.SubjectID})
}

// handleSignOut orders the two phases deliberately: ask the authority to
// invalidate first, clear the local copy only after. Clearing first leaves
// the UI claiming logged-out while the session stays live.
func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Read(r)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), parseDuration(a.Config.Authority.SignOutTimeout, DefaultSignOutTimeout))
		err := a.Authority.SignOut(ctx, sess.AccessToken)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, authority.ErrInvalidationTimeout), errors.Is(err, authority.ErrAuthorityUnreachable):
			// Best-effort: local state clears anyway, but the authority-side
			// session may stay live until it naturally expires.
			a.Logger.Warn("sign-out invalidation incomplete, authority session may outlive local state",
				"subject", sess.SubjectID, "error", err)
		default:
			a.Logger.Warn("sign-out invalidation rejected", "error", err)
		}
	}

	a.Sessions.Clear(w)
	http.Redirect(w, r, a.Config.Routes.LoginPath, http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
