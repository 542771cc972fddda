package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authgate/authority"
	"authgate/metrics"
)

// Decision is the validator's answer for one request.
type Decision int

const (
	// DecisionAllow lets the request through to the upstream application.
	DecisionAllow Decision = iota
	// DecisionRedirectLogin sends an unauthenticated caller to the login
	// page, carrying the original destination.
	DecisionRedirectLogin
	// DecisionRedirectHome bounces an authenticated caller off an auth
	// entry page.
	DecisionRedirectHome
)

// RedirectParam carries the original destination through the login redirect
// so a later sign-in can return the user where they were headed.
const RedirectParam = "redirect_to"

// Outcome is the result of one validation pass.
type Outcome struct {
	Decision    Decision
	Subject     string
	Session     *authority.Session
	RedirectURL string
}

// RoutePolicy decides which paths need a session and which bounce
// authenticated users away. Pure data; changing the path set never touches
// validator logic.
type RoutePolicy struct {
	protected []string
	authEntry []string
	loginPath string
	homePath  string
}

// NewRoutePolicy builds the policy from config.
func NewRoutePolicy(cfg RoutesConfig) RoutePolicy {
	return RoutePolicy{
		protected: cfg.Protected,
		authEntry: cfg.AuthEntry,
		loginPath: cfg.LoginPath,
		homePath:  cfg.HomePath,
	}
}

// IsProtected reports whether path requires a validated session. Prefixes
// match whole path segments: /account covers /account and /account/billing
// but not /accounting.
func (p RoutePolicy) IsProtected(path string) bool {
	for _, prefix := range p.protected {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// IsAuthEntry reports whether path is a sign-in surface.
func (p RoutePolicy) IsAuthEntry(path string) bool {
	for _, entry := range p.authEntry {
		if path == entry {
			return true
		}
	}
	return false
}

// Validator is the stateless per-request gatekeeper. It never trusts a
// token's presence: every pass that sees a candidate session asks the
// authority, within a bounded timeout.
type Validator struct {
	authority   authority.Authority
	codec       *SessionCodec
	policy      RoutePolicy
	timeout     time.Duration
	refreshLead time.Duration
	failOpen    bool
	logger      *slog.Logger
	metrics     *metrics.Set
}

// NewValidator constructs the validator from config.
func NewValidator(cfg Config, auth authority.Authority, codec *SessionCodec, logger *slog.Logger, m *metrics.Set) *Validator {
	return &Validator{
		authority:   auth,
		codec:       codec,
		policy:      NewRoutePolicy(cfg.Routes),
		timeout:     parseDuration(cfg.Authority.ValidateTimeout, DefaultValidateTimeout),
		refreshLead: parseDuration(cfg.Sessions.RefreshLead, DefaultRefreshLead),
		failOpen:    cfg.Authority.FailOpen,
		logger:      logger,
		metrics:     m,
	}
}

// Check runs one validation pass and returns the decision. It may write a
// refreshed session cookie: w must therefore be the ResponseWriter of the
// response actually returned to the caller, never a scratch recorder.
func (v *Validator) Check(w http.ResponseWriter, r *http.Request) Outcome {
	authed := false
	unreachable := false
	subject := ""

	sess, err := v.codec.Read(r)
	switch {
	case err == nil:
		sess, authed, unreachable, subject = v.validate(r.Context(), w, sess)
	case errors.Is(err, authority.ErrTokenMalformed):
		// Undecodable cookie is dead weight on every request; drop it.
		v.codec.Clear(w)
	}

	path := r.URL.Path
	switch {
	case v.policy.IsProtected(path) && !authed:
		if unreachable && v.failOpen {
			v.logger.Warn("authority unreachable, failing open", "path", path)
			v.metrics.Decision("allow")
			return Outcome{Decision: DecisionAllow, Session: sess}
		}
		v.metrics.Decision("login")
		return Outcome{
			Decision:    DecisionRedirectLogin,
			RedirectURL: v.loginRedirectURL(r),
		}
	case v.policy.IsAuthEntry(path) && authed:
		v.metrics.Decision("home")
		return Outcome{
			Decision:    DecisionRedirectHome,
			Subject:     subject,
			Session:     sess,
			RedirectURL: v.policy.homePath,
		}
	default:
		v.metrics.Decision("allow")
		if !authed {
			sess = nil
			subject = ""
		}
		return Outcome{Decision: DecisionAllow, Subject: subject, Session: sess}
	}
}

// validate performs the refresh-then-confirm round-trip. A refreshed pair is
// written to w before any decision is made so it rides the same response.
func (v *Validator) validate(parent context.Context, w http.ResponseWriter, sess *authority.Session) (*authority.Session, bool, bool, string) {
	ctx, cancel := context.WithTimeout(parent, v.timeout)
	defer cancel()

	now := time.Now()
	if sess.NearExpiry(now, v.refreshLead) && sess.RefreshToken != "" {
		fresh, err := v.authority.RefreshSession(ctx, sess.RefreshToken)
		switch {
		case err == nil:
			if werr := v.codec.Write(w, fresh); werr != nil {
				v.logger.Error("write refreshed session", "error", werr)
			}
			sess = fresh
			v.metrics.Refresh("ok")
		case errors.Is(err, authority.ErrAuthorityUnreachable):
			v.metrics.Refresh("failed")
			return sess, false, true, ""
		default:
			// Refresh rejected. The access token may still validate if it
			// has life left, so fall through to GetUser.
			v.metrics.Refresh("failed")
			v.logger.Info("session refresh rejected", "error", err)
		}
	}

	user, err := v.authority.GetUser(ctx, sess.AccessToken)
	switch {
	case err == nil:
		return sess, true, false, user.SubjectID
	case errors.Is(err, authority.ErrAuthorityUnreachable):
		return sess, false, true, ""
	default:
		// Rejected is treated as absent, immediately. No silent retry.
		v.codec.Clear(w)
		return nil, false, false, ""
	}
}

// Middleware wires the validator in front of the upstream application.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := v.Check(w, r)
		switch out.Decision {
		case DecisionRedirectLogin, DecisionRedirectHome:
			http.Redirect(w, r, out.RedirectURL, http.StatusFound)
		default:
			if out.Subject != "" {
				r = r.WithContext(WithSubject(r.Context(), out.Subject))
			}
			next.ServeHTTP(w, r)
		}
	})
}

func (v *Validator) loginRedirectURL(r *http.Request) string {
	dest := r.URL.RequestURI()
	q := url.Values{}
	q.Set(RedirectParam, dest)
	return v.policy.loginPath + "?" + q.Encode()
}
