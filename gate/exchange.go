package gate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authgate/authority"
	"authgate/metrics"
)

// ExchangeState tracks the one-shot provider round-trip.
type ExchangeState int

const (
	StateIdle ExchangeState = iota
	StateAuthorizationRequested
	StateCodeReceived
	StateExchanging
	StateExchanged
	StateFailed
)

func (s ExchangeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizationRequested:
		return "authorization_requested"
	case StateCodeReceived:
		return "code_received"
	case StateExchanging:
		return "exchanging"
	case StateExchanged:
		return "exchanged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason is the machine-readable cause of a failed exchange. Callers
// key recovery UX off these, never off free text.
type FailReason string

const (
	ReasonNoCode             FailReason = "no_code"
	ReasonProviderDenied     FailReason = "provider_denied"
	ReasonExchangeFailed     FailReason = "exchange_failed"
	ReasonVerificationFailed FailReason = "verification_failed"
)

// ExchangeResult is the terminal observation of one callback pass.
type ExchangeResult struct {
	State          ExchangeState
	Reason         FailReason
	Detail         string
	Session        *authority.Session
	RedirectTarget string
}

// ExchangeHandler turns a third-party authorization code into a validated
// session. One pass per provider round-trip; the PKCE record created at
// Begin must survive the external redirect and is consumed exactly once.
type ExchangeHandler struct {
	authority authority.Authority
	sessions  *SessionCodec
	pkce      *PKCECodec
	guard     ReplayGuard
	loginPath string
	homePath  string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Set
}

// NewExchangeHandler constructs the handler from config.
func NewExchangeHandler(cfg Config, auth authority.Authority, sessions *SessionCodec, pkce *PKCECodec, guard ReplayGuard, logger *slog.Logger, m *metrics.Set) *ExchangeHandler {
	return &ExchangeHandler{
		authority: auth,
		sessions:  sessions,
		pkce:      pkce,
		guard:     guard,
		loginPath: cfg.Routes.LoginPath,
		homePath:  cfg.Routes.HomePath,
		timeout:   parseDuration(cfg.Authority.ValidateTimeout, DefaultValidateTimeout),
		logger:    logger,
		metrics:   m,
	}
}

// Begin starts the provider round-trip: mint the exchange record, park it
// where the callback can read it back, and hand the user to the provider.
func (h *ExchangeHandler) Begin(w http.ResponseWriter, r *http.Request) {
	target := r.FormValue(RedirectParam)
	if target == "" {
		target = h.homePath
	}

	rec := NewExchangeRecord(target)
	if err := h.pkce.Write(w, rec); err != nil {
		h.logger.Error("persist exchange record", "error", err)
		http.Error(w, "sign-in unavailable", http.StatusInternalServerError)
		return
	}

	h.logger.Info("authorization requested", "exchange_id", rec.ID, "state", StateAuthorizationRequested.String())
	http.Redirect(w, r, h.authority.AuthCodeURL(rec.ID, rec.Verifier), http.StatusFound)
}

// Callback terminates the round-trip. On Exchanged the session rides the
// redirect response written here; on Failed the user lands back on the
// login page with the machine-readable reason.
func (h *ExchangeHandler) Callback(w http.ResponseWriter, r *http.Request) {
	res := h.Run(w, r)
	if res.State == StateExchanged {
		http.Redirect(w, r, res.RedirectTarget, http.StatusSeeOther)
		return
	}

	q := url.Values{}
	q.Set("error", string(res.Reason))
	if res.Detail != "" {
		q.Set("error_description", res.Detail)
	}
	http.Redirect(w, r, h.loginPath+"?"+q.Encode(), http.StatusSeeOther)
}

// Run executes the state machine for one callback request. The session
// cookie, when issued, is written to w, the exact response the browser
// receives, before the terminal state is returned.
func (h *ExchangeHandler) Run(w http.ResponseWriter, r *http.Request) ExchangeResult {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	query := r.URL.Query()

	// CodeReceived: the provider either granted a code or reported an
	// error. A provider error never triggers an exchange attempt.
	if provErr := query.Get("error"); provErr != "" {
		detail := query.Get("error_description")
		if detail == "" {
			detail = provErr
		}
		return h.fail(ReasonProviderDenied, detail)
	}

	code := query.Get("code")
	if code == "" {
		return h.fail(ReasonNoCode, "provider returned no authorization code")
	}

	rec, err := h.pkce.Read(r)
	if err != nil {
		return h.fail(ReasonExchangeFailed, "sign-in flow expired, start again")
	}
	if query.Get("state") != rec.ID {
		return h.fail(ReasonExchangeFailed, "state mismatch")
	}

	// Consume the record before touching the authority: clear the cookie
	// and claim the ID so a replayed callback can never exchange twice.
	h.pkce.Clear(w)
	first, err := h.guard.MarkConsumed(ctx, rec.ID, h.pkce.TTL())
	if err != nil {
		h.logger.Error("replay guard unavailable", "error", err)
		return h.fail(ReasonExchangeFailed, "sign-in unavailable, try again")
	}
	if !first {
		return h.fail(ReasonExchangeFailed, "authorization code already used")
	}

	h.logger.Info("exchanging authorization code", "exchange_id", rec.ID, "state", StateExchanging.String())
	sess, err := h.authority.ExchangeCode(ctx, code, rec.Verifier)
	if err != nil {
		return h.fail(ReasonExchangeFailed, sanitizeDetail(err.Error()))
	}

	// Post-exchange verification: never trust the exchange response's
	// claims blindly. The authority confirms the identity it just issued.
	user, err := h.authority.GetUser(ctx, sess.AccessToken)
	if err != nil {
		return h.fail(ReasonVerificationFailed, "identity verification failed")
	}
	sess.SubjectID = user.SubjectID

	if err := h.sessions.Write(w, sess); err != nil {
		h.logger.Error("write session after exchange", "error", err)
		return h.fail(ReasonExchangeFailed, "session could not be established")
	}

	h.metrics.Exchange("exchanged")
	h.logger.Info("exchange complete", "exchange_id", rec.ID, "subject", user.SubjectID)
	return ExchangeResult{
		State:          StateExchanged,
		Session:        sess,
		RedirectTarget: rec.RedirectTarget,
	}
}

func (h *ExchangeHandler) fail(reason FailReason, detail string) ExchangeResult {
	detail = sanitizeDetail(detail)
	h.metrics.Exchange(string(reason))
	h.logger.Warn("exchange failed", "reason", string(reason), "detail", detail)
	return ExchangeResult{State: StateFailed, Reason: reason, Detail: detail}
}

// sanitizeDetail strips control characters and truncates provider-supplied
// text before it reaches a redirect URL or a user's screen.
func sanitizeDetail(s string) string {
	const maxDetail = 140
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxDetail {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
