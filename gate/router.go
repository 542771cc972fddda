package gate

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: auth endpoints first, then the
// validator in front of everything else.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/auth", func(ar chi.Router) {
		ar.Get("/login/start", a.Exchange.Begin)
		ar.Get("/callback", a.Exchange.Callback)
		ar.Post("/logout", a.handleSignOut)
		ar.Post("/signin", a.handleSignIn)
		ar.Post("/signup", a.handleSignUp)
		ar.Get("/session", a.handleSession)
	})

	r.Group(func(gr chi.Router) {
		gr.Use(a.Validator.Middleware)
		gr.Handle("/*", a.Upstream)
	})

	return r
}
