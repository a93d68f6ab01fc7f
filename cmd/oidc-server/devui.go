package main

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
)

// Development UI paths
const (
	devUILogin   = "/ui/login"
	devUIConsent = "/ui/consent"
	devUIError   = "/ui/error"
	devUILogout  = "/ui/logout"
)

var devTemplates = template.Must(template.New("").Parse(`
{{define "head"}}<!DOCTYPE html><html><head><meta charset="utf-8"><title>{{.}}</title></head><body>{{end}}
{{define "login"}}{{template "head" "Sign in"}}
<h1>Sign in</h1>
{{if .Error}}<p><strong>{{.Error}}</strong></p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="authorize_request_id" value="{{.RequestID}}">
<label>Subject <input name="subject" value="{{.Subject}}" autofocus></label>
<button type="submit">Sign in</button>
</form></body></html>{{end}}
{{define "consent"}}{{template "head" "Consent"}}
<h1>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}} requests access</h1>
<form method="post" action="{{.Action}}">
<input type="hidden" name="authorize_request_id" value="{{.AuthorizeRequestID}}">
<ul>
{{range .Scopes}}<li><label><input type="checkbox" name="scope" value="{{.Name}}" checked{{if .Required}} disabled{{end}}> {{if .DisplayName}}{{.DisplayName}}{{else}}{{.Name}}{{end}}</label></li>
{{end}}{{if .OfflineAccess}}<li><label><input type="checkbox" name="scope" value="offline_access" checked> Offline access</label></li>{{end}}
</ul>
{{if .AllowRememberConsent}}<label><input type="checkbox" name="remember"> Remember my decision</label>{{end}}
<button type="submit" name="action" value="grant">Allow</button>
<button type="submit" name="action" value="deny">Deny</button>
</form></body></html>{{end}}
{{define "error"}}{{template "head" "Error"}}
<h1>Authorization failed</h1>
{{if .}}<p><code>{{.Code}}</code>{{if .Description}}: {{.Description}}{{end}}</p>{{else}}<p>The error is unknown or has expired.</p>{{end}}
</body></html>{{end}}
`))

type loginPage struct {
	Action    string
	RequestID string
	Subject   string
	Error     string
}

type consentPage struct {
	*server.ConsentRequest
	Action string
	Scopes []storage.Scope
}

// devUI is a minimal login, consent and error UI for local development. Any subject with
// an active profile signs in without a password.
type devUI struct {
	server   *server.Server
	sessions *identity.SessionCookieAuthenticator
	profiles identity.ProfileService
	logger   *slog.Logger
	now      func() time.Time
}

func newDevUI(srv *server.Server, sessions *identity.SessionCookieAuthenticator, profiles identity.ProfileService, logger *slog.Logger) *devUI {
	return &devUI{server: srv, sessions: sessions, profiles: profiles, logger: logger, now: time.Now}
}

// Register mounts the UI routes
func (u *devUI) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(noStore)
		r.Get(devUILogin, u.loginForm)
		r.Post(devUILogin, u.login)
		r.Get(devUIConsent, u.consentForm)
		r.Post(devUIConsent, u.consent)
		r.Get(devUIError, u.errorPage)
		r.Post(devUILogout, u.logout)
	})
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetNoStore(w)
		next.ServeHTTP(w, r)
	})
}

func (u *devUI) loginForm(w http.ResponseWriter, r *http.Request) {
	u.render(w, http.StatusOK, "login", loginPage{
		Action:    devUILogin,
		RequestID: r.URL.Query().Get(server.ParamAuthorizeRequestID),
	})
}

func (u *devUI) login(w http.ResponseWriter, r *http.Request) {
	requestID := r.PostFormValue(server.ParamAuthorizeRequestID)
	subject := r.PostFormValue("subject")

	active, err := identity.IsActive(r.Context(), u.profiles, subject)
	if err != nil {
		u.logger.Error("Profile lookup failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if subject == "" || !active {
		u.render(w, http.StatusUnauthorized, "login", loginPage{
			Action:    devUILogin,
			RequestID: requestID,
			Subject:   subject,
			Error:     "Unknown or disabled account",
		})
		return
	}

	err = u.sessions.IssueCookie(w, storage.EssentialClaims{
		SubjectID:       subject,
		SessionID:       uuid.NewString(),
		AuthenticatedAt: u.now(),
	})
	if err != nil {
		u.logger.Error("Failed to issue session", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	u.logger.Info("Development login", "subject_id", subject)
	u.resume(w, r, requestID)
}

func (u *devUI) consentForm(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get(server.ParamAuthorizeRequestID)
	if u.server.Authenticate(r) == nil {
		http.Redirect(w, r, withRequestID(devUILogin, requestID), http.StatusFound)
		return
	}

	req, err := u.server.FindConsentRequest(r.Context(), requestID)
	if err != nil {
		u.consentLookupFailed(w, err)
		return
	}
	u.render(w, http.StatusOK, "consent", consentPage{
		ConsentRequest: req,
		Action:         devUIConsent,
		Scopes:         slices.Concat(req.IdentityScopes, req.APIScopes),
	})
}

func (u *devUI) consent(w http.ResponseWriter, r *http.Request) {
	requestID := r.PostFormValue(server.ParamAuthorizeRequestID)
	ticket := u.server.Authenticate(r)
	if ticket == nil {
		http.Redirect(w, r, withRequestID(devUILogin, requestID), http.StatusSeeOther)
		return
	}

	var err error
	if r.PostFormValue("action") == "grant" {
		scopes := r.PostForm["scope"]
		err = u.server.GrantConsent(r.Context(), requestID, *ticket, scopes, r.PostFormValue("remember") != "")
	} else {
		err = u.server.DenyConsent(r.Context(), requestID, *ticket)
	}
	if err != nil {
		u.consentLookupFailed(w, err)
		return
	}
	u.resume(w, r, requestID)
}

func (u *devUI) consentLookupFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "The authorization request is unknown or has expired", http.StatusNotFound)
		return
	}
	u.logger.Error("Consent failed", "error", err)
	http.Error(w, "The authorization request can no longer be completed", http.StatusBadRequest)
}

func (u *devUI) errorPage(w http.ResponseWriter, r *http.Request) {
	record, err := u.server.FindAuthorizeRequestError(r.Context(), r.URL.Query().Get(server.ParamErrorID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		u.logger.Error("Error lookup failed", "error", err)
	}
	u.render(w, http.StatusBadRequest, "error", record)
}

func (u *devUI) logout(w http.ResponseWriter, r *http.Request) {
	u.sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// resume sends the browser back to the authorize callback
func (u *devUI) resume(w http.ResponseWriter, r *http.Request, requestID string) {
	target := u.server.Issuer() + response.PathAuthorizeCallback
	http.Redirect(w, r, withRequestID(target, requestID), http.StatusSeeOther)
}

func (u *devUI) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := devTemplates.ExecuteTemplate(w, name, data); err != nil {
		u.logger.Error("Failed to render page", "page", name, "error", err)
	}
}

func withRequestID(path, requestID string) string {
	return path + "?" + url.Values{server.ParamAuthorizeRequestID: {requestID}}.Encode()
}
