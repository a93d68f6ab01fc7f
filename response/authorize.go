package response

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-server/protocol"
)

// AuthorizeResponse is the result of an authorize request delivered to the client's
// redirect URI
type AuthorizeResponse struct {
	RedirectURI  string
	ResponseMode string
	Params       url.Values
}

// AuthorizeSuccess builds a successful response. idToken is only set for code id_token.
func AuthorizeSuccess(redirectURI, responseMode, code, state, issuer, idToken string) *AuthorizeResponse {
	params := url.Values{}
	params.Set(protocol.ParamCode, code)
	if idToken != "" {
		params.Set(protocol.ParamIDToken, idToken)
	}
	return newAuthorizeResponse(redirectURI, responseMode, params, state, issuer)
}

// AuthorizeError builds an error response
func AuthorizeError(redirectURI, responseMode string, perr *protocol.Error, state, issuer string) *AuthorizeResponse {
	params := url.Values{}
	params.Set(protocol.ParamError, perr.Code)
	if perr.Description != "" {
		params.Set(protocol.ParamErrorDescription, perr.Description)
	}
	return newAuthorizeResponse(redirectURI, responseMode, params, state, issuer)
}

func newAuthorizeResponse(redirectURI, responseMode string, params url.Values, state, issuer string) *AuthorizeResponse {
	if state != "" {
		params.Set(protocol.ParamState, state)
	}
	// RFC 9207
	if issuer != "" {
		params.Set(protocol.ParamIssuer, issuer)
	}
	return &AuthorizeResponse{RedirectURI: redirectURI, ResponseMode: responseMode, Params: params}
}

// Location returns the redirect URL for the query and fragment response modes. The
// registered redirect URI is kept byte for byte; parameters are appended to it.
func (r *AuthorizeResponse) Location() (string, error) {
	if _, err := url.Parse(r.RedirectURI); err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}

	encoded := r.Params.Encode()
	switch r.ResponseMode {
	case protocol.ResponseModeQuery:
		sep := "?"
		if strings.Contains(r.RedirectURI, "?") {
			sep = "&"
			if strings.HasSuffix(r.RedirectURI, "?") || strings.HasSuffix(r.RedirectURI, "&") {
				sep = ""
			}
		}
		return r.RedirectURI + sep + encoded, nil
	case protocol.ResponseModeFragment:
		return r.RedirectURI + "#" + encoded, nil
	default:
		return "", fmt.Errorf("response mode %q has no redirect location", r.ResponseMode)
	}
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Submit this form</title></head>
<body onload="javascript:document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Params}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}"/>
{{- end}}{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

// FormPost renders the auto-submitting HTML page of the form_post response mode
func (r *AuthorizeResponse) FormPost() ([]byte, error) {
	var buf bytes.Buffer
	err := formPostTemplate.Execute(&buf, struct {
		Action template.URL
		Params url.Values
	}{
		Action: template.URL(r.RedirectURI), //nolint:gosec // registered redirect URI, validated on registration
		Params: r.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render form_post response: %w", err)
	}
	return buf.Bytes(), nil
}

// formPostCSP allows the inline onload handler and posting to any origin
const formPostCSP = "default-src 'none'; script-src 'unsafe-inline'; form-action *; frame-ancestors 'none'"

// Write delivers the response: a 302 for query and fragment, an HTML page for form_post.
// The caller sets the common security headers before calling Write.
func (r *AuthorizeResponse) Write(w http.ResponseWriter, req *http.Request) error {
	if r.ResponseMode == protocol.ResponseModeFormPost {
		body, err := r.FormPost()
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", formPostCSP)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return err
	}

	location, err := r.Location()
	if err != nil {
		return err
	}
	http.Redirect(w, req, location, http.StatusFound)
	return nil
}
