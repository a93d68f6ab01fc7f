package protocol

// Authorize and token request parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamRedirectURI         = "redirect_uri"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamNonce               = "nonce"
	ParamDisplay             = "display"
	ParamPrompt              = "prompt"
	ParamMaxAge              = "max_age"
	ParamUILocales           = "ui_locales"
	ParamLoginHint           = "login_hint"
	ParamAcrValues           = "acr_values"
	ParamRequest             = "request"
	ParamRequestURI          = "request_uri"
	ParamGrantType           = "grant_type"
	ParamCode                = "code"
	ParamCodeVerifier        = "code_verifier"
	ParamRefreshToken        = "refresh_token"
)

// Authorize response parameter names.
const (
	ParamError            = "error"
	ParamErrorDescription = "error_description"
	ParamIssuer           = "iss"
	ParamIDToken          = "id_token"
)

// Response types supported by the authorize endpoint.
const (
	ResponseTypeCode        = "code"
	ResponseTypeCodeIDToken = "code id_token"
)

// Response modes (OAuth 2.0 Multiple Response Type Encoding Practices, Form Post Response Mode).
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Grant types supported by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

// OpenID Connect prompt values.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
	PromptCreate        = "create"
)

// OpenID Connect display values.
const (
	DisplayPage  = "page"
	DisplayPopup = "popup"
	DisplayTouch = "touch"
	DisplayWAP   = "wap"
)

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Token types a scope can apply to.
const (
	TokenTypeIDToken     = "id_token"
	TokenTypeAccessToken = "access_token"
)

// Client authentication methods at the token endpoint.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "Bearer"

// Input length restrictions applied by the validators.
const (
	MaxClientIDLength      = 100
	MaxRedirectURILength   = 2000
	MaxScopeLength         = 300
	MaxStateLength         = 2000
	MaxNonceLength         = 300
	MaxUILocalesLength     = 100
	MaxLoginHintLength     = 100
	MaxAcrValuesLength     = 300
	MaxGrantTypeLength     = 100
	MaxCodeLength          = 100
	MaxRefreshTokenLength  = 100
	MinCodeVerifierLength  = 43
	MaxCodeVerifierLength  = 128
	MinCodeChallengeLength = 43
	MaxCodeChallengeLength = 128
	MaxClientSecretLength  = 500
)

// DefaultResponseMode returns the response mode used when the request does not name
// one. The empty string means the response type is unknown.
func DefaultResponseMode(responseType string) string {
	switch responseType {
	case ResponseTypeCode:
		return ResponseModeQuery
	case ResponseTypeCodeIDToken:
		return ResponseModeFragment
	default:
		return ""
	}
}

// IsSupportedResponseType reports whether the authorize endpoint knows the response type
func IsSupportedResponseType(responseType string) bool {
	return DefaultResponseMode(responseType) != ""
}

// ResponseTypes lists every response type in discovery order
func ResponseTypes() []string {
	return []string{ResponseTypeCode, ResponseTypeCodeIDToken}
}

// ResponseModes lists every response mode in discovery order
func ResponseModes() []string {
	return []string{ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost}
}

// GrantTypes lists every grant type in discovery order
func GrantTypes() []string {
	return []string{GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken}
}

// Prompts lists every supported prompt value
func Prompts() []string {
	return []string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount, PromptCreate}
}

// Displays lists every supported display value
func Displays() []string {
	return []string{DisplayPage, DisplayPopup, DisplayTouch, DisplayWAP}
}
