package authorize

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/syntax"
)

// Each parameter validator reads one optional parameter and returns absent, a value or an
// error whose text is safe to return to the client as error_description.

func paramError(name string, err error) error {
	return fmt.Errorf("%s: %w", name, err)
}

// vsChar reads a single optional VSCHAR parameter bounded by maxLength
func vsChar(params url.Values, name string, maxLength int) syntax.Result[string] {
	r := syntax.Single(params, name, maxLength)
	if err := r.Err(); err != nil {
		return syntax.Failed[string](paramError(name, err))
	}
	value, ok := r.Get()
	if !ok {
		return r
	}
	if !syntax.IsVSChar(value) {
		return syntax.Failed[string](paramError(name, syntax.ErrInvalidCharacters))
	}
	return r
}

func validateState(params url.Values) syntax.Result[string] {
	return vsChar(params, protocol.ParamState, protocol.MaxStateLength)
}

func validateNonce(params url.Values) syntax.Result[string] {
	return vsChar(params, protocol.ParamNonce, protocol.MaxNonceLength)
}

func validateUILocales(params url.Values) syntax.Result[string] {
	return vsChar(params, protocol.ParamUILocales, protocol.MaxUILocalesLength)
}

func validateLoginHint(params url.Values) syntax.Result[string] {
	return vsChar(params, protocol.ParamLoginHint, protocol.MaxLoginHintLength)
}

func validateDisplay(params url.Values) syntax.Result[string] {
	r := syntax.Single(params, protocol.ParamDisplay, 0)
	if err := r.Err(); err != nil {
		return syntax.Failed[string](paramError(protocol.ParamDisplay, err))
	}
	value, ok := r.Get()
	if ok && !slices.Contains(protocol.Displays(), value) {
		return syntax.Failed[string](fmt.Errorf("display: unsupported value %q", value))
	}
	return r
}

// validatePrompt reads the space separated prompt list. Unknown values are rejected and
// none may not be combined with any other value.
func validatePrompt(params url.Values) syntax.Result[[]string] {
	r := syntax.Single(params, protocol.ParamPrompt, 0)
	if err := r.Err(); err != nil {
		return syntax.Failed[[]string](paramError(protocol.ParamPrompt, err))
	}
	value, ok := r.Get()
	if !ok {
		return syntax.Absent[[]string]()
	}

	var prompts []string
	for _, p := range strings.Split(value, " ") {
		if !slices.Contains(protocol.Prompts(), p) {
			return syntax.Failed[[]string](fmt.Errorf("prompt: unsupported value %q", p))
		}
		if !slices.Contains(prompts, p) {
			prompts = append(prompts, p)
		}
	}
	if slices.Contains(prompts, protocol.PromptNone) && len(prompts) > 1 {
		return syntax.Failed[[]string](errors.New("prompt: none cannot be combined with other values"))
	}
	return syntax.Value(prompts)
}

func validateMaxAge(params url.Values) syntax.Result[time.Duration] {
	r := syntax.Single(params, protocol.ParamMaxAge, 10)
	if err := r.Err(); err != nil {
		return syntax.Failed[time.Duration](paramError(protocol.ParamMaxAge, err))
	}
	value, ok := r.Get()
	if !ok {
		return syntax.Absent[time.Duration]()
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return syntax.Failed[time.Duration](errors.New("max_age: must be a non-negative integer"))
	}
	return syntax.Value(time.Duration(seconds) * time.Second)
}

func validateAcrValues(params url.Values) syntax.Result[[]string] {
	r := vsChar(params, protocol.ParamAcrValues, protocol.MaxAcrValuesLength)
	if err := r.Err(); err != nil {
		return syntax.Failed[[]string](err)
	}
	value, ok := r.Get()
	if !ok {
		return syntax.Absent[[]string]()
	}
	values := strings.Fields(value)
	if len(values) == 0 {
		return syntax.Absent[[]string]()
	}
	return syntax.Value(values)
}

// validateCodeChallengeMethod returns the PKCE method, plain when the parameter is absent
// (RFC 7636 Section 4.3)
func validateCodeChallengeMethod(params url.Values) syntax.Result[string] {
	r := syntax.Single(params, protocol.ParamCodeChallengeMethod, 0)
	if err := r.Err(); err != nil {
		return syntax.Failed[string](paramError(protocol.ParamCodeChallengeMethod, err))
	}
	value, ok := r.Get()
	if !ok {
		return syntax.Value(protocol.CodeChallengeMethodPlain)
	}
	if value != protocol.CodeChallengeMethodS256 && value != protocol.CodeChallengeMethodPlain {
		return syntax.Failed[string](errors.New("code_challenge_method: transform algorithm not supported"))
	}
	return r
}

// validateCodeChallenge checks the challenge syntax for method: a base64url SHA-256 digest
// for S256 and the code_verifier syntax for plain
func validateCodeChallenge(params url.Values, method string) syntax.Result[string] {
	r := syntax.Single(params, protocol.ParamCodeChallenge, protocol.MaxCodeChallengeLength)
	if err := r.Err(); err != nil {
		return syntax.Failed[string](paramError(protocol.ParamCodeChallenge, err))
	}
	value, ok := r.Get()
	if !ok {
		return r
	}

	valid := syntax.IsCodeVerifier(value)
	if method == protocol.CodeChallengeMethodS256 {
		valid = syntax.IsS256CodeChallenge(value)
	}
	if !valid {
		return syntax.Failed[string](paramError(protocol.ParamCodeChallenge, syntax.ErrInvalidCharacters))
	}
	return r
}

// provisionalResponseMode picks the mode used to deliver errors raised before the
// response mode has been validated
func provisionalResponseMode(params url.Values) string {
	if mode, ok := syntax.Single(params, protocol.ParamResponseMode, 0).Get(); ok && slices.Contains(protocol.ResponseModes(), mode) {
		return mode
	}
	if rt, ok := syntax.Single(params, protocol.ParamResponseType, 0).Get(); ok {
		if mode := protocol.DefaultResponseMode(rt); mode != "" {
			return mode
		}
	}
	return protocol.ResponseModeQuery
}

// mentionsOpenID reports whether the raw scope parameter contains openid. Used before the
// scope has been validated.
func mentionsOpenID(params url.Values) bool {
	for _, scope := range params[protocol.ParamScope] {
		if slices.Contains(strings.Fields(scope), protocol.ScopeOpenID) {
			return true
		}
	}
	return false
}
