package upstream

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/mireapprove/backend/internal/model"
)

// The SSO login pages are React-rendered: the interesting values live in an
// inlined kcContext JSON blob, with a plain HTML <form> as fallback for
// clients without JavaScript. Both shapes are handled here.

var (
	loginActionRe   = regexp.MustCompile(`"loginAction":\s*"([^"]*)"`)
	selectedCredRe  = regexp.MustCompile(`"selectedCredentialId":\s*"([^"]*)"`)
	hiddenCredRe    = regexp.MustCompile(`name="selectedCredentialId"\s+value="([^"]*)"`)
	otpCredsBlockRe = regexp.MustCompile(`(?s)"userOtpCredentials":\s*\[(.*?)\]`)
	// A credential object may list userLabel before id or the other way round.
	otpCredRe = regexp.MustCompile(
		`\{\s*[^}]*"userLabel":\s*"([^"]*)"[^}]*"id":\s*"([^"]*)"[^}]*\}|` +
			`\{\s*[^}]*"id":\s*"([^"]*)"[^}]*"userLabel":\s*"([^"]*)"[^}]*\}`)
)

var errNoLoginForm = errors.New("upstream: no login form on SSO page")

// sessionCookieName marks an authorized portal session.
const sessionCookieName = ".AspNetCore.Cookies"

// isChallengePage reports whether the SSO response asks for a second factor.
func isChallengePage(body string) bool {
	return strings.Contains(body, `"otpLogin"`) ||
		strings.Contains(body, `name="otp"`) ||
		strings.Contains(body, "selectedCredentialId") ||
		strings.Contains(strings.ToLower(body), "totp") ||
		isEmailCodePage(body)
}

// isEmailCodePage reports whether the challenge asks for a code sent by email
// rather than an authenticator code.
func isEmailCodePage(body string) bool {
	return strings.Contains(body, `name="emailCode"`) ||
		strings.Contains(body, `"emailCodeLogin"`) ||
		strings.Contains(body, "kc-email-code-login-form")
}

func challengeKind(body string) model.ChallengeKind {
	if isEmailCodePage(body) {
		return model.ChallengeEmailCode
	}
	return model.ChallengeTOTP
}

// extractFormAction finds the URL the credentials (or the second-factor code)
// must be posted to. The kcContext loginAction wins; a bare <form action>
// resolved against pageURL is the fallback.
func extractFormAction(body, pageURL string) (string, error) {
	if m := loginActionRe.FindStringSubmatch(body); m != nil {
		return unescapeJSONString(m[1]), nil
	}

	action := findFormAction(body)
	if action == "" {
		return "", errNoLoginForm
	}
	if !strings.HasPrefix(action, "http") {
		base, err := url.Parse(pageURL)
		if err != nil {
			return "", errNoLoginForm
		}
		ref, err := url.Parse(action)
		if err != nil {
			return "", errNoLoginForm
		}
		action = base.ResolveReference(ref).String()
	}
	return action, nil
}

// findFormAction walks the HTML and returns the action of the second-factor
// form if present, otherwise of the first form. The tokenizer already decodes
// entities like &amp; in attribute values.
func findFormAction(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	first := ""
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return first
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		if tok.Data != "form" {
			continue
		}
		var action, id string
		for _, a := range tok.Attr {
			switch a.Key {
			case "action":
				action = a.Val
			case "id":
				id = a.Val
			}
		}
		if action == "" {
			continue
		}
		if id == "kc-otp-login-form" || id == "kc-email-code-login-form" {
			return action
		}
		if first == "" {
			first = action
		}
	}
}

// challengeForm is the continuation state parsed from a second-factor page.
type challengeForm struct {
	SubmitURL    string
	CredentialID string
	Credentials  []model.OTPCredential
}

// extractChallengeForm pulls the submit URL, the pre-selected credential and
// the list of alternative credentials out of a second-factor page.
func extractChallengeForm(body, pageURL string) (*challengeForm, error) {
	action, err := extractFormAction(body, pageURL)
	if err != nil {
		return nil, err
	}

	form := &challengeForm{SubmitURL: action}

	if m := otpCredsBlockRe.FindStringSubmatch(body); m != nil {
		for _, cm := range otpCredRe.FindAllStringSubmatch(m[1], -1) {
			switch {
			case cm[1] != "" && cm[2] != "":
				form.Credentials = append(form.Credentials, model.OTPCredential{Label: cm[1], ID: cm[2]})
			case cm[3] != "" && cm[4] != "":
				form.Credentials = append(form.Credentials, model.OTPCredential{Label: cm[4], ID: cm[3]})
			}
		}
	}

	if m := selectedCredRe.FindStringSubmatch(body); m != nil {
		form.CredentialID = m[1]
	} else if m := hiddenCredRe.FindStringSubmatch(body); m != nil {
		form.CredentialID = m[1]
	}

	return form, nil
}

// unescapeJSONString reverses the escaping of a string lifted out of inline
// JSON with a regexp (\uXXXX, \/ and friends). Returns the input unchanged
// when it is not a valid JSON string body.
func unescapeJSONString(s string) string {
	unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `\/`, `/`) + `"`)
	if err != nil {
		return s
	}
	return unquoted
}

// loginSucceeded reports whether the SSO dance landed on the application host
// or produced the portal session cookie.
func loginSucceeded(finalURL, appHost string, cookies []model.Cookie) bool {
	if appHost != "" && strings.Contains(finalURL, appHost) {
		return true
	}
	for _, c := range cookies {
		if c.Name == sessionCookieName {
			return true
		}
	}
	return false
}
