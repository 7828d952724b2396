package identity

import (
	"strings"

	"github.com/and161185/atelier/internal/errs"
)

// providerCodes is the single mapping table from provider error codes to errs.Kind.
var providerCodes = map[string]errs.Kind{
	"EMAIL_EXISTS":                   errs.EmailInUse,
	"WEAK_PASSWORD":                  errs.WeakPassword,
	"INVALID_EMAIL":                  errs.InvalidEmail,
	"MISSING_EMAIL":                  errs.InvalidEmail,
	"EMAIL_NOT_FOUND":                errs.InvalidCredentials,
	"INVALID_PASSWORD":               errs.InvalidCredentials,
	"MISSING_PASSWORD":               errs.InvalidCredentials,
	"INVALID_LOGIN_CREDENTIALS":      errs.InvalidCredentials,
	"USER_DISABLED":                  errs.AccountDisabled,
	"TOO_MANY_ATTEMPTS_TRY_LATER":    errs.RateLimited,
	"QUOTA_EXCEEDED":                 errs.RateLimited,
	"INVALID_PHONE_NUMBER":           errs.InvalidPhoneFormat,
	"MISSING_PHONE_NUMBER":           errs.InvalidPhoneFormat,
	"CAPTCHA_CHECK_FAILED":           errs.ChallengeFailed,
	"MISSING_RECAPTCHA_TOKEN":        errs.ChallengeFailed,
	"INVALID_RECAPTCHA_TOKEN":        errs.ChallengeFailed,
	"INVALID_APP_CREDENTIAL":         errs.ChallengeFailed,
	"INVALID_CODE":                   errs.InvalidCode,
	"MISSING_CODE":                   errs.InvalidCode,
	"INVALID_VERIFICATION_CODE":      errs.InvalidCode,
	"SESSION_EXPIRED":                errs.CodeExpired,
	"CODE_EXPIRED":                   errs.CodeExpired,
	"INVALID_SESSION_INFO":           errs.CodeExpired,
	"TOKEN_EXPIRED":                  errs.SessionExpired,
	"INVALID_ID_TOKEN":               errs.SessionExpired,
	"INVALID_REFRESH_TOKEN":          errs.SessionExpired,
	"MISSING_REFRESH_TOKEN":          errs.SessionExpired,
	"USER_NOT_FOUND":                 errs.SessionExpired,
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN": errs.RequiresRecentLogin,
}

// providerCode extracts the code from messages like "WEAK_PASSWORD : Password should be ...".
func providerCode(message string) string {
	code := strings.TrimSpace(message)
	if i := strings.IndexAny(code, " :"); i >= 0 {
		code = code[:i]
	}
	return strings.ToUpper(code)
}

// mapProviderError converts a provider error response into *errs.Error.
// 5xx responses are an outage, not a verdict about the credentials.
func mapProviderError(op string, status int, message string) error {
	code := providerCode(message)
	if kind, ok := providerCodes[code]; ok {
		return errs.New(kind, op, nil)
	}
	if status >= 500 {
		return errs.New(errs.NetworkUnavailable, op, nil)
	}
	if status == 429 {
		return errs.New(errs.RateLimited, op, nil)
	}
	return errs.New(errs.Unknown, op, nil)
}
