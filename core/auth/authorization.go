package auth

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"stemrelay/core/audit"
	"stemrelay/core/logx"
)

type Authorizer struct {
	Verifier    *TokenVerifier
	AuditLogger audit.AuditLogger
	log         zerolog.Logger
}

type AuthorizationResult struct {
	Authorized bool
	Subject    string
	Reason     string
	Err        error
}

func NewAuthorizer(v *TokenVerifier, al audit.AuditLogger) *Authorizer {
	a := &Authorizer{Verifier: v, AuditLogger: al, log: logx.New("auth")}
	if !v.Enabled() {
		a.log.Warn().Msg("no JWT secret configured, operator endpoints are open")
	}
	return a
}

// Authorize checks the request's bearer token for an operator action.
func (a *Authorizer) Authorize(r *http.Request, action string) AuthorizationResult {
	if !a.Verifier.Enabled() {
		return AuthorizationResult{Authorized: true, Reason: "auth disabled"}
	}
	tok, err := BearerToken(r)
	if err == nil {
		var claims *OperatorClaims
		claims, err = a.Verifier.Verify(tok)
		if err == nil {
			a.record(action, claims.Subject, r.RemoteAddr, "success", "Authorized")
			return AuthorizationResult{Authorized: true, Subject: claims.Subject, Reason: "Authorized"}
		}
	}
	a.record(action, "", r.RemoteAddr, "failure", err.Error())
	return AuthorizationResult{Reason: err.Error(), Err: err}
}

func (a *Authorizer) record(action, subject, remote, result, reason string) {
	if a.AuditLogger == nil {
		return
	}
	ev := audit.NewEvent(audit.EventAuthorized, subject)
	ev.Peer = remote
	ev.Result = result
	ev.Reason = reason
	ev.Metadata = map[string]string{"action": action}
	a.AuditLogger.LogEvent(ev)
}

// RequireOperator wraps next so it only runs for authorized callers.
func (a *Authorizer) RequireOperator(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := a.Authorize(r, action)
		if !res.Authorized {
			status := http.StatusUnauthorized
			if errors.Is(res.Err, ErrForbidden) {
				status = http.StatusForbidden
			}
			http.Error(w, res.Reason, status)
			return
		}
		next(w, r)
	}
}
