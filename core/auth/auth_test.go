package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemrelay/core/audit"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewTokenVerifier("s3cret")
	tok, err := v.Issue("ops", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)

	_, err = NewTokenVerifier("other").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	v := NewTokenVerifier("s3cret")
	tok, err := v.Issue("ops", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWrongRoleForbidden(t *testing.T) {
	claims := OperatorClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = NewTokenVerifier("s3cret").Verify(tok)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRequireOperator(t *testing.T) {
	mem := audit.NewMemoryAuditLogger(10)
	v := NewTokenVerifier("s3cret")
	a := NewAuthorizer(v, mem)
	h := a.RequireOperator("rotate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/relay/rotate", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := v.Issue("ops", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/relay/rotate", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, 2, mem.Count(audit.EventAuthorized))
	events := mem.Recent(2)
	assert.Equal(t, "failure", events[0].Result)
	assert.Equal(t, "success", events[1].Result)
	assert.Equal(t, "rotate", events[1].Metadata["action"])
}

func TestDisabledAuthAllows(t *testing.T) {
	a := NewAuthorizer(NewTokenVerifier(""), nil)
	res := a.Authorize(httptest.NewRequest(http.MethodGet, "/", nil), "inspect")
	assert.True(t, res.Authorized)
}
