package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whoami(w http.ResponseWriter, r *http.Request) {
	id, ok := UserID(r.Context())
	if !ok {
		id = "anonymous"
	}
	w.Write([]byte(id))
}

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "authenticated")

	token, err := v.Sign("user-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "")

	expired, err := v.Sign("user-1", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewVerifier("other", "").Sign("user-1", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongAudience, err := v.Sign("user-1", time.Hour)
	require.NoError(t, err)
	_, err = NewVerifier("secret", "authenticated").Verify(wrongAudience)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret", "")
	h := v.Middleware(http.HandlerFunc(whoami))
	token, _ := v.Sign("user-1", time.Hour)

	rec := serve(h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())

	rec = serve(h, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Basic dXNlcjpwYXNz").Code)
}

func TestRequireUser(t *testing.T) {
	v := NewVerifier("secret", "")
	h := v.Middleware(RequireUser(http.HandlerFunc(whoami)))
	token, _ := v.Sign("user-1", time.Hour)

	assert.Equal(t, http.StatusUnauthorized, serve(h, "").Code)
	assert.Equal(t, http.StatusOK, serve(h, "Bearer "+token).Code)
}
