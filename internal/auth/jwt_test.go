package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestGenerateTokenRoundTrip(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	secret := "test-secret"
	tenantID := "3f2c8b44-9d1e-4f6a-8f1a-2b7c9d0e1a23"

	signed, expiresAt, err := GenerateToken(tenantID, secret, 5*time.Minute)
	assert.NoError(t, err)
	assert.NotEmpty(t, signed)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), expiresAt, 5*time.Second)

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)
	assert.True(t, token.Valid)
	c.Set("user", token)

	got, err := TenantFromContext(c)
	assert.NoError(t, err)
	assert.Equal(t, tenantID, got)
}

func TestTenantFromContextFallsBackToSubject(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		claimSubject: "tenant-from-sub",
	})
	token.Valid = true
	c.Set("user", token)

	got, err := TenantFromContext(c)
	assert.NoError(t, err)
	assert.Equal(t, "tenant-from-sub", got)
}

func TestTenantFromContextMissingUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, err := TenantFromContext(c)
	assert.Error(t, err)

	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	if _, _, err := GenerateToken("", "secret", time.Minute); err == nil {
		t.Fatalf("expected error for empty tenant id")
	}
	if _, _, err := GenerateToken("tenant", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, _, err := GenerateToken("tenant", "secret", 0); err == nil {
		t.Fatalf("expected error for non-positive expiry")
	}
}
