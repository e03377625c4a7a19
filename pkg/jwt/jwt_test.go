package jwt

import (
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "test-access-secret-key-for-testing-purposes"
	testRefreshSecret = "test-refresh-secret-key-for-testing-purposes"
)

func newTestService() *Service {
	return NewService(testAccessSecret, testRefreshSecret, time.Hour, 24*time.Hour)
}

func TestGenerateAccessToken(t *testing.T) {
	service := newTestService()

	token, err := service.GenerateAccessToken(7, "fan@example.com", []string{"customer"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := service.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "fan@example.com", claims.Email)
	assert.Equal(t, []string{"customer"}, claims.Roles)
	assert.Equal(t, AccessToken, claims.TokenType)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, "7", claims.Subject)
}

func TestGenerateRefreshToken(t *testing.T) {
	service := newTestService()

	token, err := service.GenerateRefreshToken(7, "fan@example.com")
	require.NoError(t, err)

	claims, err := service.ValidateRefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, RefreshToken, claims.TokenType)
}

func TestValidateAccessToken_Rejections(t *testing.T) {
	service := newTestService()

	refresh, err := service.GenerateRefreshToken(7, "fan@example.com")
	require.NoError(t, err)

	wrongSecret, err := NewService("wrong-secret", testRefreshSecret, time.Hour, time.Hour).
		GenerateAccessToken(7, "fan@example.com", nil)
	require.NoError(t, err)

	noUser, err := service.GenerateAccessToken(0, "ghost@example.com", nil)
	require.NoError(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           7,
		TokenType:        AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})
	foreignToken, err := foreign.SignedString([]byte(testAccessSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"Malformed", "invalid.token.here"},
		{"Refresh Token", refresh},
		{"Wrong Secret", wrongSecret},
		{"No User", noUser},
		{"Foreign Issuer", foreignToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateAccessToken(tt.token)
			assert.Error(t, err)
			assert.Nil(t, claims)
			assert.False(t, IsExpired(err))
		})
	}
}

func TestExpiredToken(t *testing.T) {
	service := NewService(testAccessSecret, testRefreshSecret, -time.Minute, time.Hour)

	token, err := service.GenerateAccessToken(7, "fan@example.com", nil)
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(token)
	require.Error(t, err)
	assert.True(t, IsExpired(err))
}

func TestClaimsHasRole(t *testing.T) {
	claims := &Claims{Roles: []string{"customer", "support"}}

	assert.True(t, claims.HasRole("support"))
	assert.True(t, claims.HasRole("admin", "customer"))
	assert.False(t, claims.HasRole("admin"))
	assert.False(t, (&Claims{}).HasRole("customer"))
}

func TestTokenSigningMethod(t *testing.T) {
	service := newTestService()

	token, err := service.GenerateAccessToken(7, "fan@example.com", nil)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(testAccessSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, jwt.SigningMethodHS256, parsed.Method)
}

func TestConcurrentTokenGeneration(t *testing.T) {
	service := newTestService()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			token, err := service.GenerateAccessToken(userID, "fan@example.com", []string{"customer"})
			if err == nil {
				_, err = service.ValidateAccessToken(token)
			}
			if err != nil {
				errs <- err
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
