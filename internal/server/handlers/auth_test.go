package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/internal/server/storage"
	"github.com/iudanet/synckit/pkg/api"
)

// mockUserStorage is a mock implementation of UserStorage for testing
type mockUserStorage struct {
	users       map[string]*models.User // username -> User
	createError error
	getUserError error
}

func (m *mockUserStorage) CreateUser(ctx context.Context, user *models.User) error {
	if m.createError != nil {
		return m.createError
	}
	if _, exists := m.users[user.Username]; exists {
		return storage.ErrUserAlreadyExists
	}
	m.users[user.Username] = user
	return nil
}

func (m *mockUserStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.getUserError != nil {
		return nil, m.getUserError
	}
	user, ok := m.users[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return user, nil
}

func (m *mockUserStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	for _, user := range m.users {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (m *mockUserStorage) UpdateLastLogin(ctx context.Context, userID string, loginTime time.Time) error {
	return nil
}

// mockTokenStorage is a mock implementation of TokenStorage for testing
type mockTokenStorage struct {
	tokens map[string]*models.RefreshToken // token hash -> RefreshToken
}

func newMockTokenStorage() *mockTokenStorage {
	return &mockTokenStorage{tokens: make(map[string]*models.RefreshToken)}
}

func (m *mockTokenStorage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *mockTokenStorage) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	stored, ok := m.tokens[hashRefreshToken(token)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return stored, nil
}

func (m *mockTokenStorage) DeleteRefreshToken(ctx context.Context, token string) error {
	hash := hashRefreshToken(token)
	if _, ok := m.tokens[hash]; !ok {
		return storage.ErrTokenNotFound
	}
	delete(m.tokens, hash)
	return nil
}

func (m *mockTokenStorage) DeleteUserTokens(ctx context.Context, userID string) (int, error) {
	deleted := 0
	for hash, token := range m.tokens {
		if token.UserID == userID {
			delete(m.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockTokenStorage) DeleteExpiredTokens(ctx context.Context) (int, error) {
	return 0, nil
}

func testJWTConfig() JWTConfig {
	return JWTConfig{
		Secret:          []byte("test-secret"),
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
}

func newTestAuthHandler(t *testing.T) (*AuthHandler, *mockUserStorage, *mockTokenStorage) {
	t.Helper()
	users := &mockUserStorage{users: make(map[string]*models.User)}
	tokens := newMockTokenStorage()
	h := NewAuthHandler(testLogger(), users, tokens, testJWTConfig())
	return h, users, tokens
}

// testAuthKey возвращает base64 тестового auth ключа
func testAuthKey() string {
	key := bytes.Repeat([]byte{0x42}, 32)
	return base64.StdEncoding.EncodeToString(key)
}

// seedUser creates a user whose auth key verifies against testAuthKey()
func seedUser(t *testing.T, users *mockUserStorage, username string) *models.User {
	t.Helper()
	rawKey, err := base64.StdEncoding.DecodeString(testAuthKey())
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword(rawKey, bcrypt.MinCost)
	require.NoError(t, err)

	user := &models.User{
		ID:          uuid.New().String(),
		Username:    username,
		AuthKeyHash: string(hash),
		PublicSalt:  "c2FsdA==",
		CreatedAt:   time.Now(),
	}
	users.users[username] = user
	return user
}

func doJSONRequest(t *testing.T, handler http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestAuthHandler_Register(t *testing.T) {
	h, users, _ := newTestAuthHandler(t)

	rec := doJSONRequest(t, h.Register, http.MethodPost, "/api/v1/auth/register", api.RegisterRequest{
		Username:   "alice",
		AuthKey:    testAuthKey(),
		PublicSalt: "c2FsdA==",
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp api.RegisterResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alice", resp.Username)
	assert.NotEmpty(t, resp.UserID)

	// Auth ключ не хранится в открытом виде
	stored := users.users["alice"]
	require.NotNil(t, stored)
	assert.NotContains(t, stored.AuthKeyHash, testAuthKey())

	rawKey, err := base64.StdEncoding.DecodeString(testAuthKey())
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.AuthKeyHash), rawKey))
}

func TestAuthHandler_Register_DuplicateUsername(t *testing.T) {
	h, users, _ := newTestAuthHandler(t)
	seedUser(t, users, "alice")

	rec := doJSONRequest(t, h.Register, http.MethodPost, "/api/v1/auth/register", api.RegisterRequest{
		Username:   "alice",
		AuthKey:    testAuthKey(),
		PublicSalt: "c2FsdA==",
	})

	require.Equal(t, http.StatusConflict, rec.Code)

	var errBody api.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errBody))
	assert.Equal(t, http.StatusConflict, errBody.Code)
}

func TestAuthHandler_Register_Validation(t *testing.T) {
	h, _, _ := newTestAuthHandler(t)

	tests := []struct {
		name string
		req  api.RegisterRequest
	}{
		{
			name: "short username",
			req:  api.RegisterRequest{Username: "ab", AuthKey: testAuthKey(), PublicSalt: "c2FsdA=="},
		},
		{
			name: "missing auth key",
			req:  api.RegisterRequest{Username: "alice", PublicSalt: "c2FsdA=="},
		},
		{
			name: "missing salt",
			req:  api.RegisterRequest{Username: "alice", AuthKey: testAuthKey()},
		},
		{
			name: "auth key not base64",
			req:  api.RegisterRequest{Username: "alice", AuthKey: "***", PublicSalt: "c2FsdA=="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSONRequest(t, h.Register, http.MethodPost, "/api/v1/auth/register", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAuthHandler_GetSalt(t *testing.T) {
	h, users, _ := newTestAuthHandler(t)
	seedUser(t, users, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/salt/alice", nil)
	req.SetPathValue("username", "alice")
	rec := httptest.NewRecorder()
	h.GetSalt(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.SaltResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "c2FsdA==", resp.PublicSalt)
}

func TestAuthHandler_GetSalt_UnknownUser(t *testing.T) {
	h, _, _ := newTestAuthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/salt/ghost", nil)
	req.SetPathValue("username", "ghost")
	rec := httptest.NewRecorder()
	h.GetSalt(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthHandler_Login(t *testing.T) {
	h, users, tokens := newTestAuthHandler(t)
	user := seedUser(t, users, "alice")

	rec := doJSONRequest(t, h.Login, http.MethodPost, "/api/v1/auth/login", api.LoginRequest{
		Username: "alice",
		AuthKey:  testAuthKey(),
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Positive(t, resp.ExpiresIn)

	// Access token несет идентичность пользователя
	claims, err := ValidateAccessToken(testJWTConfig(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	// Refresh token сохранен как хеш, не как значение
	stored, err := tokens.GetRefreshToken(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)
	assert.NotEqual(t, resp.RefreshToken, stored.TokenHash)
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	h, users, _ := newTestAuthHandler(t)
	seedUser(t, users, "alice")

	wrongKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x13}, 32))

	tests := []struct {
		name string
		req  api.LoginRequest
	}{
		{
			name: "unknown user",
			req:  api.LoginRequest{Username: "ghost", AuthKey: testAuthKey()},
		},
		{
			name: "wrong auth key",
			req:  api.LoginRequest{Username: "alice", AuthKey: wrongKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSONRequest(t, h.Login, http.MethodPost, "/api/v1/auth/login", tt.req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthHandler_Refresh_RotatesToken(t *testing.T) {
	h, users, tokens := newTestAuthHandler(t)
	seedUser(t, users, "alice")

	loginRec := doJSONRequest(t, h.Login, http.MethodPost, "/api/v1/auth/login", api.LoginRequest{
		Username: "alice",
		AuthKey:  testAuthKey(),
	})
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginResp api.LoginResponse
	require.NoError(t, json.NewDecoder(loginRec.Body).Decode(&loginResp))

	rec := doJSONRequest(t, h.Refresh, http.MethodPost, "/api/v1/auth/refresh", api.RefreshRequest{
		RefreshToken: loginResp.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEqual(t, loginResp.RefreshToken, resp.RefreshToken)

	// Старый refresh token отозван ротацией
	_, err := tokens.GetRefreshToken(context.Background(), loginResp.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	// Повторное использование старого токена отклоняется
	replay := doJSONRequest(t, h.Refresh, http.MethodPost, "/api/v1/auth/refresh", api.RefreshRequest{
		RefreshToken: loginResp.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestAuthHandler_Refresh_Expired(t *testing.T) {
	h, users, tokens := newTestAuthHandler(t)
	user := seedUser(t, users, "alice")

	expired := &models.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken("stale-token"),
		ExpiresAt: time.Now().Add(-time.Hour),
		CreatedAt: time.Now().Add(-25 * time.Hour),
	}
	require.NoError(t, tokens.SaveRefreshToken(context.Background(), expired))

	rec := doJSONRequest(t, h.Refresh, http.MethodPost, "/api/v1/auth/refresh", api.RefreshRequest{
		RefreshToken: "stale-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_Logout(t *testing.T) {
	h, users, tokens := newTestAuthHandler(t)
	user := seedUser(t, users, "alice")

	loginRec := doJSONRequest(t, h.Login, http.MethodPost, "/api/v1/auth/login", api.LoginRequest{
		Username: "alice",
		AuthKey:  testAuthKey(),
	})
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginResp api.LoginResponse
	require.NoError(t, json.NewDecoder(loginRec.Body).Decode(&loginResp))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.AccessToken)
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	// Все refresh токены пользователя удалены
	deleted, err := tokens.DeleteUserTokens(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestAuthHandler_Logout_InvalidToken(t *testing.T) {
	h, _, _ := newTestAuthHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
