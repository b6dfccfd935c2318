package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/audit"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	mgr   *Manager
	audit *audit.Manager
	now   time.Time
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	dir := t.TempDir()

	store, err := NewSQLiteStore(filepath.Join(dir, "auth.db"))
	require.NoError(t, err)

	auditStore, err := audit.NewSQLiteStore(filepath.Join(dir, "audit.db"), logger)
	require.NoError(t, err)

	env := &testEnv{now: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)}
	env.audit = audit.NewManager(auditStore, logger)
	env.audit.SetClock(func() time.Time { return env.now })

	cfg := config.AuthConfig{
		JWTSecret:        "test-secret",
		TokenTTL:         72 * time.Hour,
		MaxLoginAttempts: 3,
		LoginWindow:      15 * time.Minute,
	}
	env.mgr = NewManager(store, cfg, env.audit, nil, logger)
	env.mgr.SetClock(func() time.Time { return env.now })

	t.Cleanup(func() {
		env.mgr.Close()
		env.audit.Close()
	})
	return env
}

func (env *testEnv) events(t *testing.T, action, status string) int {
	_, total, err := env.audit.GetEvents(context.Background(), &audit.Filters{Action: action, Status: status})
	require.NoError(t, err)
	return total
}

func TestRegister(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.mgr.Register(context.Background(), " Alice ", "Alice@Example.com", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, strings.HasPrefix(user.PasswordHash, "$2a$10$"), "bcrypt cost 10")
	assert.Equal(t, 1, env.events(t, audit.ActionRegister, audit.StatusSuccess))
}

func TestRegister_Duplicate(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)

	_, err = env.mgr.Register(ctx, "Other", "ALICE@example.com", "pw2")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, "User already exists", apperr.Message(err))
	assert.Equal(t, 1, env.events(t, audit.ActionRegister, audit.StatusFailure))
}

func TestRegister_InvalidInput(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Register(ctx, "", "a@example.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.mgr.Register(ctx, "A", "not-an-email", "pw")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.mgr.Register(ctx, "A", "a@example.com", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestLogin(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	registered, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)

	token, user, err := env.mgr.Login(ctx, "alice@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)

	userID, err := env.mgr.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, userID)
	assert.Equal(t, 1, env.events(t, audit.ActionLogin, audit.StatusSuccess))
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)

	_, _, wrongPassword := env.mgr.Login(ctx, "alice@example.com", "nope")
	_, _, unknownEmail := env.mgr.Login(ctx, "bob@example.com", "pw")

	assert.ErrorIs(t, wrongPassword, apperr.ErrUnauthenticated)
	assert.ErrorIs(t, unknownEmail, apperr.ErrUnauthenticated)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
	assert.Equal(t, 2, env.events(t, audit.ActionLogin, audit.StatusFailure))
}

func TestLogin_UnknownEmailComparesHash(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	_, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "s3cret")
	require.NoError(t, err)

	var compared []string
	env.mgr.verifyPassword = func(password, hash string) bool {
		compared = append(compared, hash)
		return VerifyPassword(password, hash)
	}

	_, _, err = env.mgr.Login(ctx, "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, _, err = env.mgr.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	require.Len(t, compared, 2)
	assert.True(t, strings.HasPrefix(compared[0], "$2a$10$"), compared[0])
	assert.True(t, strings.HasPrefix(compared[1], "$2a$10$"), compared[1])
	assert.NotEqual(t, compared[0], compared[1])
}

func TestLogin_RateLimited(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err = env.mgr.Login(ctx, "alice@example.com", "wrong")
		assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	}

	_, _, err = env.mgr.Login(ctx, "alice@example.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	env.now = env.now.Add(16 * time.Minute)
	_, _, err = env.mgr.Login(ctx, "alice@example.com", "pw")
	assert.NoError(t, err)
}

func TestVerifyToken_Expired(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)
	token, _, err := env.mgr.Login(ctx, "alice@example.com", "pw")
	require.NoError(t, err)

	env.now = env.now.Add(71 * time.Hour)
	_, err = env.mgr.VerifyToken(token)
	assert.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)
	_, err = env.mgr.VerifyToken(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestVerifyToken_Rejects(t *testing.T) {
	env := setupTestEnv(t)

	_, err := env.mgr.VerifyToken("")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = env.mgr.VerifyToken("not.a.token")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	// signed with another secret
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(env.now.Add(time.Hour)),
	}}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
	require.NoError(t, err)
	_, err = env.mgr.VerifyToken(forged)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	// unsigned
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = env.mgr.VerifyToken(none)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestListUsersAndDisplayNames(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	bob, err := env.mgr.Register(ctx, "Bob", "bob@example.com", "pw")
	require.NoError(t, err)
	alice, err := env.mgr.Register(ctx, "Alice", "alice@example.com", "pw")
	require.NoError(t, err)

	users, err := env.mgr.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0].Name)
	assert.Equal(t, "Bob", users[1].Name)

	names, err := env.mgr.DisplayNames(ctx, []string{alice.ID, bob.ID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{alice.ID: "Alice", bob.ID: "Bob"}, names)
}
