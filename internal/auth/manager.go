package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/audit"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/metrics"
	"github.com/sirupsen/logrus"
)

const tokenIssuer = "sharebox"

var (
	absentUserHashOnce sync.Once
	absentUserHashVal  string
)

// absentUserHash is compared against when the email is unknown, so both
// login failures cost one bcrypt comparison
func absentUserHash() string {
	absentUserHashOnce.Do(func() {
		absentUserHashVal, _ = HashPassword("sharebox-absent-user")
	})
	return absentUserHashVal
}

// UserStore persists user accounts
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	Close() error
}

// Manager registers users, checks passwords and issues bearer tokens
type Manager struct {
	store          UserStore
	audit          *audit.Manager
	metrics        *metrics.Manager
	limiter        *LoginRateLimiter
	secret         []byte
	tokenTTL       time.Duration
	logger         *logrus.Logger
	now            func() time.Time
	verifyPassword func(password, hash string) bool
}

// NewManager creates an identity manager. auditMgr and m may be nil.
func NewManager(store UserStore, cfg config.AuthConfig, auditMgr *audit.Manager, m *metrics.Manager, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 72 * time.Hour
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = 15 * time.Minute
	}

	return &Manager{
		store:          store,
		audit:          auditMgr,
		metrics:        m,
		limiter:        NewLoginRateLimiter(cfg.MaxLoginAttempts, cfg.LoginWindow),
		secret:         []byte(cfg.JWTSecret),
		tokenTTL:       cfg.TokenTTL,
		logger:         logger,
		now:            time.Now,
		verifyPassword: VerifyPassword,
	}
}

// SetClock replaces the time source used for tokens and lockouts
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.limiter.now = now
}

// Register creates an account
func (m *Manager) Register(ctx context.Context, name, email, password string) (*User, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)

	if name == "" || email == "" || password == "" {
		m.recordAttempt(ctx, email, audit.ActionRegister, audit.StatusFailure)
		return nil, apperr.InvalidArgument("name, email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		m.recordAttempt(ctx, email, audit.ActionRegister, audit.StatusFailure)
		return nil, apperr.InvalidArgument("email address is invalid")
	}

	hash, err := HashPassword(password)
	if err != nil {
		m.recordAttempt(ctx, email, audit.ActionRegister, audit.StatusFailure)
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "password cannot be used", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		m.recordAttempt(ctx, email, audit.ActionRegister, audit.StatusFailure)
		if errors.Is(err, ErrUserExists) {
			return nil, apperr.New(apperr.CodeConflict, "User already exists")
		}
		return nil, err
	}

	m.recordAttempt(ctx, email, audit.ActionRegister, audit.StatusSuccess)
	m.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"email":   email,
	}).Info("User registered")
	return user, nil
}

// Login checks the password and returns a signed token. Unknown email and
// wrong password fail identically.
func (m *Manager) Login(ctx context.Context, email, password string) (string, *User, error) {
	email = normalizeEmail(email)
	invalid := apperr.New(apperr.CodeUnauthenticated, "Invalid email or password")

	if email == "" || password == "" {
		m.recordAttempt(ctx, email, audit.ActionLogin, audit.StatusFailure)
		return "", nil, invalid
	}
	if !m.limiter.AllowLogin(email) {
		m.recordAttempt(ctx, email, audit.ActionLogin, audit.StatusFailure)
		m.logger.WithField("email", email).Warn("Login rejected, too many failed attempts")
		return "", nil, apperr.ErrRateLimited
	}

	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return "", nil, err
	}
	hash := absentUserHash()
	if user != nil {
		hash = user.PasswordHash
	}
	if !m.verifyPassword(password, hash) || user == nil {
		m.limiter.RecordFailedAttempt(email)
		m.recordAttempt(ctx, email, audit.ActionLogin, audit.StatusFailure)
		return "", nil, invalid
	}

	token, err := m.GenerateToken(user)
	if err != nil {
		return "", nil, err
	}

	m.limiter.Reset(email)
	m.recordAttempt(ctx, email, audit.ActionLogin, audit.StatusSuccess)
	return token, user, nil
}

// GenerateToken issues an HS256 token whose subject is the user id
func (m *Manager) GenerateToken(user *User) (string, error) {
	now := m.now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "failed to sign token", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token and returns the user id it names
func (m *Manager) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", apperr.ErrUnauthenticated
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		m.logger.WithError(err).Debug("Token rejected")
		return "", apperr.Wrap(apperr.CodeUnauthenticated, "Invalid or expired token", err)
	}
	if claims.Subject == "" {
		return "", apperr.New(apperr.CodeUnauthenticated, "Invalid or expired token")
	}
	return claims.Subject, nil
}

// ListUsers returns every registered user
func (m *Manager) ListUsers(ctx context.Context) ([]*User, error) {
	return m.store.ListUsers(ctx)
}

// DisplayNames maps user ids to names; unknown ids are left out
func (m *Manager) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		user, err := m.store.GetUser(ctx, id)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		names[id] = user.Name
	}
	return names, nil
}

// Close closes the user store
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) recordAttempt(ctx context.Context, email, action, status string) {
	m.audit.Record(ctx, email, action, status)
	m.metrics.RecordAuthAttempt(strings.ToLower(action), strings.ToLower(status))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
