package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"atlas/internal/cache"
)

const (
	MinPasswordLength      = 8
	defaultSessionTTL      = 24 * time.Hour
	defaultSessionCacheTTL = 5 * time.Minute
)

// Options configures a Service.
type Options struct {
	Secret     []byte
	SessionTTL time.Duration
	// CacheTTL bounds how long an authenticated session is served from cache.
	CacheTTL   time.Duration
	BcryptCost int
	Now        func() time.Time
}

// Service implements sign-in and account administration over gorm.
type Service struct {
	db       *gorm.DB
	cache    cache.Store
	secret   []byte
	ttl      time.Duration
	cacheTTL time.Duration
	cost     int
	nowFn    func() time.Time
}

// NewService builds a Service. store may be nil to disable session caching.
func NewService(db *gorm.DB, store cache.Store, opts Options) *Service {
	s := &Service{
		db:       db,
		cache:    store,
		secret:   opts.Secret,
		ttl:      opts.SessionTTL,
		cacheTTL: opts.CacheTTL,
		cost:     opts.BcryptCost,
		nowFn:    opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = defaultSessionTTL
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultSessionCacheTTL
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	return s
}

func (s *Service) now() time.Time { return s.nowFn().UTC() }

// SessionTTL returns the lifetime of new sessions.
func (s *Service) SessionTTL() time.Duration { return s.ttl }

func normalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", ErrInvalidEmail
	}
	return e, nil
}

// HashPassword bcrypt-hashes password after checking its length.
func (s *Service) HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// CreateUser inserts a user with a bcrypt password hash. Emails are unique
// case-insensitively.
func (s *Service) CreateUser(ctx context.Context, email, name, password string, role Role) (*User, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = RoleUser
	}
	if _, ok := ParseRole(string(role)); !ok {
		return nil, ErrInvalidRole
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", addr).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if existing > 0 {
		return nil, ErrEmailTaken
	}

	now := s.now()
	user := &User{
		ID:           uuid.NewString(),
		Email:        addr,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn checks credentials, opens a session and returns its signed token.
// A ban whose expiry has passed is lifted on the way in.
func (s *Service) SignIn(ctx context.Context, email, password string, meta SignInMeta) (string, *User, *Session, error) {
	addr := strings.ToLower(strings.TrimSpace(email))
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", addr).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// equalize timing with the hash comparison below
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z2T6DhaSTP1h2EdHE2UyQ8Rm"), []byte(password))
		return "", nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, nil, fmt.Errorf("load user: %w", err)
	}
	if user.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, nil, ErrInvalidCredentials
	}

	now := s.now()
	if user.Banned {
		if user.banActive(now) {
			return "", nil, nil, &BannedError{Reason: user.BanReason, Expires: user.BanExpires}
		}
		if err := s.clearBan(ctx, &user); err != nil {
			return "", nil, nil, err
		}
	}

	session := &Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
		IPAddress: truncate(meta.IPAddress, 64),
		UserAgent: truncate(meta.UserAgent, 512),
		CreatedAt: now,
	}
	token, err := s.signToken(user.ID, session.ID, now, session.ExpiresAt)
	if err != nil {
		return "", nil, nil, fmt.Errorf("sign token: %w", err)
	}
	session.TokenHash = hashToken(token)
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return "", nil, nil, fmt.Errorf("create session: %w", err)
	}
	return token, &user, session, nil
}

type cachedSession struct {
	User    User    `json:"user"`
	Session Session `json:"session"`
	Hash    string  `json:"hash"`
}

func sessionCacheKey(id string) string { return "session:" + id }

// Authenticate validates token and returns the session owner. Expired or
// revoked sessions and banned users are rejected.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, *Session, error) {
	claims, err := s.parseToken(strings.TrimSpace(token))
	if err != nil {
		return nil, nil, err
	}
	hash := hashToken(token)
	now := s.now()

	if entry, ok := s.cachedSession(ctx, claims.SessionID); ok {
		if entry.Hash == hash && now.Before(entry.Session.ExpiresAt) && !entry.User.banActive(now) {
			u, sess := entry.User, entry.Session
			return &u, &sess, nil
		}
		s.forgetSessions(ctx, claims.SessionID)
	}

	var session Session
	err = s.db.WithContext(ctx).Where("id = ?", claims.SessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if session.TokenHash != hash || session.UserID != claims.Subject {
		return nil, nil, ErrInvalidToken
	}
	if !now.Before(session.ExpiresAt) {
		_ = s.db.WithContext(ctx).Delete(&Session{}, "id = ?", session.ID).Error
		return nil, nil, ErrSessionExpired
	}

	var user User
	err = s.db.WithContext(ctx).Where("id = ?", session.UserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	if user.Banned {
		if user.banActive(now) {
			return nil, nil, &BannedError{Reason: user.BanReason, Expires: user.BanExpires}
		}
		if err := s.clearBan(ctx, &user); err != nil {
			return nil, nil, err
		}
	}

	s.rememberSession(ctx, cachedSession{User: user, Session: session, Hash: hash})
	return &user, &session, nil
}

// SignOut deletes the session.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	s.forgetSessions(ctx, sessionID)
	if err := s.db.WithContext(ctx).Delete(&Session{}, "id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Service) cachedSession(ctx context.Context, id string) (cachedSession, bool) {
	var entry cachedSession
	if s.cache == nil {
		return entry, false
	}
	raw, ok, err := s.cache.Get(ctx, sessionCacheKey(id))
	if err != nil || !ok {
		return entry, false
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, false
	}
	return entry, true
}

func (s *Service) rememberSession(ctx context.Context, entry cachedSession) {
	if s.cache == nil {
		return
	}
	ttl := s.cacheTTL
	if remaining := entry.Session.ExpiresAt.Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	entry.User.PasswordHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, sessionCacheKey(entry.Session.ID), raw, ttl)
}

func (s *Service) forgetSessions(ctx context.Context, ids ...string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionCacheKey(id)
	}
	_ = s.cache.Delete(ctx, keys...)
}

// forgetUserSessions drops cache entries for every session of userID.
func (s *Service) forgetUserSessions(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID).Pluck("id", &ids).Error; err != nil {
		return
	}
	s.forgetSessions(ctx, ids...)
}

func (s *Service) clearBan(ctx context.Context, user *User) error {
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"banned":      false,
		"ban_reason":  "",
		"ban_expires": nil,
		"updated_at":  s.now(),
	}).Error
	if err != nil {
		return fmt.Errorf("lift expired ban: %w", err)
	}
	user.Banned = false
	user.BanReason = ""
	user.BanExpires = nil
	return nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
