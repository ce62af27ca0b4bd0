package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ListUsers returns a filtered, sorted page of users.
func (s *Service) ListUsers(ctx context.Context, q ListUsersQuery) (*ListUsersResult, error) {
	q = q.normalize()
	tx := s.db.WithContext(ctx).Model(&User{})
	if q.Search != "" {
		pattern := "%" + strings.ToLower(q.Search) + "%"
		tx = tx.Where("LOWER("+q.SearchField+") LIKE ?", pattern)
	}
	if q.Role != "" {
		role, ok := ParseRole(q.Role)
		if !ok {
			return nil, ErrInvalidRole
		}
		tx = tx.Where("role = ?", role)
	}
	if q.Banned != nil {
		tx = tx.Where("banned = ?", *q.Banned)
	}

	tx = tx.Session(&gorm.Session{})

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	users := make([]User, 0, q.Limit)
	err := tx.Order(sortColumns[q.SortBy] + " " + q.SortDirection).
		Order("id asc").
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return &ListUsersResult{Users: users, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.loadUser(ctx, s.db, id)
}

func (s *Service) loadUser(ctx context.Context, db *gorm.DB, id string) (*User, error) {
	var user User
	err := db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

// activeAdmins counts admins that are not currently banned.
func (s *Service) activeAdmins(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&User{}).
		Where("role = ?", RoleAdmin).
		Where("(banned = ? OR (ban_expires IS NOT NULL AND ban_expires <= ?))", false, s.now()).
		Count(&n).Error
	return n, err
}

// guardLastAdmin fails when target is the only remaining active admin.
func (s *Service) guardLastAdmin(ctx context.Context, db *gorm.DB, target *User) error {
	if !target.IsAdmin() || target.banActive(s.now()) {
		return nil
	}
	n, err := s.activeAdmins(ctx, db)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if n <= 1 {
		return ErrLastAdmin
	}
	return nil
}

// SetRole changes a user's role. Actors cannot demote themselves and the
// last admin cannot be demoted.
func (s *Service) SetRole(ctx context.Context, actorID, userID string, role Role) (*User, error) {
	parsed, ok := ParseRole(string(role))
	if !ok {
		return nil, ErrInvalidRole
	}
	var out *User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user.Role == parsed {
			out = user
			return nil
		}
		if user.ID == actorID {
			return ErrSelfAction
		}
		if parsed != RoleAdmin {
			if err := s.guardLastAdmin(ctx, tx, user); err != nil {
				return err
			}
		}
		user.Role = parsed
		user.UpdatedAt = s.now()
		if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"role":       parsed,
			"updated_at": user.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		out = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.forgetUserSessions(ctx, out.ID)
	return out, nil
}

// BanUser bans a user and revokes all of their sessions. A zero expiresIn
// bans permanently.
func (s *Service) BanUser(ctx context.Context, actorID, userID, reason string, expiresIn time.Duration) (*User, error) {
	if strings.TrimSpace(userID) == strings.TrimSpace(actorID) {
		return nil, ErrSelfAction
	}
	var out *User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.guardLastAdmin(ctx, tx, user); err != nil {
			return err
		}
		now := s.now()
		var expires *time.Time
		if expiresIn > 0 {
			t := now.Add(expiresIn)
			expires = &t
		}
		if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"banned":      true,
			"ban_reason":  truncate(reason, 500),
			"ban_expires": expires,
			"updated_at":  now,
		}).Error; err != nil {
			return fmt.Errorf("ban user: %w", err)
		}
		user.Banned = true
		user.BanReason = truncate(reason, 500)
		user.BanExpires = expires
		user.UpdatedAt = now
		out = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.RevokeUserSessions(ctx, out.ID); err != nil {
		return out, err
	}
	return out, nil
}

// UnbanUser lifts a ban.
func (s *Service) UnbanUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.clearBan(ctx, user); err != nil {
		return nil, err
	}
	user.UpdatedAt = s.now()
	return user, nil
}

// RemoveUser deletes a user together with their sessions.
func (s *Service) RemoveUser(ctx context.Context, actorID, userID string) error {
	if strings.TrimSpace(userID) == strings.TrimSpace(actorID) {
		return ErrSelfAction
	}
	s.forgetUserSessions(ctx, userID)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.guardLastAdmin(ctx, tx, user); err != nil {
			return err
		}
		if err := tx.Delete(&Session{}, "user_id = ?", user.ID).Error; err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if err := tx.Delete(&User{}, "id = ?", user.ID).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}

// ListSessions returns the unexpired sessions of a user, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	sessions := make([]Session, 0)
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userID, s.now()).
		Order("created_at desc").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession deletes one session.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	s.forgetSessions(ctx, sessionID)
	res := s.db.WithContext(ctx).Delete(&Session{}, "id = ?", sessionID)
	if res.Error != nil {
		return fmt.Errorf("revoke session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeUserSessions deletes every session of a user and returns how many
// were removed.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	s.forgetUserSessions(ctx, userID)
	res := s.db.WithContext(ctx).Delete(&Session{}, "user_id = ?", userID)
	if res.Error != nil {
		return 0, fmt.Errorf("revoke sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SetPassword replaces a user's password and signs out their sessions.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"password_hash": hash,
		"updated_at":    s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("set password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	_, err = s.RevokeUserSessions(ctx, userID)
	return err
}

// FindByEmail loads a user by email address.
func (s *Service) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

// HasAdmin reports whether any admin account exists.
func (s *Service) HasAdmin(ctx context.Context) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("role = ?", RoleAdmin).Count(&n).Error; err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return n > 0, nil
}

// Counts summarizes users and live sessions.
func (s *Service) Counts(ctx context.Context) (*Counts, error) {
	out := &Counts{}
	db := s.db.WithContext(ctx)
	if err := db.Model(&User{}).Count(&out.Total).Error; err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if err := db.Model(&User{}).Where("role = ?", RoleAdmin).Count(&out.Admins).Error; err != nil {
		return nil, fmt.Errorf("count admins: %w", err)
	}
	if err := db.Model(&User{}).Where("role = ?", RoleModerator).Count(&out.Moderators).Error; err != nil {
		return nil, fmt.Errorf("count moderators: %w", err)
	}
	if err := db.Model(&User{}).Where("banned = ?", true).Count(&out.Banned).Error; err != nil {
		return nil, fmt.Errorf("count banned: %w", err)
	}
	if err := db.Model(&Session{}).Where("expires_at > ?", s.now()).Count(&out.ActiveSessions).Error; err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	return out, nil
}

// PruneExpiredSessions deletes sessions past their expiry.
func (s *Service) PruneExpiredSessions(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Session{}, "expires_at <= ?", s.now())
	return res.RowsAffected, res.Error
}
