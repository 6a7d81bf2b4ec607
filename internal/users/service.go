package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/auth"
	"github.com/MarcoPoloResearchLab/referrals/internal/dbconstraint"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrAccountExists indicates registration was attempted for an account that already exists.
	ErrAccountExists = errors.New("users: account already exists")
)

const (
	defaultProvider      = "default"
	queryProviderSubject = "provider = ? AND subject = ?"
)

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical account identifiers and tells account creation apart from session resumption.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Register creates the account for claims and returns its canonical identifier. It fails with
// ErrAccountExists when the provider login was registered before.
func (s *Service) Register(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	now := s.now().UTC()
	account := Account{
		Provider:    provider,
		Subject:     subject,
		AccountID:   subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		if dbconstraint.IsUniqueViolation(err) && s.loginExists(ctx, provider, subject) {
			return "", ErrAccountExists
		}
		return "", err
	}

	s.cache.Store(cacheKey(provider, subject), account.AccountID)
	return account.AccountID, nil
}

// Resolve returns the canonical account identifier for claims, creating the account when the
// provider login has not been seen before. The boolean reports whether the account was created.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (string, bool, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", false, ErrInvalidIdentity
	}

	key := cacheKey(provider, subject)
	if cachedIdentifier, ok := s.cache.Load(key); ok {
		if accountID, ok := cachedIdentifier.(string); ok {
			return accountID, false, nil
		}
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where(queryProviderSubject, provider, subject).
		Take(&account).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		accountID, registerErr := s.Register(ctx, claims)
		if errors.Is(registerErr, ErrAccountExists) {
			// Lost a race with a concurrent registration; the winner's row is authoritative.
			if err := s.db.WithContext(ctx).Where(queryProviderSubject, provider, subject).Take(&account).Error; err != nil {
				return "", false, registerErr
			}
			s.cache.Store(key, account.AccountID)
			return account.AccountID, false, nil
		}
		if registerErr != nil {
			return "", false, registerErr
		}
		return accountID, true, nil
	case err != nil:
		return "", false, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.UserEmail); email != "" && email != account.Email {
		updates["email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != account.DisplayName {
		updates["display_name"] = display
	}
	_ = s.db.WithContext(ctx).
		Model(&Account{}).
		Where(queryProviderSubject, provider, subject).
		Updates(updates).
		Error

	s.cache.Store(key, account.AccountID)
	return account.AccountID, false, nil
}

// Emails returns the most recently seen non-empty email for each of accountIDs. Accounts without a
// known email are absent from the result.
func (s *Service) Emails(ctx context.Context, accountIDs []string) (map[string]string, error) {
	emails := make(map[string]string, len(accountIDs))
	if len(accountIDs) == 0 {
		return emails, nil
	}

	var logins []Account
	err := s.db.WithContext(ctx).
		Select("account_id", "email").
		Where("account_id IN ? AND email <> ''", accountIDs).
		Order("last_seen_at DESC").
		Find(&logins).
		Error
	if err != nil {
		return nil, err
	}
	for _, login := range logins {
		if _, seen := emails[login.AccountID]; !seen {
			emails[login.AccountID] = login.Email
		}
	}
	return emails, nil
}

// loginExists reports whether the provider login itself is stored, which tells a repeated
// registration apart from other constraint failures.
func (s *Service) loginExists(ctx context.Context, provider, subject string) bool {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Account{}).
		Where(queryProviderSubject, provider, subject).
		Count(&count).
		Error
	return err == nil && count > 0
}

func cacheKey(provider, subject string) string {
	return provider + ":" + subject
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
