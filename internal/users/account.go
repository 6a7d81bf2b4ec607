package users

import (
	"strings"
	"time"
)

// Account maps a provider login onto the canonical account identifier used by referrals. Logins from
// different providers that share a subject resolve to the same account identifier.
type Account struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID   string    `gorm:"column:account_id;size:190;not null;index:idx_accounts_account_id"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
