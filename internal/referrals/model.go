package referrals

import "time"

// AttributionCode maps one shareable code to exactly one owning account.
type AttributionCode struct {
	Code          string    `gorm:"column:code;primaryKey;size:32;not null"`
	OwnerID       string    `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_referral_codes_owner"`
	ReferralCount int64     `gorm:"column:referral_count;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AttributionCode) TableName() string {
	return "referral_codes"
}

// AttributionEdge records that ReferredID registered with a code owned by ReferrerID.
type AttributionEdge struct {
	EdgeID     string    `gorm:"column:edge_id;primaryKey;size:64;not null"`
	ReferrerID string    `gorm:"column:referrer_id;size:190;not null;index:idx_referral_edges_referrer_created,priority:1"`
	ReferredID string    `gorm:"column:referred_id;size:190;not null;uniqueIndex:idx_referral_edges_referred"`
	CodeUsed   string    `gorm:"column:code_used;size:32;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_referral_edges_referrer_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AttributionEdge) TableName() string {
	return "referral_edges"
}

// Stats summarises a referrer's code and the accounts attributed to it, newest first.
type Stats struct {
	Code          string
	ReferralCount int64
	Referrals     []AttributionEdge
}
