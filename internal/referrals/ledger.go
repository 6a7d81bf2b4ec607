package referrals

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/dbconstraint"
	"gorm.io/gorm"
)

const (
	columnReferrerID      = "referrer_id"
	columnReferredID      = "referred_id"
	queryReferrerID       = columnReferrerID + " = ?"
	queryReferredID       = columnReferredID + " = ?"
	orderNewestEdgesFirst = "created_at DESC, edge_id DESC"
)

// ReferralLedger persists attribution edges. The unique index on referred_id is the sole
// authority for at-most-one attribution per account.
type ReferralLedger struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
}

func (l *ReferralLedger) bind(db *gorm.DB) *ReferralLedger {
	bound := *l
	bound.db = db
	return &bound
}

// HasBeenReferred is a fast-path pre-check; InsertEdge remains authoritative.
func (l *ReferralLedger) HasBeenReferred(ctx context.Context, referredID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&AttributionEdge{}).
		Where(queryReferredID, referredID).
		Count(&count).Error
	if err != nil {
		return false, unavailable(err)
	}
	return count > 0, nil
}

// InsertEdge records the attribution. ErrAlreadyReferred comes from the constrained write.
func (l *ReferralLedger) InsertEdge(ctx context.Context, referrerID, referredID, code string) (AttributionEdge, error) {
	if referrerID == referredID {
		return AttributionEdge{}, fmt.Errorf("%w: %s", ErrSelfReferralRejected, referredID)
	}
	edgeID, err := l.idProvider.NewID()
	if err != nil {
		return AttributionEdge{}, unavailable(err)
	}

	edge := AttributionEdge{
		EdgeID:     edgeID,
		ReferrerID: referrerID,
		ReferredID: referredID,
		CodeUsed:   code,
		CreatedAt:  l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&edge).Error; err != nil {
		if dbconstraint.IsUniqueViolation(err) {
			return AttributionEdge{}, fmt.Errorf("%w: %s", ErrAlreadyReferred, referredID)
		}
		return AttributionEdge{}, unavailable(err)
	}
	return edge, nil
}

// ListByReferrer returns every edge naming referrerID, newest first.
func (l *ReferralLedger) ListByReferrer(ctx context.Context, referrerID string) ([]AttributionEdge, error) {
	edges := make([]AttributionEdge, 0)
	err := l.db.WithContext(ctx).
		Where(queryReferrerID, referrerID).
		Order(orderNewestEdgesFirst).
		Find(&edges).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return edges, nil
}

// CountByReferrer derives the referral count from the ledger.
func (l *ReferralLedger) CountByReferrer(ctx context.Context, referrerID string) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&AttributionEdge{}).
		Where(queryReferrerID, referrerID).
		Count(&count).Error
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}
