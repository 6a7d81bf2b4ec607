package referrals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/dbconstraint"
	"gorm.io/gorm"
)

const (
	// DefaultMaxAttempts bounds code issuance; repeated collisions point at a degenerate random source.
	DefaultMaxAttempts = 10

	columnOwnerID       = "owner_id"
	columnCode          = "code"
	columnReferralCount = "referral_count"
	queryOwnerID        = columnOwnerID + " = ?"
	queryCode           = columnCode + " = ?"
)

// backfillCountsSQL raises stored counts to the number of recorded edges. Counts never decrease.
const backfillCountsSQL = `UPDATE referral_codes
SET referral_count = (
	SELECT COUNT(*) FROM referral_edges WHERE referral_edges.referrer_id = referral_codes.owner_id
)
WHERE referral_count < (
	SELECT COUNT(*) FROM referral_edges WHERE referral_edges.referrer_id = referral_codes.owner_id
)`

// CodeRegistry persists attribution codes. Uniqueness of code and owner comes from the table's indexes.
type CodeRegistry struct {
	db          *gorm.DB
	generator   CodeGenerator
	codeLength  int
	maxAttempts int
	clock       func() time.Time
	recorder    Recorder
}

func (r *CodeRegistry) bind(db *gorm.DB) *CodeRegistry {
	bound := *r
	bound.db = db
	return &bound
}

// FindByOwner returns the code owned by ownerID, if any.
func (r *CodeRegistry) FindByOwner(ctx context.Context, ownerID string) (AttributionCode, bool, error) {
	return r.take(ctx, queryOwnerID, ownerID)
}

// FindByCode returns the record for an already normalized code, if any.
func (r *CodeRegistry) FindByCode(ctx context.Context, code string) (AttributionCode, bool, error) {
	return r.take(ctx, queryCode, code)
}

func (r *CodeRegistry) take(ctx context.Context, query string, value string) (AttributionCode, bool, error) {
	var record AttributionCode
	err := r.db.WithContext(ctx).Where(query, value).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AttributionCode{}, false, nil
	}
	if err != nil {
		return AttributionCode{}, false, unavailable(err)
	}
	return record, true, nil
}

// TryInsert stores code for ownerID. A unique constraint rejection is reported as ErrCodeCollision;
// callers disambiguate owner conflicts by re-reading FindByOwner.
func (r *CodeRegistry) TryInsert(ctx context.Context, ownerID, code string) (AttributionCode, error) {
	record := AttributionCode{
		Code:          code,
		OwnerID:       ownerID,
		ReferralCount: 0,
		CreatedAt:     r.clock().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if dbconstraint.IsUniqueViolation(err) {
			return AttributionCode{}, fmt.Errorf("%w: %s", ErrCodeCollision, code)
		}
		return AttributionCode{}, unavailable(err)
	}
	return record, nil
}

// IncrementCount atomically adds one to the referral count of the code owned by ownerID.
func (r *CodeRegistry) IncrementCount(ctx context.Context, ownerID string) error {
	result := r.db.WithContext(ctx).
		Model(&AttributionCode{}).
		Where(queryOwnerID, ownerID).
		UpdateColumn(columnReferralCount, gorm.Expr(columnReferralCount+" + ?", 1))
	if result.Error != nil {
		return unavailable(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: no code owned by %s", ErrNotFound, ownerID)
	}
	return nil
}

// Issue generates and inserts a fresh code for ownerID, retrying collisions up to maxAttempts.
// When a concurrent issuance for the same owner wins, the winner's code is returned.
func (r *CodeRegistry) Issue(ctx context.Context, ownerID string) (AttributionCode, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return AttributionCode{}, err
		}
		candidate, err := r.generator.Generate(r.codeLength)
		if err != nil {
			return AttributionCode{}, fmt.Errorf("%w: %w", ErrGenerationExhausted, err)
		}

		record, err := r.TryInsert(ctx, ownerID, candidate)
		if err == nil {
			r.recorder.CodeIssued()
			return record, nil
		}
		if !errors.Is(err, ErrCodeCollision) {
			return AttributionCode{}, err
		}

		existing, found, lookupErr := r.FindByOwner(ctx, ownerID)
		if lookupErr != nil {
			return AttributionCode{}, lookupErr
		}
		if found {
			return existing, nil
		}
		r.recorder.CodeCollision()
	}
	return AttributionCode{}, fmt.Errorf("%w: %d attempts for owner %s", ErrGenerationExhausted, r.maxAttempts, ownerID)
}

// ReconcileCounts raises drifted referral counts to the ledger's edge counts and returns rows corrected.
func (r *CodeRegistry) ReconcileCounts(ctx context.Context) (int64, error) {
	corrected, err := BackfillCounts(r.db.WithContext(ctx))
	if err != nil {
		return 0, unavailable(err)
	}
	return corrected, nil
}

// BackfillCounts runs the count repair against db directly. It is shared with schema migrations.
func BackfillCounts(db *gorm.DB) (int64, error) {
	result := db.Exec(backfillCountsSQL)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
