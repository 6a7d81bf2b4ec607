package referrals

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errMissingStore  = errors.New("store is required")
	errMissingBase   = errors.New("share link base is required")
	errMissingCode   = errors.New("code is required")
	errMissingOwner  = errors.New("owner identifier is required")
	errMalformedCode = errors.New("code contains symbols outside the alphabet")
	noOpLogger       = zap.NewNop()
)

const (
	opCoordinatorNew  = "referrals.coordinator.new"
	opGetOrCreateCode = "referrals.get_or_create_code"
	opValidateCode    = "referrals.validate_code"
	opProcessReferral = "referrals.process_referral"
	opGetStats        = "referrals.get_stats"
	opReconcile       = "referrals.reconcile"

	// ShareLinkParameter is the query parameter carrying a code on inbound links.
	ShareLinkParameter = "ref"
)

// CoordinatorConfig describes the coordinator's collaborators.
type CoordinatorConfig struct {
	Store  *Store
	Logger *zap.Logger
}

// Coordinator applies the attribution rules. It keeps no state between calls; every account
// identifier is supplied by the caller.
type Coordinator struct {
	store    *Store
	recorder Recorder
	logger   *zap.Logger
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_store", ErrInvalidInput, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:    cfg.Store,
		recorder: cfg.Store.recorder,
		logger:   logger,
	}, nil
}

// GetOrCreateCode returns ownerID's code, issuing one on first use. Repeated calls return the same code.
func (c *Coordinator) GetOrCreateCode(ctx context.Context, ownerID string) (AttributionCode, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return AttributionCode{}, newServiceError(opGetOrCreateCode, "missing_owner_id", ErrInvalidInput, errMissingOwner)
	}

	codes := c.store.Codes()
	existing, found, err := codes.FindByOwner(ctx, owner)
	if err != nil {
		c.logError(opGetOrCreateCode, "lookup_failed", err, zap.String("owner_id", owner))
		return AttributionCode{}, newServiceError(opGetOrCreateCode, "lookup_failed", ErrPersistenceUnavailable, err)
	}
	if found {
		return existing, nil
	}

	issued, err := codes.Issue(ctx, owner)
	if err != nil {
		kind := KindOf(err)
		reason := "issue_failed"
		if kind == ErrGenerationExhausted {
			reason = "generation_exhausted"
		}
		c.logError(opGetOrCreateCode, reason, err, zap.String("owner_id", owner))
		return AttributionCode{}, newServiceError(opGetOrCreateCode, reason, kind, err)
	}

	c.logger.Info("referral code ready", zap.String("owner_id", owner), zap.String("code", issued.Code))
	return issued, nil
}

// ValidateCode normalizes code and resolves it to its owning record.
func (c *Coordinator) ValidateCode(ctx context.Context, code string) (AttributionCode, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return AttributionCode{}, newServiceError(opValidateCode, "missing_code", ErrInvalidInput, errMissingCode)
	}
	if !IsWellFormedCode(normalized) {
		return AttributionCode{}, newServiceError(opValidateCode, "malformed_code", ErrInvalidCode, errMalformedCode)
	}

	record, found, err := c.store.Codes().FindByCode(ctx, normalized)
	if err != nil {
		c.logError(opValidateCode, "lookup_failed", err, zap.String("code", normalized))
		return AttributionCode{}, newServiceError(opValidateCode, "lookup_failed", ErrPersistenceUnavailable, err)
	}
	if !found {
		return AttributionCode{}, newServiceError(opValidateCode, "unknown_code", ErrInvalidCode, nil)
	}
	return record, nil
}

// ProcessReferral attributes referredID to the owner of code. The edge insert and the counter
// increment commit together, so the count always matches the ledger.
func (c *Coordinator) ProcessReferral(ctx context.Context, code, referredID string) (edge AttributionEdge, err error) {
	defer func() {
		c.recorder.ReferralProcessed(outcomeFor(err))
	}()

	referred := strings.TrimSpace(referredID)
	if NormalizeCode(code) == "" {
		return AttributionEdge{}, newServiceError(opProcessReferral, "missing_code", ErrInvalidInput, errMissingCode)
	}
	if referred == "" {
		return AttributionEdge{}, newServiceError(opProcessReferral, "missing_referred_id", ErrInvalidInput, errMissingOwner)
	}

	referrer, err := c.ValidateCode(ctx, code)
	if err != nil {
		return AttributionEdge{}, err
	}
	if referrer.OwnerID == referred {
		c.logRejection(opProcessReferral, "self_referral", zap.String("referred_id", referred))
		return AttributionEdge{}, newServiceError(opProcessReferral, "self_referral", ErrSelfReferralRejected, nil)
	}

	alreadyReferred, err := c.store.Ledger().HasBeenReferred(ctx, referred)
	if err != nil {
		c.logError(opProcessReferral, "precheck_failed", err, zap.String("referred_id", referred))
		return AttributionEdge{}, newServiceError(opProcessReferral, "precheck_failed", ErrPersistenceUnavailable, err)
	}
	if alreadyReferred {
		c.logRejection(opProcessReferral, "already_referred", zap.String("referred_id", referred))
		return AttributionEdge{}, newServiceError(opProcessReferral, "already_referred", ErrAlreadyReferred, nil)
	}

	err = c.store.Atomically(ctx, func(codes *CodeRegistry, ledger *ReferralLedger) error {
		inserted, insertErr := ledger.InsertEdge(ctx, referrer.OwnerID, referred, referrer.Code)
		if insertErr != nil {
			return insertErr
		}
		if incrementErr := codes.IncrementCount(ctx, referrer.OwnerID); incrementErr != nil {
			return incrementErr
		}
		edge = inserted
		return nil
	})
	if err != nil {
		kind := KindOf(err)
		fields := []zap.Field{zap.String("referrer_id", referrer.OwnerID), zap.String("referred_id", referred)}
		switch kind {
		case ErrAlreadyReferred:
			c.logRejection(opProcessReferral, "already_referred_conflict", fields...)
			return AttributionEdge{}, newServiceError(opProcessReferral, "already_referred_conflict", kind, err)
		case ErrNotFound:
			c.logError(opProcessReferral, "count_target_missing", err, fields...)
			return AttributionEdge{}, newServiceError(opProcessReferral, "count_target_missing", kind, err)
		default:
			c.logError(opProcessReferral, "attribution_failed", err, fields...)
			return AttributionEdge{}, newServiceError(opProcessReferral, "attribution_failed", ErrPersistenceUnavailable, err)
		}
	}

	c.logger.Info("referral attributed",
		zap.String("referrer_id", edge.ReferrerID),
		zap.String("referred_id", edge.ReferredID),
		zap.String("code", edge.CodeUsed))
	return edge, nil
}

// GetStats loads the caller's code and attributed accounts concurrently.
func (c *Coordinator) GetStats(ctx context.Context, userID string) (Stats, error) {
	owner := strings.TrimSpace(userID)
	if owner == "" {
		return Stats{}, newServiceError(opGetStats, "missing_user_id", ErrInvalidInput, errMissingOwner)
	}

	var (
		code      AttributionCode
		referrals []AttributionEdge
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		record, err := c.GetOrCreateCode(groupCtx, owner)
		if err != nil {
			return err
		}
		code = record
		return nil
	})
	group.Go(func() error {
		edges, err := c.store.Ledger().ListByReferrer(groupCtx, owner)
		if err != nil {
			c.logError(opGetStats, "list_failed", err, zap.String("user_id", owner))
			return newServiceError(opGetStats, "list_failed", ErrPersistenceUnavailable, err)
		}
		referrals = edges
		return nil
	})
	if err := group.Wait(); err != nil {
		return Stats{}, err
	}

	return Stats{
		Code:          code.Code,
		ReferralCount: code.ReferralCount,
		Referrals:     referrals,
	}, nil
}

// Reconcile repairs counts that fell behind the ledger and returns the number of rows corrected.
func (c *Coordinator) Reconcile(ctx context.Context) (int64, error) {
	corrected, err := c.store.Codes().ReconcileCounts(ctx)
	if err != nil {
		c.logError(opReconcile, "reconcile_failed", err)
		return 0, newServiceError(opReconcile, "reconcile_failed", ErrPersistenceUnavailable, err)
	}
	c.recorder.CountsReconciled(corrected)
	if corrected > 0 {
		c.logger.Warn("referral counts reconciled", zap.Int64("rows", corrected))
	}
	return corrected, nil
}

// ShareLink builds <origin><path>?ref=<code> from base, dropping any other query or fragment.
func ShareLink(base, code string) (string, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return "", errMissingBase
	}
	normalized := NormalizeCode(code)
	if normalized == "" {
		return "", errMissingCode
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	parsed.RawQuery = url.Values{ShareLinkParameter: []string{normalized}}.Encode()
	parsed.Fragment = ""
	return parsed.String(), nil
}

func (c *Coordinator) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("referrals service error", attrs...)
}

func (c *Coordinator) logRejection(operation, reason string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Info("referral rejected", attrs...)
}
