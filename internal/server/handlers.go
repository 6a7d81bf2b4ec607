package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/MarcoPoloResearchLab/referrals/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	referralCodeFormField = "referral_code"

	referralStatusNone     = "none"
	referralStatusApplied  = "applied"
	referralStatusRejected = "rejected"

	unknownReferredEmail = "unknown user"
)

type codePayload struct {
	Code          string `json:"code"`
	ReferralCount int64  `json:"referral_count"`
	ShareLink     string `json:"share_link,omitempty"`
}

type referralOutcomePayload struct {
	Status     string `json:"status"`
	Code       string `json:"code,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type registerResponsePayload struct {
	AccountID string                 `json:"account_id"`
	Referral  *codePayload           `json:"referral_code,omitempty"`
	CodeError string                 `json:"referral_code_error,omitempty"`
	Outcome   referralOutcomePayload `json:"referral"`
}

type resumeResponsePayload struct {
	AccountID string       `json:"account_id"`
	Created   bool         `json:"created"`
	Referral  *codePayload `json:"referral_code,omitempty"`
	CodeError string       `json:"referral_code_error,omitempty"`
}

type referredAccountPayload struct {
	ReferredID    string `json:"referred_id"`
	ReferredEmail string `json:"referred_email"`
	CodeUsed   string `json:"code_used"`
	CreatedAt  string `json:"created_at"`
}

type statsResponsePayload struct {
	codePayload
	Referrals []referredAccountPayload `json:"referrals"`
}

// handleRegister creates the account and then applies referral side effects. Referral failures are
// reported in the body and never fail the registration itself.
func (h *httpHandler) handleRegister(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()

	accountID, err := h.accounts.Register(ctx, claims)
	switch {
	case errors.Is(err, users.ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "account_exists"})
		return
	case errors.Is(err, users.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		return
	case err != nil:
		h.logger.Error("account registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	response := registerResponsePayload{
		AccountID: accountID,
		Outcome:   referralOutcomePayload{Status: referralStatusNone},
	}

	if code, err := h.referrals.GetOrCreateCode(ctx, accountID); err != nil {
		h.logger.Warn("referral code issuance failed after registration", zap.String("account_id", accountID), zap.Error(err))
		response.CodeError = errorCode(err)
	} else {
		response.Referral = h.codePayload(code)
	}

	presented, fromCookie := h.presentedCode(c)
	if presented != "" {
		edge, err := h.referrals.ProcessReferral(ctx, presented, accountID)
		if err != nil {
			h.logger.Warn("referral not applied", zap.String("account_id", accountID), zap.String("code", presented), zap.Error(err))
			response.Outcome = referralOutcomePayload{Status: referralStatusRejected, Code: referrals.NormalizeCode(presented), Error: errorCode(err)}
			if fromCookie && permanentRejection(err) {
				h.pending.Clear(c.Writer)
			}
		} else {
			response.Outcome = referralOutcomePayload{Status: referralStatusApplied, Code: edge.CodeUsed, ReferrerID: edge.ReferrerID}
			h.pending.Clear(c.Writer)
			h.publishAttribution(edge)
		}
	}

	c.JSON(http.StatusCreated, response)
}

// presentedCode prefers an explicit form value over the pending cookie.
func (h *httpHandler) presentedCode(c *gin.Context) (string, bool) {
	if explicit := strings.TrimSpace(c.PostForm(referralCodeFormField)); explicit != "" {
		return explicit, false
	}
	if code, ok := h.pending.Peek(c.Request); ok {
		return code, true
	}
	return "", false
}

func (h *httpHandler) handleResume(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()

	accountID, created, err := h.accounts.Resolve(ctx, claims)
	if err != nil {
		h.writeAccountError(c, err)
		return
	}

	response := resumeResponsePayload{AccountID: accountID, Created: created}
	if code, err := h.referrals.GetOrCreateCode(ctx, accountID); err != nil {
		h.logger.Warn("referral code issuance failed on session resume", zap.String("account_id", accountID), zap.Error(err))
		response.CodeError = errorCode(err)
	} else {
		response.Referral = h.codePayload(code)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCode(c *gin.Context) {
	accountID, ok := h.resolveAccount(c)
	if !ok {
		return
	}
	code, err := h.referrals.GetOrCreateCode(c.Request.Context(), accountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.codePayload(code))
}

func (h *httpHandler) handleStats(c *gin.Context) {
	accountID, ok := h.resolveAccount(c)
	if !ok {
		return
	}
	stats, err := h.referrals.GetStats(c.Request.Context(), accountID)
	if err != nil {
		writeError(c, err)
		return
	}

	response := statsResponsePayload{
		codePayload: *h.codePayload(referrals.AttributionCode{Code: stats.Code, ReferralCount: stats.ReferralCount}),
		Referrals:   make([]referredAccountPayload, 0, len(stats.Referrals)),
	}
	emails := h.referredEmails(c, stats.Referrals)
	for _, edge := range stats.Referrals {
		email, ok := emails[edge.ReferredID]
		if !ok {
			email = unknownReferredEmail
		}
		response.Referrals = append(response.Referrals, referredAccountPayload{
			ReferredID:    edge.ReferredID,
			ReferredEmail: email,
			CodeUsed:      edge.CodeUsed,
			CreatedAt:     edge.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, response)
}

// referredEmails looks up contact emails for the referred accounts. A failed lookup leaves every
// row on the placeholder rather than failing the stats response.
func (h *httpHandler) referredEmails(c *gin.Context, edges []referrals.AttributionEdge) map[string]string {
	if len(edges) == 0 {
		return nil
	}
	referredIDs := make([]string, 0, len(edges))
	for _, edge := range edges {
		referredIDs = append(referredIDs, edge.ReferredID)
	}
	emails, err := h.accounts.Emails(c.Request.Context(), referredIDs)
	if err != nil {
		h.logger.Warn("referred account lookup failed", zap.Int("referrals", len(referredIDs)), zap.Error(err))
		return nil
	}
	return emails
}

func (h *httpHandler) handleValidate(c *gin.Context) {
	result, err := h.limiter.Allow(c.Request.Context(), c.ClientIP())
	if err != nil {
		h.logger.Warn("validation rate limit check failed", zap.Error(err))
	} else if !result.Allowed {
		if h.metrics != nil {
			h.metrics.Throttled()
		}
		retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	record, err := h.referrals.ValidateCode(c.Request.Context(), c.Query("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "code": record.Code})
}

func (h *httpHandler) handlePendingGet(c *gin.Context) {
	code, ok := h.pending.Peek(c.Request)
	c.JSON(http.StatusOK, gin.H{"pending": ok, "code": code})
}

func (h *httpHandler) handlePendingDelete(c *gin.Context) {
	h.pending.Clear(c.Writer)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) resolveAccount(c *gin.Context) (string, bool) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	accountID, _, err := h.accounts.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.writeAccountError(c, err)
		return "", false
	}
	return accountID, true
}

func (h *httpHandler) writeAccountError(c *gin.Context, err error) {
	if errors.Is(err, users.ErrInvalidIdentity) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		return
	}
	h.logger.Error("account resolution failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
}

func (h *httpHandler) codePayload(code referrals.AttributionCode) *codePayload {
	payload := &codePayload{Code: code.Code, ReferralCount: code.ReferralCount}
	link, err := referrals.ShareLink(h.linkBase, code.Code)
	if err != nil {
		h.logger.Warn("share link construction failed", zap.Error(err))
		return payload
	}
	payload.ShareLink = link
	return payload
}
