package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/gin-gonic/gin"
)

const retryLaterMessage = "referrals are temporarily unavailable, retry later"

type errorResponse struct {
	status  int
	code    string
	message string
}

func responseForError(err error) errorResponse {
	switch referrals.KindOf(err) {
	case referrals.ErrInvalidInput:
		return errorResponse{status: http.StatusBadRequest, code: "invalid_input", message: "code and account are required"}
	case referrals.ErrInvalidCode:
		return errorResponse{status: http.StatusNotFound, code: "invalid_code", message: "referral code not recognised"}
	case referrals.ErrSelfReferralRejected:
		return errorResponse{status: http.StatusConflict, code: "self_referral", message: "accounts cannot refer themselves"}
	case referrals.ErrAlreadyReferred:
		return errorResponse{status: http.StatusConflict, code: "already_referred", message: "account already has a referrer"}
	case referrals.ErrGenerationExhausted:
		return errorResponse{status: http.StatusServiceUnavailable, code: "generation_exhausted", message: retryLaterMessage}
	default:
		return errorResponse{status: http.StatusServiceUnavailable, code: "persistence_unavailable", message: retryLaterMessage}
	}
}

func writeError(c *gin.Context, err error) {
	response := responseForError(err)
	c.JSON(response.status, gin.H{"error": response.code, "message": response.message})
}

// errorCode returns the stable dotted service code when err carries one.
func errorCode(err error) string {
	var serviceErr *referrals.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return responseForError(err).code
}

// permanentRejection reports whether retrying the same referral can never succeed.
func permanentRejection(err error) bool {
	switch referrals.KindOf(err) {
	case referrals.ErrInvalidInput, referrals.ErrInvalidCode, referrals.ErrSelfReferralRejected, referrals.ErrAlreadyReferred:
		return true
	default:
		return false
	}
}
