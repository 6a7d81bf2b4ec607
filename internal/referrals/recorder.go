package referrals

// Recorder receives attribution events for metrics.
type Recorder interface {
	CodeIssued()
	CodeCollision()
	ReferralProcessed(outcome string)
	CountsReconciled(rows int64)
}

// Outcome labels reported to Recorder.ReferralProcessed.
const (
	OutcomeApplied         = "applied"
	OutcomeInvalidInput    = "invalid_input"
	OutcomeInvalidCode     = "invalid_code"
	OutcomeSelfReferral    = "self_referral"
	OutcomeAlreadyReferred = "already_referred"
	OutcomeNotFound        = "not_found"
	OutcomeUnavailable     = "unavailable"
)

type nopRecorder struct{}

func (nopRecorder) CodeIssued()              {}
func (nopRecorder) CodeCollision()           {}
func (nopRecorder) ReferralProcessed(string) {}
func (nopRecorder) CountsReconciled(int64)   {}

func outcomeFor(err error) string {
	switch KindOf(err) {
	case nil:
		return OutcomeApplied
	case ErrInvalidInput:
		return OutcomeInvalidInput
	case ErrInvalidCode:
		return OutcomeInvalidCode
	case ErrSelfReferralRejected:
		return OutcomeSelfReferral
	case ErrAlreadyReferred:
		return OutcomeAlreadyReferred
	case ErrNotFound:
		return OutcomeNotFound
	default:
		return OutcomeUnavailable
	}
}
