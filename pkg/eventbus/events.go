package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Subjects used by the referral integrity service.
const (
	SubjectChecklistCompleted = "referrals.checklist_completed"
	SubjectPatternChecked     = "referrals.pattern_checked"

	TypeChecklistCompleted = "referral.checklist_completed"
	TypePatternChecked     = "referral.pattern_checked"
)

// ChecklistCompletedData is emitted by the verification workflow once every
// sub-task on an invitee's checklist is complete.
type ChecklistCompletedData struct {
	InviteeID   uuid.UUID `json:"invitee_id"`
	ReferrerID  uuid.UUID `json:"referrer_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// PatternCheckedData reports the outcome of fraud pattern detection.
type PatternCheckedData struct {
	InviteeID       uuid.UUID `json:"invitee_id"`
	ReferrerID      uuid.UUID `json:"referrer_id"`
	IsCoordinated   bool      `json:"is_coordinated"`
	MatchesTemplate bool      `json:"matches_template"`
	RequiresReview  bool      `json:"requires_review"`
	CheckedAt       time.Time `json:"checked_at"`
}
