package referral

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCodeGenerationExhausted is returned when every candidate code collided.
	// Callers must not create a referral record without a code.
	ErrCodeGenerationExhausted = errors.New("referral code generation exhausted")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("referral record not found")

	// ErrReservationUnavailable marks a transient failure of the reservation backend.
	ErrReservationUnavailable = errors.New("referral code reservation unavailable")
)

// Account is the identity slice the detector reads. Device ids are fetched separately.
type Account struct {
	ID          uuid.UUID `json:"id"`
	DisplayName *string   `json:"display_name,omitempty"`
	Email       *string   `json:"email,omitempty"`
}

// ReferralCode is an account's shareable code. Active codes are globally unique;
// retired codes keep their redemption history.
type ReferralCode struct {
	Code             string     `json:"code"`
	OwnerID          uuid.UUID  `json:"owner_id"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	TotalRedemptions int        `json:"total_redemptions"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// ChecklistStatus is the verification state of an invitee
type ChecklistStatus string

const (
	ChecklistPending  ChecklistStatus = "pending"
	ChecklistVerified ChecklistStatus = "verified"
	ChecklistBlocked  ChecklistStatus = "blocked"
)

// SubTask is one engagement requirement on a checklist
type SubTask struct {
	Current     int        `json:"current"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Complete reports whether the sub-task reached threshold and was stamped.
func (s SubTask) Complete(threshold int) bool {
	return s.Current >= threshold && s.CompletedAt != nil
}

// Checklist is the verification record for one invitee
type Checklist struct {
	InviteeID     uuid.UUID       `json:"invitee_id"`
	ReferrerID    uuid.UUID       `json:"referrer_id"`
	Status        ChecklistStatus `json:"status"`
	ForumPosts    SubTask         `json:"forum_posts"`
	Interactions  SubTask         `json:"interactions"`
	GroupMessages SubTask         `json:"group_messages"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Thresholds are the fixed per-deployment minimums for each sub-task
type Thresholds struct {
	ForumPosts    int
	Interactions  int
	GroupMessages int
}

// DefaultThresholds returns the stock checklist minimums.
func DefaultThresholds() Thresholds {
	return Thresholds{ForumPosts: 3, Interactions: 10, GroupMessages: 5}
}

// AllComplete reports whether every sub-task is complete.
func (c *Checklist) AllComplete(t Thresholds) bool {
	return c.ForumPosts.Complete(t.ForumPosts) &&
		c.Interactions.Complete(t.Interactions) &&
		c.GroupMessages.Complete(t.GroupMessages)
}

// RewardsEarned tracks reward units issued to a referrer
type RewardsEarned struct {
	Units        int        `json:"units"`
	LastRewardAt *time.Time `json:"last_reward_at,omitempty"`
}

// Stats is the per-referrer aggregate, created together with the referral code
type Stats struct {
	ReferrerID           uuid.UUID     `json:"referrer_id"`
	TotalReferred        int           `json:"total_referred"`
	TotalVerified        int           `json:"total_verified"`
	TotalPaidConversions int           `json:"total_paid_conversions"`
	PendingVerifications int           `json:"pending_verifications"`
	BlockedReferrals     int           `json:"blocked_referrals"`
	Rewards              RewardsEarned `json:"rewards"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Activity is a social activity record, such as a forum post
type Activity struct {
	AuthorID  uuid.UUID `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Body      string    `json:"body"`
}

// PatternResult is the merged outcome of fraud pattern detection
type PatternResult struct {
	IsCoordinated   bool `json:"is_coordinated"`
	MatchesTemplate bool `json:"matches_template"`
}

// RequiresReview reports whether the referral must go to manual review instead of auto-reward.
func (r PatternResult) RequiresReview() bool {
	return r.IsCoordinated || r.MatchesTemplate
}

// ProvisionRequest is sent by the account-creation workflow
type ProvisionRequest struct {
	AccountID   uuid.UUID `json:"account_id" binding:"required"`
	DisplayName string    `json:"display_name" validate:"max=200"`
	Email       string    `json:"email" validate:"omitempty,email"`
}

// PatternCheckRequest is sent by the verification workflow
type PatternCheckRequest struct {
	InviteeID  uuid.UUID `json:"invitee_id" binding:"required"`
	ReferrerID uuid.UUID `json:"referrer_id" binding:"required"`
}

// PatternCheckResponse adds the review routing decision to a PatternResult
type PatternCheckResponse struct {
	PatternResult
	RequiresReview bool `json:"requires_review"`
}

// CodePreviewResponse is returned by the preview endpoint
type CodePreviewResponse struct {
	Code string `json:"code"`
}
