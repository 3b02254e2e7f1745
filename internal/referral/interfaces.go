package referral

import (
	"context"

	"github.com/google/uuid"
)

// CodeStore answers uniqueness queries against active referral codes
type CodeStore interface {
	ActiveCodeExists(ctx context.Context, code string) (bool, error)
}

// CodeReserver claims a candidate code for a short window so concurrent
// generators do not hand out the same candidate.
type CodeReserver interface {
	Reserve(ctx context.Context, code string) (bool, error)
	Release(ctx context.Context, code string) error
}

// DetectionStore is the read-only view the fraud detector needs.
// Lookups of missing records return ErrNotFound.
type DetectionStore interface {
	ListPendingChecklists(ctx context.Context, referrerID uuid.UUID) ([]*Checklist, error)
	GetChecklist(ctx context.Context, inviteeID uuid.UUID) (*Checklist, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error)
	GetDeviceIDs(ctx context.Context, accountID uuid.UUID) ([]string, error)
	GetProfileID(ctx context.Context, accountID uuid.UUID) (uuid.UUID, error)
	// GetActivities returns the profile's forum posts in ascending creation order.
	GetActivities(ctx context.Context, profileID uuid.UUID) ([]*Activity, error)
}

// ProvisioningStore persists referral codes and their stats
type ProvisioningStore interface {
	CodeStore
	GetActiveCodeByOwner(ctx context.Context, ownerID uuid.UUID) (*ReferralCode, error)
	// CreateCodeWithStats writes the code and a zeroed stats row atomically.
	CreateCodeWithStats(ctx context.Context, code *ReferralCode) error
	RetireCode(ctx context.Context, code string) error
	GetStats(ctx context.Context, referrerID uuid.UUID) (*Stats, error)
}

// RepositoryInterface is the full persistence surface of the referral service
type RepositoryInterface interface {
	ProvisioningStore
	DetectionStore
}

// EventPublisher publishes domain events
type EventPublisher interface {
	Publish(ctx context.Context, subject, eventType string, data interface{}) error
}

// ServiceInterface is the surface the HTTP and event handlers depend on
type ServiceInterface interface {
	ProvisionAccount(ctx context.Context, req ProvisionRequest) (*ReferralCode, error)
	RetireCode(ctx context.Context, code string) error
	GetStats(ctx context.Context, referrerID uuid.UUID) (*Stats, error)
	PreviewCode(name, email string) string
	CheckInvitee(ctx context.Context, inviteeID, referrerID uuid.UUID) PatternResult
}
