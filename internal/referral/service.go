package referral

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/common"
	"github.com/richxcame/referral-integrity/pkg/database"
	"github.com/richxcame/referral-integrity/pkg/eventbus"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"github.com/richxcame/referral-integrity/pkg/resilience"
	"github.com/richxcame/referral-integrity/pkg/validation"
	"go.uber.org/zap"
)

// Service composes the code generator and fraud detector for the account
// creation and verification workflows.
type Service struct {
	repo      ProvisioningStore
	generator *CodeGenerator
	detector  *Detector
	publisher EventPublisher
	retry     resilience.RetryConfig
}

// NewService creates a new referral service. publisher may be nil.
func NewService(repo ProvisioningStore, generator *CodeGenerator, detector *Detector, publisher EventPublisher) *Service {
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = 100 * time.Millisecond
	retry.MaxBackoff = 2 * time.Second
	retry.RetryableChecker = isRetryableProvisioning

	return &Service{
		repo:      repo,
		generator: generator,
		detector:  detector,
		publisher: publisher,
		retry:     retry,
	}
}

// isRetryableProvisioning retries lost insert races and transient store
// failures. Everything else fails the same way on every attempt.
func isRetryableProvisioning(err error) bool {
	if errors.Is(err, ErrCodeGenerationExhausted) {
		return false
	}
	return database.IsUniqueViolation(err) || database.IsTransient(err)
}

// provisioningError maps a failed provisioning attempt to an HTTP-facing error.
func provisioningError(err error) *common.AppError {
	switch {
	case errors.Is(err, ErrCodeGenerationExhausted):
		return common.NewConflictError("unable to allocate a unique referral code", err)
	case database.IsUniqueViolation(err):
		return common.NewConflictError("referral code already taken", err)
	case database.IsForeignKeyViolation(err):
		return common.NewNotFoundError("account not found", err)
	case database.IsIntegrityViolation(err):
		return common.NewBadRequestError("referral record rejected by store", err)
	case database.IsTransient(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return common.NewServiceUnavailableError("referral store unavailable", err)
	default:
		return common.NewInternalServerError("failed to provision referral code")
	}
}

// ========================================
// ACCOUNT CREATION
// ========================================

// ProvisionAccount mints a referral code for a new account and writes it with
// a zeroed stats record. Provisioning an account that already has an active
// code returns that code.
func (s *Service) ProvisionAccount(ctx context.Context, req ProvisionRequest) (*ReferralCode, error) {
	if req.AccountID == uuid.Nil {
		return nil, common.NewBadRequestError("account_id is required", nil)
	}
	if err := validation.ValidateStruct(req); err != nil {
		return nil, common.NewBadRequestError(err.Error(), err)
	}

	log := logger.WithContext(ctx).With(zap.String("account_id", req.AccountID.String()))

	result, err := resilience.Retry(ctx, s.retry, func(ctx context.Context) (interface{}, error) {
		return s.provisionOnce(ctx, req)
	})
	if err != nil {
		appErr := provisioningError(err)
		log.Error("failed to provision referral code",
			zap.Int("status", appErr.Code),
			zap.Error(err),
		)
		return nil, appErr
	}

	code := result.(*ReferralCode)
	log.Info("referral code provisioned", zap.String("code", code.Code))
	return code, nil
}

func (s *Service) provisionOnce(ctx context.Context, req ProvisionRequest) (*ReferralCode, error) {
	existing, err := s.repo.GetActiveCodeByOwner(ctx, req.AccountID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	candidate, err := s.generator.EnsureUniqueCode(ctx, req.DisplayName, req.Email)
	if err != nil {
		return nil, err
	}
	defer s.generator.Release(ctx, candidate)

	code := &ReferralCode{
		Code:      candidate,
		OwnerID:   req.AccountID,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateCodeWithStats(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

// RetireCode deactivates a code without deleting its history
func (s *Service) RetireCode(ctx context.Context, code string) error {
	if !validation.IsReferralCode(code) {
		return common.NewBadRequestError("invalid referral code", nil)
	}

	if err := s.repo.RetireCode(ctx, code); err != nil {
		if errors.Is(err, ErrNotFound) {
			return common.NewNotFoundError("active referral code not found", err)
		}
		return common.NewServiceUnavailableError("referral store unavailable", err)
	}

	logger.WithContext(ctx).Info("referral code retired", zap.String("code", code))
	return nil
}

// GetStats returns a referrer's aggregate counters
func (s *Service) GetStats(ctx context.Context, referrerID uuid.UUID) (*Stats, error) {
	stats, err := s.repo.GetStats(ctx, referrerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, common.NewNotFoundError("referral stats not found", err)
		}
		return nil, common.NewServiceUnavailableError("referral store unavailable", err)
	}
	return stats, nil
}

// PreviewCode returns a candidate code without checking uniqueness
func (s *Service) PreviewCode(name, email string) string {
	return GenerateCode(name, email)
}

// ========================================
// VERIFICATION
// ========================================

// CheckInvitee runs fraud pattern detection before a reward is issued and
// publishes the outcome. It never fails; detection errors read as clean.
// A result computed on a canceled context is returned but not published.
func (s *Service) CheckInvitee(ctx context.Context, inviteeID, referrerID uuid.UUID) PatternResult {
	result := s.detector.RunPatternDetection(ctx, inviteeID, referrerID)

	fields := []zap.Field{
		zap.String("invitee_id", inviteeID.String()),
		zap.String("referrer_id", referrerID.String()),
		zap.Bool("is_coordinated", result.IsCoordinated),
		zap.Bool("matches_template", result.MatchesTemplate),
	}

	if err := ctx.Err(); err != nil {
		patternChecksTotal.WithLabelValues("aborted").Inc()
		logger.WithContext(ctx).Error("pattern detection aborted, result not published",
			append(fields, zap.Error(err))...)
		return result
	}
	if result.RequiresReview() {
		patternChecksTotal.WithLabelValues("review").Inc()
		logger.WithContext(ctx).Warn("referral routed to manual review", fields...)
	} else {
		patternChecksTotal.WithLabelValues("clean").Inc()
		logger.WithContext(ctx).Info("referral passed pattern detection", fields...)
	}

	s.publishResult(ctx, inviteeID, referrerID, result)
	return result
}

func (s *Service) publishResult(ctx context.Context, inviteeID, referrerID uuid.UUID, result PatternResult) {
	if s.publisher == nil {
		return
	}

	data := eventbus.PatternCheckedData{
		InviteeID:       inviteeID,
		ReferrerID:      referrerID,
		IsCoordinated:   result.IsCoordinated,
		MatchesTemplate: result.MatchesTemplate,
		RequiresReview:  result.RequiresReview(),
		CheckedAt:       time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, eventbus.SubjectPatternChecked, eventbus.TypePatternChecked, data); err != nil {
		logger.WithContext(ctx).Warn("failed to publish pattern check result",
			zap.String("invitee_id", inviteeID.String()),
			zap.Error(err),
		)
	}
}
