package referral

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richxcame/referral-integrity/pkg/common"
	"github.com/richxcame/referral-integrity/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ========================================
// MOCKS
// ========================================

type mockProvisioningStore struct {
	mock.Mock
}

func (m *mockProvisioningStore) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *mockProvisioningStore) GetActiveCodeByOwner(ctx context.Context, ownerID uuid.UUID) (*ReferralCode, error) {
	args := m.Called(ctx, ownerID)
	code, _ := args.Get(0).(*ReferralCode)
	return code, args.Error(1)
}

func (m *mockProvisioningStore) CreateCodeWithStats(ctx context.Context, code *ReferralCode) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *mockProvisioningStore) RetireCode(ctx context.Context, code string) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *mockProvisioningStore) GetStats(ctx context.Context, referrerID uuid.UUID) (*Stats, error) {
	args := m.Called(ctx, referrerID)
	stats, _ := args.Get(0).(*Stats)
	return stats, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, subject, eventType string, data interface{}) error {
	args := m.Called(ctx, subject, eventType, data)
	return args.Error(0)
}

func newTestService(repo *mockProvisioningStore, detection DetectionStore, publisher EventPublisher) *Service {
	generator := NewCodeGenerator(repo, nil, DefaultMaxCodeAttempts, DefaultRandomFallbackFrom)
	svc := NewService(repo, generator, NewDetector(detection, DefaultDetectorConfig()), publisher)
	svc.retry.InitialBackoff = time.Millisecond
	svc.retry.MaxBackoff = 5 * time.Millisecond
	return svc
}

func requireAppError(t *testing.T, err error, status int) *common.AppError {
	t.Helper()
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, status, appErr.Code)
	return appErr
}

// ========================================
// ProvisionAccount
// ========================================

func TestProvisionAccount_Success(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	accountID := uuid.New()

	repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(nil, ErrNotFound).Once()
	repo.On("ActiveCodeExists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil).Once()
	repo.On("CreateCodeWithStats", mock.Anything, mock.MatchedBy(func(c *ReferralCode) bool {
		return c.OwnerID == accountID && c.IsActive && codePattern.MatchString(c.Code)
	})).Return(nil).Once()

	code, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{
		AccountID:   accountID,
		DisplayName: "Martha Smith",
		Email:       "martha@example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, accountID, code.OwnerID)
	assert.True(t, code.IsActive)
	assert.Equal(t, "MART", code.Code[:4])
	repo.AssertExpectations(t)
}

func TestProvisionAccount_ReturnsExistingCode(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	accountID := uuid.New()
	existing := &ReferralCode{Code: "MART2345", OwnerID: accountID, IsActive: true}

	repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(existing, nil).Once()

	code, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: accountID, DisplayName: "Martha"})

	require.NoError(t, err)
	assert.Same(t, existing, code)
	repo.AssertNotCalled(t, "CreateCodeWithStats", mock.Anything, mock.Anything)
}

func TestProvisionAccount_RetriesLostInsertRace(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	accountID := uuid.New()

	repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(nil, ErrNotFound).Twice()
	repo.On("ActiveCodeExists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil).Twice()
	repo.On("CreateCodeWithStats", mock.Anything, mock.Anything).
		Return(&pgconn.PgError{Code: "23505", Message: "duplicate key value"}).Once()
	repo.On("CreateCodeWithStats", mock.Anything, mock.Anything).Return(nil).Once()

	code, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: accountID, DisplayName: "Martha"})

	require.NoError(t, err)
	assert.Regexp(t, codePattern, code.Code)
	repo.AssertExpectations(t)
}

func TestProvisionAccount_ExhaustionIsNotRetried(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	accountID := uuid.New()

	repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(nil, ErrNotFound).Once()
	repo.On("ActiveCodeExists", mock.Anything, mock.AnythingOfType("string")).Return(true, nil)

	code, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: accountID, DisplayName: "Martha"})

	assert.Nil(t, code)
	appErr := requireAppError(t, err, http.StatusConflict)
	assert.ErrorIs(t, appErr, ErrCodeGenerationExhausted)
	repo.AssertNumberOfCalls(t, "ActiveCodeExists", DefaultMaxCodeAttempts)
	repo.AssertNotCalled(t, "CreateCodeWithStats", mock.Anything, mock.Anything)
}

func TestProvisionAccount_StoreUnavailable(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	accountID := uuid.New()
	dbErr := &pgconn.PgError{Code: "08006", Message: "connection failure"}

	repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(nil, dbErr)

	_, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: accountID})

	requireAppError(t, err, http.StatusServiceUnavailable)
	repo.AssertNumberOfCalls(t, "GetActiveCodeByOwner", svc.retry.MaxAttempts)
}

func TestProvisionAccount_UnknownAccountIsNotRetried(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	accountID := uuid.New()

	repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(nil, ErrNotFound).Once()
	repo.On("ActiveCodeExists", mock.Anything, mock.AnythingOfType("string")).Return(false, nil).Once()
	repo.On("CreateCodeWithStats", mock.Anything, mock.Anything).Return(fmt.Errorf("insert referral code: %w", &pgconn.PgError{
		Code:           "23503",
		Message:        `insert or update on table "referral_codes" violates foreign key constraint`,
		ConstraintName: "referral_codes_owner_id_fkey",
	})).Once()

	code, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: accountID, DisplayName: "Martha"})

	assert.Nil(t, code)
	requireAppError(t, err, http.StatusNotFound)
	repo.AssertNumberOfCalls(t, "CreateCodeWithStats", 1)
	repo.AssertExpectations(t)
}

func TestProvisionAccount_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"rejected value", &pgconn.PgError{Code: "22001", Message: "value too long"}, http.StatusBadRequest},
		{"unexpected", errors.New("scan referral code: unexpected column"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockProvisioningStore)
			svc := newTestService(repo, new(mockDetectionStore), nil)
			accountID := uuid.New()

			repo.On("GetActiveCodeByOwner", mock.Anything, accountID).Return(nil, tt.err).Once()

			_, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: accountID})

			requireAppError(t, err, tt.wantStatus)
			repo.AssertNumberOfCalls(t, "GetActiveCodeByOwner", 1)
		})
	}
}

func TestProvisionAccount_InvalidRequest(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)

	_, err := svc.ProvisionAccount(context.Background(), ProvisionRequest{})
	requireAppError(t, err, http.StatusBadRequest)

	_, err = svc.ProvisionAccount(context.Background(), ProvisionRequest{AccountID: uuid.New(), Email: "not-an-email"})
	requireAppError(t, err, http.StatusBadRequest)

	repo.AssertNotCalled(t, "GetActiveCodeByOwner", mock.Anything, mock.Anything)
}

// ========================================
// RetireCode / GetStats
// ========================================

func TestRetireCode(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		repoErr    error
		callsRepo  bool
		wantStatus int
	}{
		{name: "retired", code: "MART2345", callsRepo: true},
		{name: "malformed code", code: "MART0000", wantStatus: http.StatusBadRequest},
		{name: "not active", code: "MART2345", repoErr: ErrNotFound, callsRepo: true, wantStatus: http.StatusNotFound},
		{name: "store down", code: "MART2345", repoErr: errors.New("timeout"), callsRepo: true, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockProvisioningStore)
			svc := newTestService(repo, new(mockDetectionStore), nil)
			if tt.callsRepo {
				repo.On("RetireCode", mock.Anything, tt.code).Return(tt.repoErr).Once()
			}

			err := svc.RetireCode(context.Background(), tt.code)

			if tt.wantStatus == 0 {
				assert.NoError(t, err)
			} else {
				requireAppError(t, err, tt.wantStatus)
			}
			repo.AssertExpectations(t)
		})
	}
}

func TestGetStats(t *testing.T) {
	repo := new(mockProvisioningStore)
	svc := newTestService(repo, new(mockDetectionStore), nil)
	referrerID := uuid.New()

	repo.On("GetStats", mock.Anything, referrerID).Return(&Stats{ReferrerID: referrerID, TotalReferred: 4}, nil).Once()
	stats, err := svc.GetStats(context.Background(), referrerID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalReferred)

	missing := uuid.New()
	repo.On("GetStats", mock.Anything, missing).Return(nil, ErrNotFound).Once()
	_, err = svc.GetStats(context.Background(), missing)
	requireAppError(t, err, http.StatusNotFound)
}

// ========================================
// CheckInvitee
// ========================================

func TestCheckInvitee_PublishesResult(t *testing.T) {
	repo := new(mockProvisioningStore)
	detection := new(mockDetectionStore)
	publisher := new(mockPublisher)
	svc := newTestService(repo, detection, publisher)
	referrerID, inviteeID, other := uuid.New(), uuid.New(), uuid.New()

	detection.On("ListPendingChecklists", mock.Anything, referrerID).Return(pendingFor(referrerID, inviteeID, other), nil).Once()
	detection.On("GetDeviceIDs", mock.Anything, inviteeID).Return([]string{"tablet"}, nil).Once()
	detection.On("GetDeviceIDs", mock.Anything, other).Return([]string{"tablet"}, nil).Once()
	detection.On("GetChecklist", mock.Anything, inviteeID).Return(nil, ErrNotFound).Once()

	publisher.On("Publish", mock.Anything, eventbus.SubjectPatternChecked, eventbus.TypePatternChecked,
		mock.MatchedBy(func(d eventbus.PatternCheckedData) bool {
			return d.InviteeID == inviteeID && d.IsCoordinated && !d.MatchesTemplate && d.RequiresReview
		}),
	).Return(nil).Once()

	result := svc.CheckInvitee(context.Background(), inviteeID, referrerID)

	assert.True(t, result.IsCoordinated)
	assert.True(t, result.RequiresReview())
	publisher.AssertExpectations(t)
}

func TestCheckInvitee_PublishFailureIsIgnored(t *testing.T) {
	repo := new(mockProvisioningStore)
	detection := new(mockDetectionStore)
	publisher := new(mockPublisher)
	svc := newTestService(repo, detection, publisher)
	referrerID, inviteeID := uuid.New(), uuid.New()

	detection.On("ListPendingChecklists", mock.Anything, referrerID).Return(nil, nil).Once()
	detection.On("GetChecklist", mock.Anything, inviteeID).Return(nil, ErrNotFound).Once()
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nats: connection closed")).Once()

	result := svc.CheckInvitee(context.Background(), inviteeID, referrerID)

	assert.Equal(t, PatternResult{}, result)
	publisher.AssertExpectations(t)
}

func TestCheckInvitee_CanceledContextIsNotPublished(t *testing.T) {
	repo := new(mockProvisioningStore)
	detection := new(mockDetectionStore)
	publisher := new(mockPublisher)
	svc := newTestService(repo, detection, publisher)
	referrerID, inviteeID, other := uuid.New(), uuid.New(), uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	detection.On("ListPendingChecklists", mock.Anything, referrerID).Return(pendingFor(referrerID, inviteeID, other), nil).Maybe()
	detection.On("GetDeviceIDs", mock.Anything, mock.Anything).Return(nil, context.Canceled).Maybe()
	detection.On("GetAccount", mock.Anything, mock.Anything).Return(nil, context.Canceled).Maybe()
	detection.On("GetProfileID", mock.Anything, mock.Anything).Return(uuid.Nil, context.Canceled).Maybe()
	detection.On("GetChecklist", mock.Anything, inviteeID).Return(nil, context.Canceled).Maybe()

	result := svc.CheckInvitee(ctx, inviteeID, referrerID)

	assert.False(t, result.RequiresReview())
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckInvitee_WithoutPublisher(t *testing.T) {
	repo := new(mockProvisioningStore)
	detection := new(mockDetectionStore)
	svc := newTestService(repo, detection, nil)
	referrerID, inviteeID := uuid.New(), uuid.New()

	detection.On("ListPendingChecklists", mock.Anything, referrerID).Return(nil, nil).Once()
	detection.On("GetChecklist", mock.Anything, inviteeID).Return(nil, ErrNotFound).Once()

	assert.NotPanics(t, func() {
		svc.CheckInvitee(context.Background(), inviteeID, referrerID)
	})
}

func TestPreviewCode(t *testing.T) {
	svc := newTestService(new(mockProvisioningStore), new(mockDetectionStore), nil)
	code := svc.PreviewCode("Grace", "grace@example.com")
	assert.Regexp(t, codePattern, code)
	assert.Equal(t, "GRAC", code[:4])
}
