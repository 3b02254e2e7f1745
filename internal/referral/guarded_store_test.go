package referral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func guardedSettings(name string) resilience.Settings {
	return resilience.Settings{
		Name:             name,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
	}
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	store := new(mockDetectionStore)
	accountID := uuid.New()
	store.On("GetDeviceIDs", mock.Anything, accountID).Return([]string{"d1", "d2"}, nil).Once()

	guardedStore := NewGuardedStore(store, guardedSettings("detection-store-pass"))
	devices, err := guardedStore.GetDeviceIDs(context.Background(), accountID)

	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, devices)
	store.AssertExpectations(t)
}

func TestGuardedStore_OpensAfterFailures(t *testing.T) {
	store := new(mockDetectionStore)
	accountID := uuid.New()
	dbErr := errors.New("too many connections")
	store.On("GetAccount", mock.Anything, accountID).Return(nil, dbErr).Twice()

	guardedStore := NewGuardedStore(store, guardedSettings("detection-store-open"))

	for i := 0; i < 2; i++ {
		_, err := guardedStore.GetAccount(context.Background(), accountID)
		assert.ErrorIs(t, err, dbErr)
	}

	_, err := guardedStore.GetAccount(context.Background(), accountID)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	store.AssertNumberOfCalls(t, "GetAccount", 2)
}

func TestGuardedStore_NotFoundDoesNotTrip(t *testing.T) {
	store := new(mockDetectionStore)
	inviteeID := uuid.New()
	store.On("GetChecklist", mock.Anything, inviteeID).Return(nil, ErrNotFound).Times(5)

	guardedStore := NewGuardedStore(store, guardedSettings("detection-store-notfound"))

	for i := 0; i < 5; i++ {
		_, err := guardedStore.GetChecklist(context.Background(), inviteeID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	store.AssertExpectations(t)
}

func TestGuardedStore_DetectorFailsOpenWhenBreakerOpen(t *testing.T) {
	store := new(mockDetectionStore)
	referrerID := uuid.New()
	store.On("ListPendingChecklists", mock.Anything, referrerID).Return(nil, errors.New("db down")).Twice()

	d := NewDetector(NewGuardedStore(store, guardedSettings("detection-store-detector")), DefaultDetectorConfig())

	for i := 0; i < 3; i++ {
		assert.False(t, d.DetectCoordinatedFraud(context.Background(), referrerID))
	}
	store.AssertNumberOfCalls(t, "ListPendingChecklists", 2)
}
