package referral

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func makeEvent(t *testing.T, data interface{}) *eventbus.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &eventbus.Event{
		ID:        uuid.New().String(),
		Type:      eventbus.TypeChecklistCompleted,
		Source:    "verification-service",
		Timestamp: time.Now(),
		Data:      raw,
	}
}

// ─── handleChecklistCompleted ─────────────────────────────────────────────────

func TestHandleChecklistCompleted_RunsDetection(t *testing.T) {
	svc := new(MockReferralService)
	handler := NewEventHandler(svc)
	inviteeID, referrerID := uuid.New(), uuid.New()

	svc.On("CheckInvitee", mock.Anything, inviteeID, referrerID).Return(PatternResult{IsCoordinated: true}).Once()

	err := handler.handleChecklistCompleted(context.Background(), makeEvent(t, eventbus.ChecklistCompletedData{
		InviteeID:   inviteeID,
		ReferrerID:  referrerID,
		CompletedAt: time.Now(),
	}))

	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleChecklistCompleted_MalformedPayload(t *testing.T) {
	svc := new(MockReferralService)
	handler := NewEventHandler(svc)

	event := &eventbus.Event{ID: "evt-1", Type: eventbus.TypeChecklistCompleted, Data: json.RawMessage(`{"invitee_id": 12}`)}

	err := handler.handleChecklistCompleted(context.Background(), event)

	assert.Error(t, err)
	svc.AssertNotCalled(t, "CheckInvitee", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChecklistCompleted_MissingIDs(t *testing.T) {
	svc := new(MockReferralService)
	handler := NewEventHandler(svc)

	err := handler.handleChecklistCompleted(context.Background(), makeEvent(t, eventbus.ChecklistCompletedData{
		InviteeID: uuid.New(),
	}))

	assert.Error(t, err)
	svc.AssertNotCalled(t, "CheckInvitee", mock.Anything, mock.Anything, mock.Anything)
}
