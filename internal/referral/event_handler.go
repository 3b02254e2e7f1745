package referral

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/eventbus"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"go.uber.org/zap"
)

// QueueGroup load-balances checklist events across service replicas
const QueueGroup = "referral-integrity"

// EventHandler runs pattern detection when an invitee finishes their checklist.
type EventHandler struct {
	service ServiceInterface
}

// NewEventHandler creates an event handler backed by the referral service.
func NewEventHandler(service ServiceInterface) *EventHandler {
	return &EventHandler{service: service}
}

// RegisterSubscriptions subscribes to checklist completion events on the bus.
func (h *EventHandler) RegisterSubscriptions(ctx context.Context, bus *eventbus.Bus) error {
	if err := bus.Subscribe(ctx, eventbus.SubjectChecklistCompleted, QueueGroup, h.handleChecklistCompleted); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventbus.SubjectChecklistCompleted, err)
	}
	logger.Info("referral: subscribed to checklist completion events")
	return nil
}

func (h *EventHandler) handleChecklistCompleted(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.ChecklistCompletedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("unmarshal checklist completed: %w", err)
	}
	if data.InviteeID == uuid.Nil || data.ReferrerID == uuid.Nil {
		return fmt.Errorf("checklist completed event %s missing invitee or referrer", event.ID)
	}

	ctx = logger.ContextWithCorrelationID(ctx, event.ID)
	logger.WithContext(ctx).Info("referral: running pattern detection for completed checklist",
		zap.String("invitee_id", data.InviteeID.String()),
		zap.String("referrer_id", data.ReferrerID.String()),
	)

	h.service.CheckInvitee(ctx, data.InviteeID, data.ReferrerID)
	return nil
}
