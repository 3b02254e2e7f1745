package referral

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Signal names, used as metric labels and log fields.
const (
	signalPendingInvitees = "pending_invitees"
	signalSharedDevice    = "shared_device"
	signalSequentialEmail = "sequential_email"
	signalCadence         = "synchronized_cadence"
	signalChecklist       = "checklist"
	signalExactMinimum    = "exact_minimum_burst"
	signalLowEffort       = "low_effort_content"
	signalCoordinated     = "coordinated"
	signalTemplate        = "template"
)

// DetectorConfig holds detection thresholds
type DetectorConfig struct {
	Thresholds           Thresholds
	SequentialEmailCheck bool
	CadenceWindow        time.Duration
	CadenceRatio         float64
	TemplateSpan         time.Duration
	MaxLowEffortWords    int
}

// DefaultDetectorConfig returns the stock detection thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Thresholds:           DefaultThresholds(),
		SequentialEmailCheck: true,
		CadenceWindow:        5 * time.Minute,
		CadenceRatio:         0.5,
		TemplateSpan:         time.Hour,
		MaxLowEffortWords:    15,
	}
}

// Detector evaluates deterministic fraud rules over stored referral data.
// Every entry point fails open: lookup errors and panics are logged and
// reported as "not detected".
type Detector struct {
	store DetectionStore
	cfg   DetectorConfig
}

// NewDetector creates a detector
func NewDetector(store DetectionStore, cfg DetectorConfig) *Detector {
	return &Detector{store: store, cfg: cfg}
}

// RunPatternDetection runs both top-level checks concurrently and merges them.
func (d *Detector) RunPatternDetection(ctx context.Context, inviteeID, referrerID uuid.UUID) PatternResult {
	ctx, span := tracer.Start(ctx, "referral.RunPatternDetection", trace.WithAttributes(
		attribute.String("referral.invitee_id", inviteeID.String()),
		attribute.String("referral.referrer_id", referrerID.String()),
	))
	defer span.End()

	var coordinated, template bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coordinated = d.DetectCoordinatedFraud(gctx, referrerID)
		return nil
	})
	g.Go(func() error {
		template = d.MatchesFraudTemplate(gctx, inviteeID)
		return nil
	})
	_ = g.Wait()

	result := PatternResult{IsCoordinated: coordinated, MatchesTemplate: template}
	span.SetAttributes(
		attribute.Bool("referral.coordinated", result.IsCoordinated),
		attribute.Bool("referral.template", result.MatchesTemplate),
	)
	return result
}

// DetectCoordinatedFraud reports whether the referrer's pending invitees look
// controlled by one actor. Checks run in order and the first positive wins.
func (d *Detector) DetectCoordinatedFraud(ctx context.Context, referrerID uuid.UUID) (detected bool) {
	ctx, span := tracer.Start(ctx, "referral.DetectCoordinatedFraud")
	defer span.End()
	defer d.recoverTo(ctx, signalCoordinated, &detected)

	pending, err := d.store.ListPendingChecklists(ctx, referrerID)
	if err != nil {
		d.lookupFailed(ctx, signalPendingInvitees, referrerID, err)
		return false
	}
	if len(pending) < 2 {
		return false
	}

	invitees := make([]uuid.UUID, 0, len(pending))
	for _, c := range pending {
		invitees = append(invitees, c.InviteeID)
	}

	log := logger.WithContext(ctx).With(zap.String("referrer_id", referrerID.String()))

	detected = d.check(ctx, log, signalSharedDevice, func() bool {
		return d.sharedDevices(ctx, invitees)
	}) || (d.cfg.SequentialEmailCheck && d.check(ctx, log, signalSequentialEmail, func() bool {
		return d.sequentialEmails(ctx, invitees)
	})) || d.check(ctx, log, signalCadence, func() bool {
		return d.synchronizedCadence(ctx, invitees)
	})

	span.SetAttributes(attribute.Int("referral.pending_invitees", len(invitees)))
	return detected
}

// MatchesFraudTemplate reports whether the invitee's engagement matches a
// known minimum-effort automation pattern.
func (d *Detector) MatchesFraudTemplate(ctx context.Context, inviteeID uuid.UUID) (detected bool) {
	ctx, span := tracer.Start(ctx, "referral.MatchesFraudTemplate")
	defer span.End()
	defer d.recoverTo(ctx, signalTemplate, &detected)

	checklist, err := d.store.GetChecklist(ctx, inviteeID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.lookupFailed(ctx, signalChecklist, inviteeID, err)
		}
		return false
	}

	log := logger.WithContext(ctx).With(zap.String("invitee_id", inviteeID.String()))

	return d.check(ctx, log, signalExactMinimum, func() bool {
		return d.exactMinimumBurst(checklist)
	}) || d.check(ctx, log, signalLowEffort, func() bool {
		return d.lowEffortContent(ctx, inviteeID)
	})
}

// sharedDevices reports whether any two invitees have used the same device.
func (d *Detector) sharedDevices(ctx context.Context, invitees []uuid.UUID) bool {
	owner := make(map[string]uuid.UUID)
	for _, id := range invitees {
		devices, err := d.store.GetDeviceIDs(ctx, id)
		if err != nil {
			d.lookupFailed(ctx, signalSharedDevice, id, err)
			continue
		}
		for _, device := range devices {
			if prev, ok := owner[device]; ok && prev != id {
				return true
			}
			owner[device] = id
		}
	}
	return false
}

// sequentialEmails compares digit-stripped email local parts of invitees that
// are adjacent in list order, so runner7@ and runner9@ match.
func (d *Detector) sequentialEmails(ctx context.Context, invitees []uuid.UUID) bool {
	stems := make([]string, len(invitees))
	for i, id := range invitees {
		account, err := d.store.GetAccount(ctx, id)
		if err != nil {
			d.lookupFailed(ctx, signalSequentialEmail, id, err)
			continue
		}
		if account.Email != nil {
			stems[i] = emailStem(*account.Email)
		}
	}

	for i := 1; i < len(stems); i++ {
		if stems[i] != "" && stems[i] == stems[i-1] {
			return true
		}
	}
	return false
}

// emailStem lowercases the local part and drops its digits
func emailStem(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return r
	}, local)
}

// synchronizedCadence looks for two invitees whose activity timelines line up
// index by index within the cadence window.
func (d *Detector) synchronizedCadence(ctx context.Context, invitees []uuid.UUID) bool {
	timelines := make([][]time.Time, 0, len(invitees))
	for _, id := range invitees {
		activities, err := d.activitiesFor(ctx, id)
		if err != nil {
			d.lookupFailed(ctx, signalCadence, id, err)
			continue
		}
		if len(activities) == 0 {
			continue
		}
		timestamps := make([]time.Time, 0, len(activities))
		for _, a := range activities {
			timestamps = append(timestamps, a.CreatedAt)
		}
		slices.SortFunc(timestamps, func(a, b time.Time) int { return a.Compare(b) })
		timelines = append(timelines, timestamps)
	}

	for i := 0; i < len(timelines); i++ {
		for j := i + 1; j < len(timelines); j++ {
			if cadenceMatches(timelines[i], timelines[j], d.cfg.CadenceWindow, d.cfg.CadenceRatio) {
				return true
			}
		}
	}
	return false
}

// cadenceMatches aligns a and b by index up to the shorter length and reports
// whether more than ratio of the positions are within window of each other.
func cadenceMatches(a, b []time.Time, window time.Duration, ratio float64) bool {
	n := min(len(a), len(b))
	if n == 0 {
		return false
	}

	near := 0
	for k := 0; k < n; k++ {
		diff := a[k].Sub(b[k])
		if diff < 0 {
			diff = -diff
		}
		if diff < window {
			near++
		}
	}
	return float64(near) > ratio*float64(n)
}

// exactMinimumBurst matches counters sitting exactly on their thresholds with
// every sub-task completed inside one short session.
func (d *Detector) exactMinimumBurst(c *Checklist) bool {
	t := d.cfg.Thresholds
	if c.ForumPosts.Current != t.ForumPosts ||
		c.Interactions.Current != t.Interactions ||
		c.GroupMessages.Current != t.GroupMessages {
		return false
	}

	stamps := []*time.Time{
		c.ForumPosts.CompletedAt,
		c.Interactions.CompletedAt,
		c.GroupMessages.CompletedAt,
	}
	var earliest, latest time.Time
	for i, ts := range stamps {
		if ts == nil {
			return false
		}
		if i == 0 || ts.Before(earliest) {
			earliest = *ts
		}
		if i == 0 || ts.After(latest) {
			latest = *ts
		}
	}
	return latest.Sub(earliest) < d.cfg.TemplateSpan
}

// lowEffortContent matches an invitee with exactly the required number of
// forum posts, all of them short.
func (d *Detector) lowEffortContent(ctx context.Context, inviteeID uuid.UUID) bool {
	posts, err := d.activitiesFor(ctx, inviteeID)
	if err != nil {
		d.lookupFailed(ctx, signalLowEffort, inviteeID, err)
		return false
	}
	if len(posts) != d.cfg.Thresholds.ForumPosts {
		return false
	}
	for _, p := range posts {
		if len(strings.Fields(p.Body)) > d.cfg.MaxLowEffortWords {
			return false
		}
	}
	return true
}

func (d *Detector) activitiesFor(ctx context.Context, accountID uuid.UUID) ([]*Activity, error) {
	profileID, err := d.store.GetProfileID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	activities, err := d.store.GetActivities(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("load activities: %w", err)
	}
	return activities, nil
}

// check runs one signal inside its own recovery boundary.
func (d *Detector) check(ctx context.Context, log *zap.Logger, signal string, fn func() bool) (detected bool) {
	defer d.recoverTo(ctx, signal, &detected)

	if fn() {
		fraudSignalsTotal.WithLabelValues(signal).Inc()
		log.Info("fraud signal detected", zap.String("signal", signal))
		return true
	}
	return false
}

func (d *Detector) recoverTo(ctx context.Context, signal string, detected *bool) {
	if r := recover(); r != nil {
		*detected = false
		detectorErrorsTotal.WithLabelValues(signal).Inc()
		logger.WithContext(ctx).Error("fraud signal failed, treating as not detected",
			zap.String("signal", signal),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}

func (d *Detector) lookupFailed(ctx context.Context, signal string, accountID uuid.UUID, err error) {
	detectorErrorsTotal.WithLabelValues(signal).Inc()

	fields := []zap.Field{
		zap.String("signal", signal),
		zap.String("account_id", accountID.String()),
		zap.Error(err),
	}
	if errors.Is(err, ErrNotFound) {
		logger.WithContext(ctx).Warn("fraud detector input missing, signal degraded", fields...)
		return
	}
	logger.WithContext(ctx).Error("fraud detector lookup failed, signal degraded", fields...)
}
