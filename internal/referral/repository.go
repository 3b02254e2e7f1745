package referral

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richxcame/referral-integrity/pkg/database"
)

// DB is the subset of *pgxpool.Pool the repository uses
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository handles referral data access
type Repository struct {
	db DB
}

// NewRepository creates a new referral repository
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// ========================================
// REFERRAL CODES
// ========================================

// ActiveCodeExists reports whether code is held by an active referral code
func (r *Repository) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM referral_codes WHERE code = $1 AND is_active)`,
		code,
	).Scan(&exists)
	return exists, err
}

// GetActiveCodeByOwner returns the owner's active code
func (r *Repository) GetActiveCodeByOwner(ctx context.Context, ownerID uuid.UUID) (*ReferralCode, error) {
	query := `
		SELECT code, owner_id, is_active, created_at, total_redemptions, last_used_at
		FROM referral_codes
		WHERE owner_id = $1 AND is_active
	`

	rc := &ReferralCode{}
	err := r.db.QueryRow(ctx, query, ownerID).Scan(
		&rc.Code, &rc.OwnerID, &rc.IsActive, &rc.CreatedAt,
		&rc.TotalRedemptions, &rc.LastUsedAt,
	)
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// CreateCodeWithStats inserts the code and the owner's stats row in one
// transaction. An existing stats row from a retired code is kept.
func (r *Repository) CreateCodeWithStats(ctx context.Context, code *ReferralCode) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	codeQuery := `
		INSERT INTO referral_codes (
			code, owner_id, is_active, created_at, total_redemptions, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.Exec(ctx, codeQuery,
		code.Code, code.OwnerID, code.IsActive, code.CreatedAt,
		code.TotalRedemptions, code.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert referral code: %w", err)
	}

	statsQuery := `
		INSERT INTO referral_stats (referrer_id, updated_at)
		VALUES ($1, $2)
		ON CONFLICT (referrer_id) DO NOTHING
	`
	if _, err = tx.Exec(ctx, statsQuery, code.OwnerID, code.CreatedAt); err != nil {
		return fmt.Errorf("insert referral stats: %w", err)
	}

	return tx.Commit(ctx)
}

// RetireCode deactivates an active code, keeping its history
func (r *Repository) RetireCode(ctx context.Context, code string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE referral_codes SET is_active = FALSE WHERE code = $1 AND is_active`,
		code,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats returns a referrer's aggregate counters
func (r *Repository) GetStats(ctx context.Context, referrerID uuid.UUID) (*Stats, error) {
	query := `
		SELECT referrer_id, total_referred, total_verified, total_paid_conversions,
			   pending_verifications, blocked_referrals, reward_units, last_reward_at, updated_at
		FROM referral_stats
		WHERE referrer_id = $1
	`

	s := &Stats{}
	err := r.db.QueryRow(ctx, query, referrerID).Scan(
		&s.ReferrerID, &s.TotalReferred, &s.TotalVerified, &s.TotalPaidConversions,
		&s.PendingVerifications, &s.BlockedReferrals, &s.Rewards.Units, &s.Rewards.LastRewardAt,
		&s.UpdatedAt,
	)
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ========================================
// DETECTION INPUTS
// ========================================

// ListPendingChecklists returns the referrer's pending invitees, oldest first
func (r *Repository) ListPendingChecklists(ctx context.Context, referrerID uuid.UUID) ([]*Checklist, error) {
	query := `
		SELECT invitee_id, referrer_id, status,
			   forum_posts_current, forum_posts_completed_at,
			   interactions_current, interactions_completed_at,
			   group_messages_current, group_messages_completed_at,
			   created_at, updated_at
		FROM referral_checklists
		WHERE referrer_id = $1 AND status = $2
		ORDER BY created_at, invitee_id
	`

	rows, err := r.db.Query(ctx, query, referrerID, ChecklistPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checklists []*Checklist
	for rows.Next() {
		c := &Checklist{}
		if err := rows.Scan(
			&c.InviteeID, &c.ReferrerID, &c.Status,
			&c.ForumPosts.Current, &c.ForumPosts.CompletedAt,
			&c.Interactions.Current, &c.Interactions.CompletedAt,
			&c.GroupMessages.Current, &c.GroupMessages.CompletedAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		checklists = append(checklists, c)
	}
	return checklists, rows.Err()
}

// GetChecklist returns the invitee's verification checklist
func (r *Repository) GetChecklist(ctx context.Context, inviteeID uuid.UUID) (*Checklist, error) {
	query := `
		SELECT invitee_id, referrer_id, status,
			   forum_posts_current, forum_posts_completed_at,
			   interactions_current, interactions_completed_at,
			   group_messages_current, group_messages_completed_at,
			   created_at, updated_at
		FROM referral_checklists
		WHERE invitee_id = $1
	`

	c := &Checklist{}
	err := r.db.QueryRow(ctx, query, inviteeID).Scan(
		&c.InviteeID, &c.ReferrerID, &c.Status,
		&c.ForumPosts.Current, &c.ForumPosts.CompletedAt,
		&c.Interactions.Current, &c.Interactions.CompletedAt,
		&c.GroupMessages.Current, &c.GroupMessages.CompletedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetAccount returns the identity fields of an account
func (r *Repository) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	a := &Account{}
	err := r.db.QueryRow(ctx,
		`SELECT id, display_name, email FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&a.ID, &a.DisplayName, &a.Email)
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetDeviceIDs returns every device id seen for an account
func (r *Repository) GetDeviceIDs(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT device_id FROM account_devices WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var device string
		if err := rows.Scan(&device); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// GetProfileID resolves the social profile of an account
func (r *Repository) GetProfileID(ctx context.Context, accountID uuid.UUID) (uuid.UUID, error) {
	var profileID uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM profiles WHERE account_id = $1`,
		accountID,
	).Scan(&profileID)
	if database.IsNoRows(err) {
		return uuid.Nil, ErrNotFound
	}
	return profileID, err
}

// GetActivities returns a profile's forum posts in ascending creation order
func (r *Repository) GetActivities(ctx context.Context, profileID uuid.UUID) ([]*Activity, error) {
	query := `
		SELECT p.account_id, f.created_at, f.body
		FROM forum_posts f
		JOIN profiles p ON p.id = f.author_profile_id
		WHERE f.author_profile_id = $1
		ORDER BY f.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.AuthorID, &a.CreatedAt, &a.Body); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}
