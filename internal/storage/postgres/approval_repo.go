package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/olav/internal/approval"
)

// ApprovalRepository implements approval.Store with GORM.
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates an ApprovalRepository.
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create persists a new approval record.
func (r *ApprovalRepository) Create(ctx context.Context, rec *approval.Record) error {
	model, err := toApprovalModel(rec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

// Get retrieves an approval by ID. Expiry is not applied here; the gate decides
// what an expired pending record means.
func (r *ApprovalRepository) Get(ctx context.Context, id uuid.UUID) (*approval.Record, error) {
	var model ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return toApprovalDomain(&model)
}

// Resolve transitions a pending approval inside a transaction. The status guard in
// the UPDATE makes concurrent resolvers race safely: exactly one sees a row change.
func (r *ApprovalRepository) Resolve(ctx context.Context, id uuid.UUID, status approval.Status, d *approval.Decision, at time.Time) error {
	updates := map[string]any{
		"status":      string(status),
		"resolved_at": at.UTC(),
	}
	if d != nil {
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding approval decision: %w", err)
		}
		updates["decision"] = JSONB(b)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, string(approval.StatusPending)).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("resolving approval: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}

		var count int64
		if err := tx.Model(&ApprovalModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return approval.ErrNotFound
		}
		return approval.ErrAlreadyResolved
	})
}

// List returns approvals with the given status (all when empty), oldest first.
func (r *ApprovalRepository) List(ctx context.Context, status approval.Status) ([]approval.Record, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var models []ApprovalModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	out := make([]approval.Record, 0, len(models))
	for i := range models {
		rec, err := toApprovalDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ExpireOld bulk-updates status to expired for all pending rows past expires_at.
func (r *ApprovalRepository) ExpireOld(ctx context.Context, now time.Time) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&ApprovalModel{}).
		Where("status = ? AND expires_at < ?", string(approval.StatusPending), now.UTC()).
		Updates(map[string]any{
			"status":      string(approval.StatusExpired),
			"resolved_at": now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("expiring approvals: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// DeleteResolved removes terminal rows created before the cutoff.
func (r *ApprovalRepository) DeleteResolved(ctx context.Context, before time.Time) (int, error) {
	res := r.db.WithContext(ctx).
		Where("status <> ? AND created_at < ?", string(approval.StatusPending), before.UTC()).
		Delete(&ApprovalModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting resolved approvals: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

var _ approval.Store = (*ApprovalRepository)(nil)
