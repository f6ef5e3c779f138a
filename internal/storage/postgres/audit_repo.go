package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/olav/internal/audit"
)

// AuditRepository stores audit records in the audit_events table.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Write inserts a single record.
func (r *AuditRepository) Write(ctx context.Context, rec audit.Record) error {
	model, err := toAuditModel(audit.Fill(rec, time.Now()))
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// LastHash returns the hash of the most recently written record.
func (r *AuditRepository) LastHash(ctx context.Context) (string, error) {
	var model AuditEventModel
	err := r.db.WithContext(ctx).Order("seq DESC").Limit(1).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading audit tail: %w", err)
	}
	return model.Hash, nil
}

// List returns records in write order. With a Limit, the most recent matching
// records are returned, still oldest first.
func (r *AuditRepository) List(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	q := r.db.WithContext(ctx)
	if f.Device != "" {
		q = q.Where("LOWER(device) = LOWER(?)", f.Device)
	}
	if f.User != "" {
		q = q.Where("user_id = ?", f.User)
	}
	if f.CorrelationID != "" {
		q = q.Where("correlation_id = ?", f.CorrelationID)
	}
	if !f.Since.IsZero() {
		q = q.Where("recorded_at >= ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Order("seq DESC").Limit(f.Limit)
	} else {
		q = q.Order("seq ASC")
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	if f.Limit > 0 {
		for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
			models[i], models[j] = models[j], models[i]
		}
	}

	out := make([]audit.Record, 0, len(models))
	for i := range models {
		rec, err := toAuditDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
