package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/inventory"
)

// DeviceRepository implements inventory.Store with GORM.
type DeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a database-backed inventory.
func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) Lookup(ctx context.Context, query string) (*domain.Device, error) {
	query = strings.TrimSpace(query)
	var model DeviceModel

	// Try by UUID first.
	if id, err := uuid.Parse(query); err == nil {
		if err := r.db.WithContext(ctx).
			Where("disabled = ?", false).
			First(&model, "id = ?", id).Error; err == nil {
			return toDeviceDomain(&model)
		}
	}

	// Then by name (case-insensitive).
	err := r.db.WithContext(ctx).
		Where("disabled = ? AND name_key = ?", false, strings.ToLower(query)).
		First(&model).Error
	if err == nil {
		return toDeviceDomain(&model)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up device: %w", err)
	}

	// Aliases live in a JSON array; matching them in Go keeps the query portable
	// between SQLite and PostgreSQL.
	devices, err := r.List(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if inventory.Matches(&devices[i], query) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", inventory.ErrDeviceNotFound, query)
}

func (r *DeviceRepository) List(ctx context.Context, platform string) ([]domain.Device, error) {
	q := r.db.WithContext(ctx).Where("disabled = ?", false)
	if p := domain.NormalizePlatform(platform); p != "" {
		q = q.Where("platform = ?", p)
	}
	var models []DeviceModel
	if err := q.Order("name_key ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	devices := make([]domain.Device, 0, len(models))
	for i := range models {
		d, err := toDeviceDomain(&models[i])
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, nil
}

// Upsert creates the device or replaces the row with the same name. An alias that
// already names another device is rejected.
func (r *DeviceRepository) Upsert(ctx context.Context, d *domain.Device) error {
	if err := inventory.Prepare(d); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var others []DeviceModel
		if err := tx.Where("name_key <> ?", strings.ToLower(d.Name)).Find(&others).Error; err != nil {
			return fmt.Errorf("checking aliases: %w", err)
		}
		for i := range others {
			existing, err := toDeviceDomain(&others[i])
			if err != nil {
				return err
			}
			for _, alias := range d.Aliases {
				if inventory.Matches(existing, alias) {
					return fmt.Errorf("%w: alias %q already used by %q", inventory.ErrDeviceExists, alias, existing.Name)
				}
			}
		}

		var current DeviceModel
		err := tx.Where("name_key = ?", strings.ToLower(d.Name)).First(&current).Error
		switch {
		case err == nil:
			d.ID = current.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("loading device %q: %w", d.Name, err)
		}

		model, err := toDeviceModel(d)
		if err != nil {
			return fmt.Errorf("encoding device %q: %w", d.Name, err)
		}
		if current.ID != uuid.Nil {
			model.CreatedAt = current.CreatedAt
			if err := tx.Save(&model).Error; err != nil {
				return fmt.Errorf("updating device %q: %w", d.Name, err)
			}
			return nil
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("creating device %q: %w", d.Name, err)
		}
		return nil
	})
}

func (r *DeviceRepository) Delete(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).
		Delete(&DeviceModel{}, "name_key = ?", strings.ToLower(strings.TrimSpace(name)))
	if result.Error != nil {
		return fmt.Errorf("deleting device %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %q", inventory.ErrDeviceNotFound, name)
	}
	return nil
}

var _ inventory.Store = (*DeviceRepository)(nil)
