// Package inventory resolves device names to inventory records. The sandbox only
// reads from it; records are owned by whoever loads the inventory.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/olav/internal/domain"
)

// Sentinel errors for inventory operations.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already exists")
)

// Provider is the read-only view the sandbox consumes.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Lookup resolves a device by name, alias, or ID (UUID string).
	// Performs case-insensitive matching on name and aliases. Disabled devices are not found.
	Lookup(ctx context.Context, query string) (*domain.Device, error)

	// List returns all enabled devices, optionally filtered by platform.
	List(ctx context.Context, platform string) ([]domain.Device, error)
}

// Store is a writable inventory.
type Store interface {
	Provider

	// Upsert creates the device or replaces the record with the same name.
	Upsert(ctx context.Context, d *domain.Device) error

	// Delete removes a device by name.
	Delete(ctx context.Context, name string) error
}

// Prepare validates a record and fills defaults before it is stored.
func Prepare(d *domain.Device) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return errors.New("device name is required")
	}
	if strings.TrimSpace(d.Hostname) == "" {
		return fmt.Errorf("device %q: hostname is required", d.Name)
	}
	if d.Platform == "" {
		return fmt.Errorf("device %q: platform is required", d.Name)
	}
	d.Platform = domain.NormalizePlatform(d.Platform)
	if d.CLIPort <= 0 {
		d.CLIPort = domain.DefaultCLIPort
	}
	if d.NetconfPort <= 0 {
		d.NetconfPort = domain.DefaultNetconfPort
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("olav/device/"+strings.ToLower(d.Name)))
	}
	return nil
}

// Matches reports whether d answers to query by ID, name or alias.
func Matches(d *domain.Device, query string) bool {
	if id, err := uuid.Parse(query); err == nil && d.ID == id {
		return true
	}
	if strings.EqualFold(d.Name, query) {
		return true
	}
	for _, alias := range d.Aliases {
		if strings.EqualFold(alias, query) {
			return true
		}
	}
	return false
}
