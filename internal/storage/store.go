// Package storage defines the Store interface that abstracts olav's persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/inventory"
)

// Driver names accepted in storage.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store gives access to the persisted sub-stores. Both backends implement it.
type Store interface {
	Approvals() approval.Store
	Audit() AuditStore
	Devices() inventory.Store

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}

// AuditStore is the database audit sink. It continues the hash chain across
// restarts and reads records back in write order for verification.
type AuditStore interface {
	audit.Sink
	audit.Tailer
	List(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
}
