package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/inventory"
	"github.com/jkaninda/olav/internal/storage"
)

// Repositories bundles the repositories over one *gorm.DB. Both backends embed it,
// so the SQLite store runs exactly the same queries through its own dialector.
type Repositories struct {
	db        *gorm.DB
	approvals *ApprovalRepository
	audit     *AuditRepository
	devices   *DeviceRepository
}

// NewRepositories builds every repository over db.
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		db:        db,
		approvals: NewApprovalRepository(db),
		audit:     NewAuditRepository(db),
		devices:   NewDeviceRepository(db),
	}
}

func (r Repositories) Approvals() approval.Store { return r.approvals }
func (r Repositories) Audit() storage.AuditStore { return r.audit }
func (r Repositories) Devices() inventory.Store { return r.devices }
func (r Repositories) Ping(ctx context.Context) error { return ping(ctx, r.db) }

// Migrate creates or updates the olav tables.
func (r Repositories) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(Models()...)
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	Repositories
	pgDB *DB
}

// NewStore wraps an open DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{Repositories: NewRepositories(pgDB.GormDB()), pgDB: pgDB}
}

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
