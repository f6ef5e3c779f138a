package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// Value stores the document as text so both drivers keep it verbatim.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", src)
	}
	return nil
}

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Device     string    `gorm:"not null;index"`
	UserID     string    `gorm:"not null;default:''"`
	Status     string    `gorm:"not null;index"`
	Token      string    `gorm:"type:text;not null"`
	Request    JSONB     `gorm:"type:jsonb;not null"`
	Decision   JSONB     `gorm:"type:jsonb"`
	CreatedAt  time.Time `gorm:"index"`
	ExpiresAt  time.Time `gorm:"index"`
	ResolvedAt *time.Time
}

func (ApprovalModel) TableName() string { return "approvals" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only. Seq preserves write
// order, which the hash chain depends on.
type AuditEventModel struct {
	Seq           int64     `gorm:"primaryKey;autoIncrement"`
	ID            string    `gorm:"not null;uniqueIndex"`
	Action        string    `gorm:"not null;index"`
	Device        string    `gorm:"not null;index"`
	Command       string    `gorm:"type:text;not null;default:''"`
	Result        JSONB     `gorm:"type:jsonb"`
	Success       bool      `gorm:"not null"`
	UserID        string    `gorm:"not null;default:''"`
	CorrelationID string    `gorm:"index"`
	PrevHash      string    `gorm:"not null;default:''"`
	Hash          string    `gorm:"not null;default:''"`
	Timestamp     time.Time `gorm:"column:recorded_at;not null;index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// DeviceModel maps to the "devices" table.
type DeviceModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null"`
	NameKey     string    `gorm:"not null;uniqueIndex"` // lower-cased name
	Aliases     JSONB     `gorm:"type:jsonb;not null"`
	Hostname    string    `gorm:"not null"`
	CLIPort     int       `gorm:"not null;default:22"`
	NetconfPort int       `gorm:"not null;default:830"`
	Platform    string    `gorm:"not null;index"`
	Credentials JSONB     `gorm:"type:jsonb;not null"`
	Tags        JSONB     `gorm:"type:jsonb;not null"`
	Disabled    bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DeviceModel) TableName() string { return "devices" }

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&ApprovalModel{},
		&AuditEventModel{},
		&DeviceModel{},
	}
}
