package postgres

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/domain"
)

// --- Approval ---

func toApprovalModel(rec *approval.Record) (ApprovalModel, error) {
	req, err := json.Marshal(rec.Request)
	if err != nil {
		return ApprovalModel{}, fmt.Errorf("encoding approval request: %w", err)
	}
	m := ApprovalModel{
		ID:        rec.Request.ID,
		Device:    rec.Request.Device,
		UserID:    rec.Request.User,
		Status:    string(rec.Status),
		Token:     rec.Token,
		Request:   JSONB(req),
		CreatedAt: rec.Request.CreatedAt.UTC(),
		ExpiresAt: rec.Request.ExpiresAt.UTC(),
	}
	if m.Status == "" {
		m.Status = string(approval.StatusPending)
	}
	if rec.Decision != nil {
		d, err := json.Marshal(rec.Decision)
		if err != nil {
			return ApprovalModel{}, fmt.Errorf("encoding approval decision: %w", err)
		}
		m.Decision = JSONB(d)
	}
	if !rec.ResolvedAt.IsZero() {
		at := rec.ResolvedAt.UTC()
		m.ResolvedAt = &at
	}
	return m, nil
}

func toApprovalDomain(m *ApprovalModel) (*approval.Record, error) {
	rec := &approval.Record{
		Token:  m.Token,
		Status: approval.Status(m.Status),
	}
	if err := json.Unmarshal(m.Request, &rec.Request); err != nil {
		return nil, fmt.Errorf("decoding approval %s: %w", m.ID, err)
	}
	if len(m.Decision) > 0 {
		var d approval.Decision
		if err := json.Unmarshal(m.Decision, &d); err != nil {
			return nil, fmt.Errorf("decoding approval %s decision: %w", m.ID, err)
		}
		rec.Decision = &d
	}
	if m.ResolvedAt != nil {
		rec.ResolvedAt = m.ResolvedAt.UTC()
	}
	return rec, nil
}

// --- Audit ---

func toAuditModel(rec audit.Record) (AuditEventModel, error) {
	m := AuditEventModel{
		ID:            rec.ID,
		Action:        rec.Action,
		Device:        rec.Device,
		Command:       rec.Command,
		Success:       rec.Success,
		UserID:        rec.User,
		CorrelationID: rec.CorrelationID,
		PrevHash:      rec.PrevHash,
		Hash:          rec.Hash,
		Timestamp:     rec.Timestamp.UTC(),
	}
	if len(rec.Result) > 0 {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return AuditEventModel{}, fmt.Errorf("encoding audit result: %w", err)
		}
		m.Result = JSONB(b)
	}
	return m, nil
}

// toAuditDomain decodes numbers as json.Number so a re-computed hash sees the
// stored literal rather than a float64 rounding of it.
func toAuditDomain(m *AuditEventModel) (audit.Record, error) {
	rec := audit.Record{
		ID:            m.ID,
		Timestamp:     m.Timestamp.UTC(),
		Action:        m.Action,
		Device:        m.Device,
		Command:       m.Command,
		Success:       m.Success,
		User:          m.UserID,
		CorrelationID: m.CorrelationID,
		PrevHash:      m.PrevHash,
		Hash:          m.Hash,
	}
	if len(m.Result) > 0 {
		dec := json.NewDecoder(bytes.NewReader(m.Result))
		dec.UseNumber()
		if err := dec.Decode(&rec.Result); err != nil {
			return audit.Record{}, fmt.Errorf("decoding audit record %s: %w", m.ID, err)
		}
	}
	return rec, nil
}

// --- Device ---

func toDeviceModel(d *domain.Device) (DeviceModel, error) {
	aliases := d.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	a, err := json.Marshal(aliases)
	if err != nil {
		return DeviceModel{}, err
	}
	creds, err := json.Marshal(d.Credentials)
	if err != nil {
		return DeviceModel{}, err
	}
	tags := d.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	t, err := json.Marshal(tags)
	if err != nil {
		return DeviceModel{}, err
	}
	return DeviceModel{
		ID:          d.ID,
		Name:        d.Name,
		NameKey:     strings.ToLower(d.Name),
		Aliases:     JSONB(a),
		Hostname:    d.Hostname,
		CLIPort:     d.CLIPort,
		NetconfPort: d.NetconfPort,
		Platform:    d.Platform,
		Credentials: JSONB(creds),
		Tags:        JSONB(t),
		Disabled:    d.Disabled,
	}, nil
}

func toDeviceDomain(m *DeviceModel) (*domain.Device, error) {
	d := &domain.Device{
		ID:          m.ID,
		Name:        m.Name,
		Hostname:    m.Hostname,
		CLIPort:     m.CLIPort,
		NetconfPort: m.NetconfPort,
		Platform:    m.Platform,
		Disabled:    m.Disabled,
	}
	if len(m.Aliases) > 0 {
		if err := json.Unmarshal(m.Aliases, &d.Aliases); err != nil {
			return nil, fmt.Errorf("decoding device %s aliases: %w", m.Name, err)
		}
		if len(d.Aliases) == 0 {
			d.Aliases = nil
		}
	}
	if len(m.Credentials) > 0 {
		if err := json.Unmarshal(m.Credentials, &d.Credentials); err != nil {
			return nil, fmt.Errorf("decoding device %s credentials: %w", m.Name, err)
		}
	}
	if len(m.Tags) > 0 {
		if err := json.Unmarshal(m.Tags, &d.Tags); err != nil {
			return nil, fmt.Errorf("decoding device %s tags: %w", m.Name, err)
		}
		if len(d.Tags) == 0 {
			d.Tags = nil
		}
	}
	return d, nil
}
