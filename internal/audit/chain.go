package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// hashPayload is exactly what is hashed. Result is re-encoded through a generic
// value so map keys are sorted at every depth and the hash is stable whether the
// record was built in memory or read back from storage.
type hashPayload struct {
	ID            string          `json:"id"`
	AtUnixMicro   int64           `json:"at_unix_micro"`
	Action        string          `json:"action"`
	Device        string          `json:"device"`
	Command       string          `json:"command"`
	Result        json.RawMessage `json:"result,omitempty"`
	Success       bool            `json:"success"`
	User          string          `json:"user,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	PrevHash      string          `json:"prev_hash,omitempty"`
}

func canonicalResult(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// ComputeHash returns the hex SHA-256 of the record's canonical form. The Hash field
// itself is not part of the input.
func ComputeHash(rec Record) (string, error) {
	res, err := canonicalResult(rec.Result)
	if err != nil {
		return "", fmt.Errorf("canonicalizing result: %w", err)
	}
	b, err := json.Marshal(hashPayload{
		ID:            rec.ID,
		AtUnixMicro:   rec.Timestamp.UnixMicro(),
		Action:        rec.Action,
		Device:        rec.Device,
		Command:       rec.Command,
		Result:        res,
		Success:       rec.Success,
		User:          rec.User,
		CorrelationID: rec.CorrelationID,
		PrevHash:      rec.PrevHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Chain links every record to its predecessor by hash before handing it to the
// next sink. Writes are serialized so the chain order matches the write order.
type Chain struct {
	mu   sync.Mutex
	next Sink
	prev string
	now  func() time.Time
}

// NewChain wraps next. When next implements Tailer the chain continues from its
// last record.
func NewChain(ctx context.Context, next Sink) (*Chain, error) {
	c := &Chain{next: next, now: time.Now}
	if t, ok := next.(Tailer); ok {
		last, err := t.LastHash(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading audit chain tail: %w", err)
		}
		c.prev = last
	}
	return c, nil
}

func (c *Chain) Write(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec = Fill(rec, c.now())
	rec.PrevHash = c.prev
	h, err := ComputeHash(rec)
	if err != nil {
		return err
	}
	rec.Hash = h
	if err := c.next.Write(ctx, rec); err != nil {
		return err
	}
	c.prev = h
	return nil
}

// VerifyError identifies the first record that breaks the chain.
type VerifyError struct {
	RecordID string
	Index    int
	Reason   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit verification failed: record=%s index=%d reason=%s", e.RecordID, e.Index, e.Reason)
}

// Verify checks the hash chain. It detects edited records (hash mismatch) as well as
// deleted, reordered or inserted records (prev hash mismatch). The first record
// must not point to a predecessor.
func Verify(records []Record) error {
	var prev string
	for i, rec := range records {
		if rec.PrevHash != prev {
			return &VerifyError{
				RecordID: rec.ID,
				Index:    i,
				Reason:   fmt.Sprintf("prev_hash mismatch (expected %s, got %s)", short(prev), short(rec.PrevHash)),
			}
		}
		want, err := ComputeHash(rec)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return &VerifyError{
				RecordID: rec.ID,
				Index:    i,
				Reason:   fmt.Sprintf("hash mismatch (expected %s, got %s)", short(want), short(rec.Hash)),
			}
		}
		prev = rec.Hash
	}
	return nil
}

func short(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10]
}
