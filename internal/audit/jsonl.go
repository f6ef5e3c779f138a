package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// JSONLSink writes audit records as append-only JSONL.
// Each record is a single JSON line followed by a newline.
type JSONLSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// NewJSONLSink opens (or creates) the audit log in append-only mode with 0600 permissions.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLSink{path: path, file: f, logger: logger}, nil
}

// Write serializes the record and appends it. Marshal happens outside the lock;
// only the file write is serialized.
func (s *JSONLSink) Write(ctx context.Context, rec Record) error {
	rec = Fill(rec, time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, writeErr := s.file.Write(data)
	s.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit record: %w", writeErr)
	}

	s.logger.DebugContext(ctx, "audit record written",
		slog.String("action", rec.Action),
		slog.String("device", rec.Device),
		slog.Bool("success", rec.Success),
		slog.String("correlation_id", rec.CorrelationID),
	)
	return nil
}

// LastHash returns the hash of the final record in the file.
func (s *JSONLSink) LastHash(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := ReadJSONL(s.path)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}
	return recs[len(recs)-1].Hash, nil
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadJSONL loads every record from an audit log. A missing file yields no records.
func ReadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("audit log %s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log %s: %w", path, err)
	}
	return out, nil
}
