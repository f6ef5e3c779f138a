package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/olav/internal/domain"
)

// MemoryStore is a thread-safe in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device // keyed by lower-cased name
}

// NewMemoryStore creates an in-memory inventory holding devices.
func NewMemoryStore(devices ...domain.Device) (*MemoryStore, error) {
	s := &MemoryStore{devices: make(map[string]*domain.Device)}
	for i := range devices {
		if err := s.Upsert(context.Background(), &devices[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryStore) Lookup(_ context.Context, query string) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.TrimSpace(query)
	if d, ok := s.devices[strings.ToLower(query)]; ok && !d.Disabled {
		cp := *d
		return &cp, nil
	}
	for _, d := range s.devices {
		if !d.Disabled && Matches(d, query) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, query)
}

func (s *MemoryStore) List(_ context.Context, platform string) ([]domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	platform = domain.NormalizePlatform(platform)
	var result []domain.Device
	for _, d := range s.devices {
		if d.Disabled {
			continue
		}
		if platform != "" && d.Platform != platform {
			continue
		}
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) Upsert(_ context.Context, d *domain.Device) error {
	if err := Prepare(d); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(d.Name)
	for k, existing := range s.devices {
		if k == key {
			continue
		}
		for _, alias := range d.Aliases {
			if Matches(existing, alias) {
				return fmt.Errorf("%w: alias %q already used by %q", ErrDeviceExists, alias, existing.Name)
			}
		}
	}
	cp := *d
	s.devices[key] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := s.devices[key]; !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	delete(s.devices, key)
	return nil
}
