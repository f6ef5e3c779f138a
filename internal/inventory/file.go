package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/olav/internal/domain"
)

// File is the on-disk inventory format:
//
//	devices:
//	  - name: R1
//	    hostname: 10.0.0.1
//	    platform: ios
//	    credentials:
//	      username: admin
//	      password: env://R1_PASSWORD
type File struct {
	Devices []domain.Device `json:"devices" yaml:"devices"`
}

// LoadFile reads a YAML or JSON inventory, chosen by file extension.
func LoadFile(path string) ([]domain.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Devices))
	for i := range f.Devices {
		if err := Prepare(&f.Devices[i]); err != nil {
			return nil, fmt.Errorf("inventory %s entry %d: %w", path, i, err)
		}
		key := strings.ToLower(f.Devices[i].Name)
		if seen[key] {
			return nil, fmt.Errorf("inventory %s: %w: %q", path, ErrDeviceExists, f.Devices[i].Name)
		}
		seen[key] = true
	}
	return f.Devices, nil
}

// NewFromFile loads path into a MemoryStore.
func NewFromFile(path string) (*MemoryStore, error) {
	devices, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(devices...)
}
