package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/olav/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const yamlInventory = `
devices:
  - name: R1
    aliases: [core-1, edge]
    hostname: 10.0.0.1
    platform: ios
    credentials:
      username: admin
      password: env://R1_PASSWORD
  - name: SW1
    hostname: sw1.lab
    platform: eos
    netconf_port: 8830
  - name: OLD
    hostname: 10.0.0.9
    platform: junos
    disabled: true
`

func TestLoadFile_YAML(t *testing.T) {
	devices, err := LoadFile(writeFile(t, "inv.yaml", yamlInventory))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices", len(devices))
	}
	r1 := devices[0]
	if r1.Platform != "cisco_ios" || r1.CLIPort != 22 || r1.NetconfPort != 830 {
		t.Errorf("defaults not applied: %+v", r1)
	}
	if r1.Credentials.Password != "env://R1_PASSWORD" {
		t.Errorf("credential reference must be kept verbatim, got %q", r1.Credentials.Password)
	}
	if devices[1].NetconfAddr() != "sw1.lab:8830" {
		t.Errorf("NetconfAddr = %s", devices[1].NetconfAddr())
	}
	if r1.ID == devices[1].ID {
		t.Error("device IDs must be distinct")
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "inv.json", `{"devices":[{"name":"R2","hostname":"10.0.0.2","platform":"nxos"}]}`)
	devices, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if devices[0].Platform != "cisco_nxos" {
		t.Errorf("platform = %s", devices[0].Platform)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing hostname": "devices:\n  - name: R1\n    platform: ios\n",
		"missing platform": "devices:\n  - name: R1\n    hostname: 10.0.0.1\n",
		"duplicate":        "devices:\n  - {name: R1, hostname: a, platform: ios}\n  - {name: r1, hostname: b, platform: ios}\n",
		"bad yaml":         "devices: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeFile(t, "inv.yaml", content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMemoryStore_Lookup(t *testing.T) {
	store, err := NewFromFile(writeFile(t, "inv.yaml", yamlInventory))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, q := range []string{"R1", "r1", "CORE-1", " edge "} {
		d, err := store.Lookup(ctx, q)
		if err != nil || d.Name != "R1" {
			t.Errorf("Lookup(%q) = %v, %v", q, d, err)
		}
	}

	r1, _ := store.Lookup(ctx, "R1")
	if byID, err := store.Lookup(ctx, r1.ID.String()); err != nil || byID.Name != "R1" {
		t.Errorf("lookup by id: %v", err)
	}

	if _, err := store.Lookup(ctx, "OLD"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("disabled device: %v", err)
	}
	if _, err := store.Lookup(ctx, "R9"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device: %v", err)
	}

	// Returned records are copies.
	r1.Hostname = "mutated"
	again, _ := store.Lookup(ctx, "R1")
	if again.Hostname != "10.0.0.1" {
		t.Error("store record was mutated through a lookup result")
	}
}

func TestMemoryStore_ListUpsertDelete(t *testing.T) {
	store, err := NewFromFile(writeFile(t, "inv.yaml", yamlInventory))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Name != "R1" || all[1].Name != "SW1" {
		t.Errorf("List = %v", all)
	}
	eos, _ := store.List(ctx, "eos")
	if len(eos) != 1 || eos[0].Name != "SW1" {
		t.Errorf("List(eos) = %v", eos)
	}

	clash := &domain.Device{Name: "R3", Hostname: "10.0.0.3", Platform: "ios", Aliases: []string{"core-1"}}
	if err := store.Upsert(ctx, clash); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("alias clash: %v", err)
	}

	update := &domain.Device{Name: "r1", Hostname: "10.0.0.11", Platform: "ios"}
	if err := store.Upsert(ctx, update); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if d, _ := store.Lookup(ctx, "R1"); d.Hostname != "10.0.0.11" {
		t.Errorf("upsert did not replace: %s", d.Hostname)
	}

	if err := store.Delete(ctx, "SW1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "SW1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second delete: %v", err)
	}
}
