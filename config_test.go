package mesh

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOverlaysDefinedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.toml")
	data := `
segment_retry_limit = 7
ack_delay = "200ms"
provisioning_timeout = "2m"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	def := DefaultConfig()
	if cfg.SegmentRetryLimit != 7 {
		t.Fatalf("expected retry limit 7, got %d", cfg.SegmentRetryLimit)
	}
	if cfg.AckDelay != 200*time.Millisecond {
		t.Fatalf("expected ack delay 200ms, got %v", cfg.AckDelay)
	}
	if cfg.ProvisioningTimeout != 2*time.Minute {
		t.Fatalf("expected provisioning timeout 2m, got %v", cfg.ProvisioningTimeout)
	}
	if cfg.ReassemblyTimeout != def.ReassemblyTimeout {
		t.Fatalf("undefined key changed: %v", cfg.ReassemblyTimeout)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.toml")
	if err := os.WriteFile(path, []byte(`reassembly_timeout = "1s"`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected short reassembly timeout to be rejected")
	}

	if err := os.WriteFile(path, []byte(`ack_delay = "soon"`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected unparsable duration to be rejected")
	}
}

func TestOptionsApply(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Apply(OptSegmentRetry(time.Second, 2), OptDefaultTTL(9))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SegmentRetryLimit != 2 || cfg.SegmentRetransmitInterval != time.Second || cfg.DefaultTTL != 9 {
		t.Fatalf("options not applied: %+v", cfg)
	}

	if err := cfg.Apply(OptDefaultTTL(1)); err == nil {
		t.Fatal("ttl 1 must be rejected")
	}
}

func TestAddressClasses(t *testing.T) {
	cases := []struct {
		a                       Address
		unicast, group, virtual bool
	}{
		{0x0001, true, false, false},
		{0x7FFF, true, false, false},
		{0x0000, false, false, false},
		{0x8000, false, false, true},
		{0xB529, false, false, true},
		{0xC000, false, true, false},
		{AllNodes, false, true, false},
	}
	for _, c := range cases {
		if c.a.IsUnicast() != c.unicast || c.a.IsGroup() != c.group || c.a.IsVirtual() != c.virtual {
			t.Fatalf("%s: unicast=%v group=%v virtual=%v", c.a, c.a.IsUnicast(), c.a.IsGroup(), c.a.IsVirtual())
		}
	}

	a, err := ParseAddress("0x1201")
	if err != nil || a != 0x1201 {
		t.Fatalf("parse: %v %v", a, err)
	}
}

func TestNodeOverlap(t *testing.T) {
	a := &Node{Address: 0x0010, Elements: make([]Element, 3)}
	b := &Node{Address: 0x0012}
	c := &Node{Address: 0x0013}
	if !a.Overlaps(b) {
		t.Fatal("0x0010-0x0012 overlaps 0x0012")
	}
	if a.Overlaps(c) {
		t.Fatal("0x0010-0x0012 does not overlap 0x0013")
	}
	if !a.Owns(0x0011) || a.Owns(0x0013) {
		t.Fatal("owns range wrong")
	}
}
