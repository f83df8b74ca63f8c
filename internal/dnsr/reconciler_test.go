package dnsr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
)

func writeReconcilerConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// Reconcile materializes the zone and key from config; removing the
// config entry tears both down again, on disk and in memory.
func TestReconcilerMaterializeAndTearDown(t *testing.T) {
	cfgDir := t.TempDir()
	tsigDir := filepath.Join(t.TempDir(), "keys")
	cfgPath := filepath.Join(cfgDir, "config.yml")

	writeReconcilerConfig(t, cfgPath, `
log:
  stderr: true
keys:
  key1:
    example.com.:
      mname: ns1.example.com.
      rname: admin.example.com.
`)

	zones := NewZoneTree()
	keys := NewKeyStore()
	rc := NewReconciler(cfgPath, tsigDir, zones, keys)

	if err := rc.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	zone, ok := zones.Get("_acme-challenge.example.com.")
	if !ok {
		t.Fatalf("expected zone _acme-challenge.example.com. to be materialized")
	}
	if soa, ok := zone.SOA(); !ok || soa.(*dns.SOA).Ns != "ns1.example.com." {
		t.Fatalf("expected SOA with mname ns1.example.com., got %+v", soa)
	}

	if _, ok := keys.Get("key1."); !ok {
		t.Fatalf("expected key1 to be in the KeyStore")
	}
	keyFilePath := filepath.Join(tsigDir, "key1")
	raw, err := os.ReadFile(keyFilePath)
	if err != nil {
		t.Fatalf("expected a generated key file on disk: %v", err)
	}
	k, _ := keys.Get("key1.")
	if string(raw) != k.Secret {
		t.Fatalf("expected the on-disk secret to match the KeyStore entry")
	}

	// Rewrite config to an empty key set.
	writeReconcilerConfig(t, cfgPath, "log:\n  stderr: true\nkeys: {}\n")
	if err := rc.Reconcile(); err != nil {
		t.Fatalf("Reconcile (empty): %v", err)
	}

	if _, ok := zones.Get("_acme-challenge.example.com."); ok {
		t.Fatalf("expected the zone to be removed once its domain left config")
	}
	if _, ok := keys.Get("key1."); ok {
		t.Fatalf("expected key1 to be evicted from the KeyStore")
	}
	if _, err := os.Stat(keyFilePath); !os.IsNotExist(err) {
		t.Fatalf("expected the key file to be deleted from disk")
	}
}

// A key file already present on disk is loaded, not regenerated.
func TestReconcilerLoadsExistingKeyFile(t *testing.T) {
	cfgDir := t.TempDir()
	tsigDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "config.yml")

	if err := os.WriteFile(filepath.Join(tsigDir, "key1"), []byte("c2VjcmV0"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	writeReconcilerConfig(t, cfgPath, `
log:
  stderr: true
keys:
  key1:
    example.com.:
      mname: ns1.example.com.
      rname: admin.example.com.
`)

	zones := NewZoneTree()
	keys := NewKeyStore()
	rc := NewReconciler(cfgPath, tsigDir, zones, keys)
	if err := rc.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	k, ok := keys.Get("key1.")
	if !ok || k.Secret != "c2VjcmV0" {
		t.Fatalf("expected the preexisting secret to be loaded unchanged, got %+v", k)
	}
}

// Retained domains with changed DomainInfo get remove-then-reinsert
// treatment, never a stale SOA.
func TestReconcilerReinsertsZoneOnDomainInfoChange(t *testing.T) {
	cfgDir := t.TempDir()
	tsigDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "config.yml")

	writeReconcilerConfig(t, cfgPath, `
log:
  stderr: true
keys:
  key1:
    example.com.:
      mname: ns1.example.com.
      rname: admin.example.com.
`)

	zones := NewZoneTree()
	keys := NewKeyStore()
	rc := NewReconciler(cfgPath, tsigDir, zones, keys)
	if err := rc.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	writeReconcilerConfig(t, cfgPath, `
log:
  stderr: true
keys:
  key1:
    example.com.:
      mname: ns2.example.com.
      rname: admin.example.com.
`)
	if err := rc.Reconcile(); err != nil {
		t.Fatalf("Reconcile (changed): %v", err)
	}

	zone, ok := zones.Get("_acme-challenge.example.com.")
	if !ok {
		t.Fatalf("expected the zone to still exist after a DomainInfo change")
	}
	soa, _ := zone.SOA()
	if soa.(*dns.SOA).Ns != "ns2.example.com." {
		t.Fatalf("expected the updated mname ns2.example.com., got %s", soa.(*dns.SOA).Ns)
	}
}

// A config parse failure retains the prior reconciled state.
func TestReconcilerRetainsStateOnParseFailure(t *testing.T) {
	cfgDir := t.TempDir()
	tsigDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "config.yml")

	writeReconcilerConfig(t, cfgPath, `
log:
  stderr: true
keys:
  key1:
    example.com.:
      mname: ns1.example.com.
      rname: admin.example.com.
`)

	zones := NewZoneTree()
	keys := NewKeyStore()
	rc := NewReconciler(cfgPath, tsigDir, zones, keys)
	if err := rc.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	writeReconcilerConfig(t, cfgPath, "not: [valid: yaml")
	if err := rc.Reconcile(); err == nil {
		t.Fatalf("expected the malformed config to produce an error")
	}

	if _, ok := zones.Get("_acme-challenge.example.com."); !ok {
		t.Fatalf("expected the prior zone to be retained after a parse failure")
	}
}
