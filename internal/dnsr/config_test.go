package dnsr

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

const validConfigYAML = `
log:
  stderr: true
keys:
  /etc/dnsr/keys/acme-key.key:
    example.com.:
      mname: ns1.example.com.
      rname: hostmaster.example.com.
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigValid(t *testing.T) {
	path := writeTempConfig(t, validConfigYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	domains, ok := cfg.Keys["/etc/dnsr/keys/acme-key.key"]
	if !ok {
		t.Fatalf("expected the acme-key.key entry to be present")
	}
	info, ok := domains["example.com."]
	if !ok || info.Mname != "ns1.example.com." {
		t.Fatalf("expected example.com. domain info, got %+v", domains)
	}
}

func TestLoadConfigRejectsMissingMname(t *testing.T) {
	path := writeTempConfig(t, `
log:
  stderr: true
keys:
  /etc/dnsr/keys/acme-key.key:
    example.com.:
      rname: hostmaster.example.com.
`)

	_, err := LoadConfig(path)
	if err == nil || KindOf(err) != KindConfigParse {
		t.Fatalf("expected KindConfigParse for a missing required field, got %v", err)
	}
}

func TestConfigFilePathPrecedence(t *testing.T) {
	t.Setenv(EnvConfigFile, "/from/env.yml")
	if got := ConfigFilePath("/from/flag.yml"); got != "/from/flag.yml" {
		t.Fatalf("expected explicit flag to win, got %s", got)
	}
	if got := ConfigFilePath(""); got != "/from/env.yml" {
		t.Fatalf("expected env var to win over the default, got %s", got)
	}
}

func TestNormalizeDomainStripsAcmeChallenge(t *testing.T) {
	if got := normalizeDomain("_acme-challenge.example.com"); got != "example.com." {
		t.Fatalf("expected example.com., got %s", got)
	}
	if got := normalizeDomain("example.com"); got != "example.com." {
		t.Fatalf("expected example.com. unchanged aside from fqdn, got %s", got)
	}
}

// A Config marshalled back to YAML loads to the same value, dotted domain
// map keys included.
func TestLoadConfigRoundTrip(t *testing.T) {
	want := Config{
		Log: LogConfig{Stderr: true, Level: "debug"},
		Keys: map[string]map[string]DomainInfo{
			"acme-key": {
				"example.com.": {Mname: "ns1.example.com.", Rname: "hostmaster.example.com."},
				"example.org.": {Mname: "ns1.example.org.", Rname: "hostmaster.example.org."},
			},
		},
	}

	body, err := yaml.Marshal(want)
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}
	path := writeTempConfig(t, string(body))

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", *got, want)
	}
}
