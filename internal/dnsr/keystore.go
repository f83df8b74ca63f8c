package dnsr

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// TsigAlgorithm is the only algorithm this server accepts for TSIG keys:
// HMAC-SHA512, encoded per RFC 8945 §6.
const TsigAlgorithm = dns.HmacSHA512

// Key is one TSIG key file's material plus the set of domains it is
// authorized to update.
type Key struct {
	Name      string   // key name, e.g. "acme-key."
	File      string   // on-disk file label, exactly as configured
	Secret    string   // base64, as dns.Server.TsigSecret / dns.TsigGenerate expect
	Algorithm string   // dns.HmacSHA512
	Domains   []string // fully-qualified, lower-case, the key may update
}

// authorizes reports whether the key is scoped to domain, after stripping
// an _acme-challenge. prefix, so a key bound to example.com may update its
// ACME challenge name.
func (k Key) authorizes(domain string) bool {
	domain = normalizeDomain(domain)
	for _, d := range k.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// KeyStore holds every TSIG key this server trusts, keyed by key name.
// Like ZoneTree, it is an explicit handle rather than a package-level
// global. Key names are stored fully-qualified, lower-case; a key's
// Domains set is never empty once inserted.
type KeyStore struct {
	keys cmap.ConcurrentMap[string, Key]
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: cmap.New[Key]()}
}

func (ks *KeyStore) Get(name string) (Key, bool) {
	return ks.keys.Get(strings.ToLower(dnsFQDN(name)))
}

// Add inserts or replaces a key. Keys with no authorized domains are
// rejected.
func (ks *KeyStore) Add(k Key) error {
	if len(k.Domains) == 0 {
		return wrapErr("KeyStore.Add", KindTsigKey, fmt.Errorf("key %s has no authorized domains", k.Name))
	}
	k.Name = strings.ToLower(dnsFQDN(k.Name))
	for i, d := range k.Domains {
		k.Domains[i] = strings.ToLower(dnsFQDN(d))
	}
	ks.keys.Set(k.Name, k)
	return nil
}

func (ks *KeyStore) Remove(name string) {
	ks.keys.Remove(strings.ToLower(dnsFQDN(name)))
}

func (ks *KeyStore) Names() []string {
	return ks.keys.Keys()
}

// Secrets returns the flat name -> base64-secret map that
// dns.Server.TsigSecret and dns.TsigGenerate/dns.TsigVerify expect.
func (ks *KeyStore) Secrets() map[string]string {
	out := make(map[string]string, ks.keys.Count())
	for _, name := range ks.keys.Keys() {
		if k, ok := ks.keys.Get(name); ok {
			out[name] = k.Secret
		}
	}
	return out
}

// LoadKeyFile reads one TSIG key file (base64 text) from disk and builds
// the Key entry it authorizes. The key name is the key file's label, passed
// in separately from path so a label containing a dot is never mistaken for
// a file extension.
func LoadKeyFile(name, path string, domains map[string]DomainInfo) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Key{}, wrapErr("LoadKeyFile", KindTsigFileNotFound, err)
		}
		return Key{}, wrapErr("LoadKeyFile", KindIO, err)
	}

	secret := strings.TrimSpace(string(raw))
	if _, err := base64.StdEncoding.DecodeString(secret); err != nil {
		return Key{}, wrapErr("LoadKeyFile", KindBase64, fmt.Errorf("%s: %w", path, err))
	}

	doms := make([]string, 0, len(domains))
	for d := range domains {
		doms = append(doms, d)
	}

	return Key{
		Name:      strings.ToLower(dnsFQDN(name)),
		File:      name,
		Secret:    secret,
		Algorithm: TsigAlgorithm,
		Domains:   doms,
	}, nil
}

// GenerateSecret produces a fresh base64 TSIG secret from 64 random bytes,
// the HMAC-SHA512 digest size RFC 8945 recommends as a minimum key length.
func GenerateSecret(random []byte) (string, error) {
	if len(random) != 64 {
		return "", wrapErr("GenerateSecret", KindCrypto, fmt.Errorf("need 64 random bytes, got %d", len(random)))
	}
	return base64.StdEncoding.EncodeToString(random), nil
}

// MaterializeKeyFile loads or creates one key's material: if tsigDir/name
// exists, its secret is loaded; otherwise 64 random bytes are generated,
// base64-encoded, and written to that path with mode 0600 before being
// loaded back. name is both the on-disk file name and the TSIG key name.
func MaterializeKeyFile(tsigDir, name string, domains map[string]DomainInfo) (Key, error) {
	path := filepath.Join(tsigDir, name)

	key, err := LoadKeyFile(name, path, domains)
	if err == nil {
		return key, nil
	}
	if KindOf(err) != KindTsigFileNotFound {
		return Key{}, err
	}

	if err := os.MkdirAll(tsigDir, 0700); err != nil {
		return Key{}, wrapErr("MaterializeKeyFile", KindIO, err)
	}

	random := make([]byte, 64)
	if _, err := rand.Read(random); err != nil {
		return Key{}, wrapErr("MaterializeKeyFile", KindCrypto, err)
	}
	secret, err := GenerateSecret(random)
	if err != nil {
		return Key{}, err
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return Key{}, wrapErr("MaterializeKeyFile", KindIO, err)
	}

	return LoadKeyFile(name, path, domains)
}

// DeleteKeyFile removes tsigDir/name, best effort: a missing file is not
// an error.
func DeleteKeyFile(tsigDir, name string) error {
	err := os.Remove(filepath.Join(tsigDir, name))
	if err != nil && !os.IsNotExist(err) {
		return wrapErr("DeleteKeyFile", KindIO, err)
	}
	return nil
}
