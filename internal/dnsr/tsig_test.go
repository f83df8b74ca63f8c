package dnsr

import (
	"encoding/hex"
	"testing"

	"github.com/miekg/dns"
)

func TestTsigMiddlewareGenerateVerifyRoundTrip(t *testing.T) {
	ks := NewKeyStore()
	if err := ks.Add(Key{
		Name:      "acme-key.",
		Secret:    "MTIzNDU2Nzg5MDEyMzQ1Ng==",
		Algorithm: TsigAlgorithm,
		Domains:   []string{"example.com."},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mw := NewTsigMiddleware(ks)
	msg := []byte("pretend this is a wire-format dns message")

	mac, err := mw.Generate(msg, &dns.TSIG{
		Hdr:       dns.RR_Header{Name: "acme-key."},
		Algorithm: dns.HmacSHA512,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(mac) == 0 {
		t.Fatalf("expected a non-empty MAC")
	}

	tsig := &dns.TSIG{
		Hdr:       dns.RR_Header{Name: "acme-key."},
		Algorithm: dns.HmacSHA512,
		MAC:       hex.EncodeToString(mac),
	}
	if err := mw.Verify(msg, tsig); err != nil {
		t.Fatalf("Verify of a correctly generated MAC failed: %v", err)
	}

	tsig.MAC = hex.EncodeToString(mac) + "00"
	if err := mw.Verify(msg, tsig); err == nil {
		t.Fatalf("expected Verify to reject a tampered MAC")
	}
}

func TestTsigMiddlewareGenerateUnknownKey(t *testing.T) {
	mw := NewTsigMiddleware(NewKeyStore())
	_, err := mw.Generate([]byte("x"), &dns.TSIG{
		Hdr:       dns.RR_Header{Name: "nope."},
		Algorithm: dns.HmacSHA512,
	})
	if err != dns.ErrKeyAlg {
		t.Fatalf("expected ErrKeyAlg for an unknown key name, got %v", err)
	}
}

func TestTsigMiddlewareGenerateRejectsOtherAlgorithms(t *testing.T) {
	ks := NewKeyStore()
	if err := ks.Add(Key{
		Name:      "acme-key.",
		Secret:    "MTIzNDU2Nzg5MDEyMzQ1Ng==",
		Algorithm: TsigAlgorithm,
		Domains:   []string{"example.com."},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mw := NewTsigMiddleware(ks)
	_, err := mw.Generate([]byte("x"), &dns.TSIG{
		Hdr:       dns.RR_Header{Name: "acme-key."},
		Algorithm: dns.HmacSHA256,
	})
	if err != dns.ErrKeyAlg {
		t.Fatalf("expected ErrKeyAlg for a non-sha512 algorithm, got %v", err)
	}
}

func TestKeyAuthorizesStripsAcmeChallengePrefix(t *testing.T) {
	k := Key{Name: "acme-key.", Domains: []string{"example.com."}}
	if !k.authorizes("_acme-challenge.example.com.") {
		t.Fatalf("expected key scoped to example.com. to authorize its _acme-challenge. subdomain")
	}
	if k.authorizes("_acme-challenge.other.com.") {
		t.Fatalf("expected key to not authorize an unrelated domain's challenge name")
	}
}
