package dnsr

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"log"
	"time"

	"github.com/miekg/dns"
)

// tsigFudge is the signing-time tolerance window RFC 8945 §5.2.3
// recommends: 300 seconds either side of "now".
const tsigFudge = 300

// TsigMiddleware implements dns.TsigProvider against a KeyStore, so TSIG
// secrets can be hot-reloaded by the Reconciler without tearing down and
// rebuilding the dns.Server's static TsigSecret map.
type TsigMiddleware struct {
	Keys *KeyStore
}

func NewTsigMiddleware(keys *KeyStore) *TsigMiddleware {
	return &TsigMiddleware{Keys: keys}
}

// Generate signs msg (the wire bytes to be covered by the TSIG RR) for the
// key named in t.Hdr.Name, as dns.TsigProvider requires. Keys are
// HMAC-SHA512 only; any other algorithm in the TSIG RR is a key mismatch.
func (m *TsigMiddleware) Generate(msg []byte, t *dns.TSIG) ([]byte, error) {
	if dns.CanonicalName(t.Algorithm) != TsigAlgorithm {
		return nil, dns.ErrKeyAlg
	}
	key, ok := m.Keys.Get(t.Hdr.Name)
	if !ok {
		return nil, dns.ErrKeyAlg
	}
	raw, err := base64.StdEncoding.DecodeString(key.Secret)
	if err != nil {
		return nil, wrapErr("TsigMiddleware.Generate", KindBase64, err)
	}
	h := hmac.New(sha512.New, raw)
	h.Write(msg)
	return h.Sum(nil), nil
}

// Verify checks msg's MAC against the key named in t.Hdr.Name, as
// dns.TsigProvider requires.
func (m *TsigMiddleware) Verify(msg []byte, t *dns.TSIG) error {
	mac, err := m.Generate(msg, t)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(t.MAC)
	if err != nil {
		return dns.ErrSig
	}
	if !hmac.Equal(mac, got) {
		return dns.ErrSig
	}
	return nil
}

// VerifyResult is the outcome of validating an inbound request's TSIG
// against both cryptographic correctness and the key's authorized domain
// scope.
type VerifyResult struct {
	Signed    bool   // request carried a TSIG RR at all
	KeyName   string // dns.TSIG.Hdr.Name, if Signed
	Rcode     int    // dns.RcodeSuccess, dns.RcodeNotAuth, or dns.RcodeRefused
	TsigError int    // BADKEY/BADSIG/BADTIME for the response TSIG RR, 0 otherwise
}

// VerifyRequest classifies one inbound message's TSIG state: unsigned
// requests pass through (Rcode stays Success, Signed is false; the UPDATE
// path rejects those itself, reads are permitted unauthenticated). Signed
// requests must have verified the MAC, time window and key at the
// dns.Server layer; failures yield NOTAUTH with the matching TSIG error.
// scopeNames, when non-nil, additionally requires the key to be authorized
// for every named owner, failing with REFUSED rather than NOTAUTH. Reads
// never pass scopeNames, so a key scoped to one domain may still sign a
// read of any other.
func (m *TsigMiddleware) VerifyRequest(w dns.ResponseWriter, r *dns.Msg, scopeNames []string) VerifyResult {
	tsig := r.IsTsig()
	if tsig == nil {
		return VerifyResult{Rcode: dns.RcodeSuccess}
	}

	res := VerifyResult{Signed: true, KeyName: tsig.Hdr.Name, Rcode: dns.RcodeSuccess}

	if status := w.TsigStatus(); status != nil {
		res.Rcode = dns.RcodeNotAuth
		switch status {
		case dns.ErrKeyAlg, dns.ErrSecret:
			res.TsigError = dns.RcodeBadKey
		case dns.ErrTime:
			res.TsigError = dns.RcodeBadTime
		default:
			res.TsigError = dns.RcodeBadSig
		}
		return res
	}

	key, ok := m.Keys.Get(tsig.Hdr.Name)
	if !ok {
		res.Rcode = dns.RcodeNotAuth
		res.TsigError = dns.RcodeBadKey
		return res
	}

	for _, name := range scopeNames {
		if !key.authorizes(name) {
			res.Rcode = dns.RcodeRefused
			return res
		}
	}
	return res
}

// Reject writes the error response for a failed TSIG verification. The
// message rcode is NOTAUTH; the TSIG-level error (BADKEY/BADSIG/BADTIME)
// rides in an unsigned TSIG RR's Error field with an empty MAC, per
// RFC 8945 §5.2. A BADTIME response reports the server's clock in the
// TSIG time field so the client can resubmit (§5.2.3).
func (m *TsigMiddleware) Reject(w dns.ResponseWriter, r *dns.Msg, res VerifyResult) {
	resp := new(dns.Msg)
	resp.SetRcode(r, res.Rcode)

	req := r.IsTsig()
	if res.TsigError == 0 || req == nil {
		if err := w.WriteMsg(resp); err != nil {
			log.Printf("TsigMiddleware.Reject: %v", err)
		}
		return
	}

	t := &dns.TSIG{
		Hdr:        dns.RR_Header{Name: req.Hdr.Name, Rrtype: dns.TypeTSIG, Class: dns.ClassANY},
		Algorithm:  req.Algorithm,
		TimeSigned: req.TimeSigned,
		Fudge:      req.Fudge,
		OrigId:     r.Id,
		Error:      uint16(res.TsigError),
	}
	if res.TsigError == dns.RcodeBadTime {
		t.TimeSigned = uint64(time.Now().Unix())
	}
	resp.Extra = append(resp.Extra, t)

	// Pack and write raw: the server's WriteMsg would try to sign any
	// message carrying a TSIG RR, and error TSIGs are unsigned.
	data, err := resp.Pack()
	if err != nil {
		resp.Extra = nil
		if werr := w.WriteMsg(resp); werr != nil {
			log.Printf("TsigMiddleware.Reject: %v", werr)
		}
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Printf("TsigMiddleware.Reject: %v", err)
	}
}

// SignResponse attaches a TSIG RR to resp if the request r carried one
// that verified. The actual MAC is computed by the dns.Server on write,
// via this middleware's Generate.
func (m *TsigMiddleware) SignResponse(resp *dns.Msg, r *dns.Msg, w dns.ResponseWriter) {
	tsig := r.IsTsig()
	if tsig == nil || w.TsigStatus() != nil {
		return
	}
	resp.SetTsig(tsig.Hdr.Name, tsig.Algorithm, tsigFudge, time.Now().Unix())
}
