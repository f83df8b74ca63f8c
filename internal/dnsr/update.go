package dnsr

import (
	"github.com/miekg/dns"
)

// UpdateProcessor implements the restricted RFC 2136 dynamic update subset
// needed for ACME DNS-01: TXT records under a zone already held in the
// ZoneTree, gated by TSIG.
type UpdateProcessor struct {
	Zones *ZoneTree
}

func NewUpdateProcessor(zones *ZoneTree) *UpdateProcessor {
	return &UpdateProcessor{Zones: zones}
}

// Process applies an UPDATE message (whose Question[0].Name names the
// zone) and returns the rcode to send back. Callers must already have
// passed the TSIG verify and domain-scope check for every name the update
// touches; Process itself only enforces the record-level restrictions
// (TXT-only, recognized class, in-bailiwick owner names). Validation fully
// precedes mutation, so a rejected transaction leaves the zone untouched.
func (p *UpdateProcessor) Process(r *dns.Msg) int {
	if len(r.Question) != 1 {
		return dns.RcodeFormatError
	}
	zname := r.Question[0].Name
	if r.Question[0].Qclass != dns.ClassINET {
		return dns.RcodeFormatError
	}

	zone, ok := p.Zones.Get(zname)
	if !ok {
		return dns.RcodeNotZone
	}

	// Prerequisites (RFC 2136 §2.4, carried in the answer section) are
	// deliberately not evaluated.
	_, updates := SplitPrerequisites(r)

	for _, rr := range updates {
		if rcode := p.validateRR(rr, zname); rcode != dns.RcodeSuccess {
			return rcode
		}
	}

	// One atomic transaction: concurrent readers observe either the
	// pre-commit or post-commit state, never an intermediate.
	zone.write(func(z *Zone) {
		for _, rr := range updates {
			p.applyRR(z, rr)
		}
	})

	return dns.RcodeSuccess
}

// validateRR classifies one authority-section RR:
//   - CLASS IN with a TTL and rdata adds a record; only TXT is supported,
//     any other rtype fails the whole transaction with SERVFAIL.
//   - CLASS NONE with TTL=0 deletes a specific rdata (TTL is not part of
//     the delete key).
//   - CLASS ANY (delete an entire RRset) is not supported and fails the
//     transaction with SERVFAIL.
func (p *UpdateProcessor) validateRR(rr dns.RR, zname string) int {
	hdr := rr.Header()

	if !dns.IsSubDomain(zname, hdr.Name) {
		return dns.RcodeNotZone
	}

	switch hdr.Class {
	case dns.ClassINET:
		if hdr.Rrtype != dns.TypeTXT {
			return dns.RcodeServerFailure
		}
		return dns.RcodeSuccess

	case dns.ClassNONE:
		if hdr.Ttl != 0 {
			return dns.RcodeFormatError
		}
		return dns.RcodeSuccess

	case dns.ClassANY:
		return dns.RcodeServerFailure

	default:
		return dns.RcodeFormatError
	}
}

// applyRR performs the actual mutation for one validated RR. CLASS ANY
// never reaches here: validateRR rejects it first.
func (p *UpdateProcessor) applyRR(z *Zone, rr dns.RR) {
	hdr := rr.Header()
	switch hdr.Class {
	case dns.ClassINET:
		z.AddRR(rr)
	case dns.ClassNONE:
		z.RemoveRR(rr)
	}
}

// SplitPrerequisites returns an UPDATE's prerequisite RRs (answer section)
// and update RRs (authority section). Prerequisite matching is not
// implemented, so the prerequisites come back empty; the seam exists for a
// stricter RFC 2136 §3.2 implementation later.
func SplitPrerequisites(r *dns.Msg) (prereqs, updates []dns.RR) {
	return nil, r.Ns
}
