package dnsr

import (
	"log"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// axfrBatchSize is how many RRs to buffer before flushing one AXFR
// envelope.
const axfrBatchSize = 400

// Service wires the ZoneTree, KeyStore and TSIG/UPDATE pipeline into a
// dns.Server-compatible handler. Each exported field is an explicit
// dependency; there is no package-level state.
type Service struct {
	Zones   *ZoneTree
	Tsig    *TsigMiddleware
	Updates *UpdateProcessor
	Version string
}

func NewService(zones *ZoneTree, keys *KeyStore, version string) *Service {
	return &Service{
		Zones:   zones,
		Tsig:    NewTsigMiddleware(keys),
		Updates: NewUpdateProcessor(zones),
		Version: version,
	}
}

// Handler returns the dns.HandlerFunc to register with dns.Server: one
// function closing over the Service, dispatching by opcode and qclass.
func (s *Service) Handler() dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		s.serveDNS(w, r)
	}
}

func (s *Service) serveDNS(w dns.ResponseWriter, r *dns.Msg) {
	// A well-formed request carries exactly one question.
	if len(r.Question) != 1 {
		s.writeRcode(w, r, dns.RcodeFormatError)
		return
	}

	q := r.Question[0]

	if q.Qclass == dns.ClassCHAOS && q.Qtype == dns.TypeTXT {
		s.serveChaos(w, r, q)
		return
	}

	switch r.Opcode {
	case dns.OpcodeQuery:
		s.serveQuery(w, r, q)
	case dns.OpcodeUpdate:
		s.serveUpdate(w, r, q)
	default:
		s.writeRcode(w, r, dns.RcodeNotImplemented)
	}
}

// serveChaos answers the version.server./id.server. CH TXT diagnostic
// names most authoritative servers support.
func (s *Service) serveChaos(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	name := strings.ToLower(q.Name)
	if name != "version.server." && name != "id.server." {
		s.writeRcode(w, r, dns.RcodeRefused)
		return
	}
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	txt := &dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: 0},
		Txt: []string{s.Version},
	}
	m.Answer = append(m.Answer, txt)
	s.writeMsg(w, r, m)
}

func (s *Service) serveQuery(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	// TSIG failures short-circuit before any zone work. Reads run no
	// scope check.
	tsigResult := s.Tsig.VerifyRequest(w, r, nil)
	if tsigResult.Rcode != dns.RcodeSuccess {
		s.Tsig.Reject(w, r, tsigResult)
		return
	}

	if q.Qtype == dns.TypeAXFR {
		s.serveAXFR(w, r, q)
		return
	}

	if q.Qclass != dns.ClassINET {
		s.writeSignedRcode(w, r, dns.RcodeNameError)
		return
	}

	zone, ok := s.Zones.Find(q.Name)
	if !ok {
		s.writeSignedRcode(w, r, dns.RcodeNameError)
		return
	}

	answer, ok := zone.read(q.Name)
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if soa, ok := zone.SOA(); ok {
		m.Ns = append(m.Ns, soa)
	}

	if !ok {
		m.Rcode = dns.RcodeNameError
		s.Tsig.SignResponse(m, r, w)
		s.writeMsg(w, r, m)
		return
	}

	if q.Qtype == dns.TypeANY {
		for _, rrset := range answer.RRsets {
			m.Answer = append(m.Answer, rrset.RRs...)
		}
	} else if rrset, ok := answer.RRsets[q.Qtype]; ok {
		m.Answer = append(m.Answer, rrset.RRs...)
		m.Ns = nil // authority SOA only needed on negative responses
	}

	s.Tsig.SignResponse(m, r, w)
	s.writeMsg(w, r, m)
}

func (s *Service) serveUpdate(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	tsigResult := s.Tsig.VerifyRequest(w, r, updateTargetNames(r))
	if !tsigResult.Signed {
		// UPDATE requires authentication; unauthenticated pass-through
		// is for reads only.
		s.writeRcode(w, r, dns.RcodeRefused)
		return
	}
	if tsigResult.Rcode != dns.RcodeSuccess {
		if tsigResult.TsigError != 0 {
			s.Tsig.Reject(w, r, tsigResult)
		} else {
			// Scope failure: the MAC verified, so the REFUSED is signed.
			s.writeSignedRcode(w, r, tsigResult.Rcode)
		}
		return
	}

	if q.Qtype != dns.TypeSOA || q.Qclass != dns.ClassINET {
		s.writeSignedRcode(w, r, dns.RcodeFormatError)
		return
	}

	rcode := s.Updates.Process(r)
	s.writeSignedRcode(w, r, rcode)
}

// updateTargetNames collects the names the TSIG key must be authorized
// for: the owner name of every update RR in the authority section.
func updateTargetNames(r *dns.Msg) []string {
	if len(r.Ns) == 0 {
		return []string{r.Question[0].Name}
	}
	names := make([]string, 0, len(r.Ns))
	for _, rr := range r.Ns {
		names = append(names, rr.Header().Name)
	}
	return names
}

// serveAXFR streams the zone through a dns.Transfer fed by a channel of
// envelopes, so no lock is held across the network write. The stream opens
// and closes with an envelope holding exactly the apex SOA (RFC 5936
// §2.2); intermediate envelopes batch the remaining RRsets and never carry
// a SOA.
func (s *Service) serveAXFR(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	// RFC 5936 §4.2: AXFR is TCP-only. Over UDP nothing is streamed; the
	// request is answered with a bare NXDOMAIN.
	if _, ok := w.RemoteAddr().(*net.TCPAddr); !ok {
		s.writeSignedRcode(w, r, dns.RcodeNameError)
		return
	}

	if q.Qclass != dns.ClassINET {
		s.writeSignedRcode(w, r, dns.RcodeNameError)
		return
	}

	zone, ok := s.Zones.Find(q.Name)
	if !ok {
		s.writeSignedRcode(w, r, dns.RcodeNameError)
		return
	}

	soa, ok := zone.SOA()
	if !ok {
		s.writeSignedRcode(w, r, dns.RcodeServerFailure)
		return
	}

	ch := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	errCh := make(chan error, 1)
	go func() {
		// Every envelope dns.Transfer.Out writes is independently
		// TSIG-signed by the dns package when the request verified
		// (RFC 5936 §3).
		errCh <- tr.Out(w, r, ch)
	}()

	ch <- &dns.Envelope{RR: []dns.RR{soa}}

	var batch []dns.RR
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ch <- &dns.Envelope{RR: batch}
		batch = nil
	}

	for _, owner := range zone.OwnerNames() {
		answer, ok := zone.read(owner)
		if !ok {
			continue
		}
		for rrtype, rrset := range answer.RRsets {
			if rrtype == dns.TypeSOA {
				continue // the apex SOA bookends the stream
			}
			batch = append(batch, rrset.RRs...)
			if len(batch) >= axfrBatchSize {
				flush()
			}
		}
	}
	flush()

	ch <- &dns.Envelope{RR: []dns.RR{soa}}
	close(ch)

	if err := <-errCh; err != nil {
		log.Printf("serveAXFR: zone %s transfer error: %v", zone.Apex, err)
	}
}

func (s *Service) writeRcode(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	s.writeMsg(w, r, m)
}

// writeSignedRcode is writeRcode plus a TSIG on the reply when the request
// carried one that verified.
func (s *Service) writeSignedRcode(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	s.Tsig.SignResponse(m, r, w)
	s.writeMsg(w, r, m)
}

func (s *Service) writeMsg(w dns.ResponseWriter, r *dns.Msg, m *dns.Msg) {
	if opt := r.IsEdns0(); opt != nil && m.IsEdns0() == nil {
		// Echo a bare OPT with no options set: no DNS Cookie, no NSID.
		// A TSIG RR must stay last in the additional section, so the OPT
		// slots in ahead of it.
		o := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		o.SetUDPSize(opt.UDPSize())
		o.SetDo(opt.Do())
		if t := m.IsTsig(); t != nil {
			m.Extra = append(m.Extra[:len(m.Extra)-1], o, t)
		} else {
			m.Extra = append(m.Extra, o)
		}
	}
	// UDP replies are cut to the requester's advertised EDNS buffer size,
	// or 512 bytes without OPT; dns.Msg.Truncate leaves TSIG-signed
	// replies whole.
	if _, udp := w.RemoteAddr().(*net.UDPAddr); udp {
		size := dns.MinMsgSize
		if opt := r.IsEdns0(); opt != nil {
			size = int(opt.UDPSize())
		}
		m.Truncate(size)
	}
	if err := w.WriteMsg(m); err != nil {
		log.Printf("writeMsg: %v", err)
	}
}
