package dnsr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// RRset is every RR sharing one (owner, rrtype) pair within a zone. Every
// RR in an RRset has the owning Zone's class (IN), the RRset's owner name,
// and the RRset's rrtype.
type RRset struct {
	Name   string
	RRtype uint16
	TTL    uint32
	RRs    []dns.RR
}

type ownerData struct {
	name    string
	rrtypes cmap.ConcurrentMap[uint16, RRset]
}

func newOwnerData(name string) *ownerData {
	return &ownerData{
		name: name,
		rrtypes: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 {
			return uint32(key)
		}),
	}
}

// Zone is one apex's worth of owner -> RRset data. A populated zone always
// has exactly one SOA RRset, owned by its own apex name. Zones are explicit
// handles threaded through the call chain, never package-level state.
type Zone struct {
	mu     sync.RWMutex
	Apex   string
	owners cmap.ConcurrentMap[string, *ownerData]
}

// NewZone creates an empty zone for apex. Callers must still populate a SOA
// RRset before the zone is queryable; Reconciler.materializeZone does this.
func NewZone(apex string) *Zone {
	return &Zone{
		Apex:   dnsFQDN(apex),
		owners: cmap.New[*ownerData](),
	}
}

// Answer is a read-only snapshot of one owner's RRsets. It is safe to hold
// and encode onto the wire after the zone's lock has been released; no Zone
// method holds a lock across network I/O.
type Answer struct {
	Owner  string
	RRsets map[uint16]RRset
}

func (z *Zone) read(owner string) (Answer, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()

	od, ok := z.owners.Get(strings.ToLower(owner))
	if !ok {
		return Answer{}, false
	}
	snap := make(map[uint16]RRset, od.rrtypes.Count())
	for _, k := range od.rrtypes.Keys() {
		if rrset, ok := od.rrtypes.Get(k); ok {
			snap[k] = rrset
		}
	}
	return Answer{Owner: od.name, RRsets: snap}, true
}

// write runs fn with the zone's write lock held, so a caller (typically the
// update processor) can apply several RRset mutations as one atomic step.
func (z *Zone) write(fn func(z *Zone)) {
	z.mu.Lock()
	defer z.mu.Unlock()
	fn(z)
}

func (z *Zone) getOwner(name string, create bool) *ownerData {
	name = strings.ToLower(name)
	od, ok := z.owners.Get(name)
	if !ok {
		if !create {
			return nil
		}
		od = newOwnerData(name)
		z.owners.Set(name, od)
	}
	return od
}

// SOA returns the zone's SOA record, if one has been materialized.
func (z *Zone) SOA() (dns.RR, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()

	od, ok := z.owners.Get(z.Apex)
	if !ok {
		return nil, false
	}
	rrset, ok := od.rrtypes.Get(dns.TypeSOA)
	if !ok || len(rrset.RRs) == 0 {
		return nil, false
	}
	return rrset.RRs[0], true
}

// OwnerNames returns every owner name stored in the zone, in no particular
// order.
func (z *Zone) OwnerNames() []string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.owners.Keys()
}

// AddRR adds rr to its owner's RRset, skipping it if an identical rdata
// already exists (RFC 2136 §3.4.2.2). Must be called inside a Zone.write
// callback.
func (z *Zone) AddRR(rr dns.RR) {
	owner := strings.ToLower(rr.Header().Name)
	rrtype := rr.Header().Rrtype
	od := z.getOwner(owner, true)

	rrset, _ := od.rrtypes.Get(rrtype)
	rrset.Name = owner
	rrset.RRtype = rrtype
	rrset.TTL = rr.Header().Ttl

	for _, existing := range rrset.RRs {
		if dns.IsDuplicate(existing, rr) {
			return
		}
	}
	rrset.RRs = append(rrset.RRs, rr)
	od.rrtypes.Set(rrtype, rrset)
}

// RemoveRR deletes the single RR matching rr's rdata from its owner's
// RRset (RFC 2136 CLASS NONE delete; TTL is not part of the match). Must
// be called inside a Zone.write callback. Reports whether anything was
// removed.
func (z *Zone) RemoveRR(rr dns.RR) bool {
	owner := strings.ToLower(rr.Header().Name)
	rrtype := rr.Header().Rrtype

	od, ok := z.owners.Get(owner)
	if !ok {
		return false
	}
	rrset, ok := od.rrtypes.Get(rrtype)
	if !ok {
		return false
	}

	// dns.IsDuplicate compares the class too; stored RRs are IN while the
	// delete request carries CLASS NONE.
	probe := dns.Copy(rr)
	probe.Header().Class = dns.ClassINET

	out := make([]dns.RR, 0, len(rrset.RRs))
	removed := false
	for _, existing := range rrset.RRs {
		if !removed && dns.IsDuplicate(existing, probe) {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	if !removed {
		return false
	}

	if len(out) == 0 {
		od.rrtypes.Remove(rrtype)
		if od.rrtypes.Count() == 0 {
			z.owners.Remove(owner)
		}
	} else {
		rrset.RRs = out
		od.rrtypes.Set(rrtype, rrset)
	}
	return true
}

// RemoveRRset deletes an owner's entire RRset of one type. Must be called
// inside a Zone.write callback.
func (z *Zone) RemoveRRset(owner string, rrtype uint16) bool {
	owner = strings.ToLower(owner)
	od, ok := z.owners.Get(owner)
	if !ok {
		return false
	}
	if _, ok := od.rrtypes.Get(rrtype); !ok {
		return false
	}
	od.rrtypes.Remove(rrtype)
	if od.rrtypes.Count() == 0 && owner != z.Apex {
		z.owners.Remove(owner)
	}
	return true
}

// ZoneTree holds every apex zone this server is authoritative for, keyed by
// fully-qualified lower-case apex name. No two zones share an apex. Like
// Zone, it is an explicit handle, never a package-level global.
type ZoneTree struct {
	zones cmap.ConcurrentMap[string, *Zone]
}

func NewZoneTree() *ZoneTree {
	return &ZoneTree{zones: cmap.New[*Zone]()}
}

// Insert adds z to the tree, failing if its apex is already present.
func (t *ZoneTree) Insert(z *Zone) error {
	key := strings.ToLower(z.Apex)
	if !t.zones.SetIfAbsent(key, z) {
		return wrapErr("ZoneTree.Insert", KindZoneExists, fmt.Errorf("zone %s already exists", key))
	}
	return nil
}

// Remove drops apex from the tree if present; a no-op otherwise.
func (t *ZoneTree) Remove(apex string) {
	t.zones.Remove(strings.ToLower(dnsFQDN(apex)))
}

// Get returns the zone for an exact apex name.
func (t *ZoneTree) Get(apex string) (*Zone, bool) {
	return t.zones.Get(strings.ToLower(dnsFQDN(apex)))
}

// Apexes returns every apex name currently held.
func (t *ZoneTree) Apexes() []string {
	return t.zones.Keys()
}

// Find performs a longest-suffix-match zone lookup: walk qname's labels
// from most to least specific until an apex in the tree matches.
func (t *ZoneTree) Find(qname string) (*Zone, bool) {
	qname = strings.ToLower(dnsFQDN(qname))
	labels := dns.SplitDomainName(qname)
	for i := 0; i <= len(labels); i++ {
		candidate := dnsFQDN(strings.Join(labels[i:], "."))
		if z, ok := t.zones.Get(candidate); ok {
			return z, true
		}
	}
	return nil, false
}
