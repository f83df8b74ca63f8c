package dnsr

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/miekg/dns"
)

func rrTypeName(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return dns.Type(t).String()
}

// AdminAPI is a small read-only HTTP surface for observing the ZoneTree,
// KeyStore and Reconciler. It is deliberately limited to GET endpoints;
// all mutation goes through RFC 2136 UPDATE, not HTTP.
type AdminAPI struct {
	Zones      *ZoneTree
	Keys       *KeyStore
	Reconciler *Reconciler
	StartedAt  time.Time
	Version    string
}

func NewAdminAPI(zones *ZoneTree, keys *KeyStore, rc *Reconciler, version string) *AdminAPI {
	return &AdminAPI{Zones: zones, Keys: keys, Reconciler: rc, StartedAt: time.Now(), Version: version}
}

func (a *AdminAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/zones", a.handleZones).Methods(http.MethodGet)
	r.HandleFunc("/zones/{name}", a.handleZone).Methods(http.MethodGet)
	return r
}

type statusResponse struct {
	Version       string    `json:"version"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	ZoneCount     int       `json:"zone_count"`
	KeyCount      int       `json:"key_count"`
	LastReconcile time.Time `json:"last_reconcile"`
	LastError     string    `json:"last_error,omitempty"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastRun, lastErr := a.Reconciler.Status()
	resp := statusResponse{
		Version:       a.Version,
		UptimeSecs:    time.Since(a.StartedAt).Seconds(),
		ZoneCount:     len(a.Zones.Apexes()),
		KeyCount:      len(a.Keys.Names()),
		LastReconcile: lastRun,
	}
	if lastErr != nil {
		resp.LastError = lastErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Zones.Apexes())
}

type rrsetSummary struct {
	RRtype string `json:"rrtype"`
	TTL    uint32 `json:"ttl"`
	Count  int    `json:"count"`
}

func (a *AdminAPI) handleZone(w http.ResponseWriter, r *http.Request) {
	name := dnsFQDN(mux.Vars(r)["name"])
	zone, ok := a.Zones.Get(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	summary := map[string][]rrsetSummary{}
	for _, owner := range zone.OwnerNames() {
		answer, ok := zone.read(owner)
		if !ok {
			continue
		}
		for rrtype, rrset := range answer.RRsets {
			summary[owner] = append(summary[owner], rrsetSummary{
				RRtype: rrTypeName(rrtype),
				TTL:    rrset.TTL,
				Count:  len(rrset.RRs),
			})
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
