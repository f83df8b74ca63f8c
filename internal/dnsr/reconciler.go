package dnsr

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/miekg/dns"
)

// Reconciler keeps a ZoneTree and KeyStore in sync with the YAML config
// file, both at startup and on every subsequent edit.
type Reconciler struct {
	ConfigPath string
	TsigDir    string
	Zones      *ZoneTree
	Keys       *KeyStore

	runMu    sync.Mutex // serializes Reconcile between the watch loop and SIGHUP
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	domainOf map[string]DomainInfo // apex -> the DomainInfo it was built from, for retained-domain diffing
}

// maxConsecutiveFailures is how many reconcile attempts in a row may fail
// before Watch gives up and returns, taking the process down with it. A
// config that stays unusable is a fatal condition, not one to retry
// forever.
const maxConsecutiveFailures = 10

func NewReconciler(configPath, tsigDir string, zones *ZoneTree, keys *KeyStore) *Reconciler {
	return &Reconciler{
		ConfigPath: configPath,
		TsigDir:    tsigDir,
		Zones:      zones,
		Keys:       keys,
		domainOf:   make(map[string]DomainInfo),
	}
}

// Status reports the outcome of the most recent Reconcile call, for the
// admin HTTP surface's /status endpoint.
func (rc *Reconciler) Status() (lastRun time.Time, lastErr error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastRun, rc.lastErr
}

func (rc *Reconciler) recordResult(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastRun = time.Now()
	rc.lastErr = err
}

// Reconcile loads the config file and brings Zones/Keys in line with it.
// Keys are reconciled before domains, so a domain's zone is never
// materialized without the key that authorizes updates to it already
// present; removal proceeds in the reverse order. A parse failure retains
// the prior state. The apex for every configured domain is
// _acme-challenge.<domain>.
func (rc *Reconciler) Reconcile() error {
	rc.runMu.Lock()
	defer rc.runMu.Unlock()

	cfg, err := LoadConfig(rc.ConfigPath)
	if err != nil {
		log.Printf("Reconciler: config parse failed, retaining prior state: %v", err)
		rc.recordResult(err)
		return err
	}

	if err := os.MkdirAll(rc.TsigDir, 0700); err != nil {
		werr := wrapErr("Reconciler.Reconcile", KindIO, err)
		log.Printf("Reconciler: creating tsig dir %s: %v", rc.TsigDir, werr)
		rc.recordResult(werr)
		return werr
	}

	liveKeys := make(map[string]bool, len(cfg.Keys))
	liveApexes := make(map[string]bool, len(cfg.Keys))

	for keyfile, domains := range cfg.Keys {
		key, err := MaterializeKeyFile(rc.TsigDir, keyfile, domains)
		if err != nil {
			log.Printf("Reconciler: skipping key file %s: %v", keyfile, err)
			continue
		}
		if err := rc.Keys.Add(key); err != nil {
			log.Printf("Reconciler: rejecting key file %s: %v", keyfile, err)
			continue
		}
		liveKeys[key.Name] = true

		for domain, info := range domains {
			apex := acmeChallengeApex(domain)
			liveApexes[apex] = true
			rc.materializeZone(apex, info)
		}
	}

	for _, apex := range rc.Zones.Apexes() {
		if !liveApexes[apex] {
			log.Printf("Reconciler: zone %s no longer in config, removing", apex)
			rc.Zones.Remove(apex)
			delete(rc.domainOf, apex)
		}
	}
	for _, name := range rc.Keys.Names() {
		if !liveKeys[name] {
			log.Printf("Reconciler: key %s no longer in config, removing", name)
			k, ok := rc.Keys.Get(name)
			rc.Keys.Remove(name)
			if ok && k.File != "" {
				DeleteKeyFile(rc.TsigDir, k.File)
			}
		}
	}

	if cfg.Log.EnableMetrics {
		log.Printf("Reconciler: zones=%d keys=%d", len(rc.Zones.Apexes()), len(rc.Keys.Names()))
	}

	rc.recordResult(nil)
	return nil
}

// acmeChallengeApex builds the zone apex a configured domain materializes
// to: the owner of the TXT records an ACME DNS-01 client will write.
func acmeChallengeApex(domain string) string {
	return "_acme-challenge." + dnsFQDN(domain)
}

// materializeZone handles one (apex, DomainInfo) pair: insert if new,
// leave alone if unchanged, or remove-then-reinsert when the SOA
// parameters changed.
func (rc *Reconciler) materializeZone(apex string, info DomainInfo) {
	if prior, ok := rc.domainOf[apex]; ok {
		if prior == info {
			return
		}
		rc.Zones.Remove(apex)
	}

	zone := NewZone(apex)
	soa := buildSOA(apex, info)
	zone.write(func(z *Zone) {
		z.AddRR(soa)
	})
	if err := rc.Zones.Insert(zone); err != nil {
		log.Printf("Reconciler: inserting zone %s: %v", apex, err)
		return
	}
	rc.domainOf[apex] = info
}

// SOA timer values for materialized zones.
const (
	soaTTL     = 3600
	soaRefresh = 10800
	soaRetry   = 3600
	soaExpire  = 605800
	soaMinTTL  = 3600
)

func buildSOA(apex string, info DomainInfo) *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: apex, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: soaTTL},
		Ns:      dnsFQDN(info.Mname),
		Mbox:    dnsFQDN(info.Rname),
		Serial:  uint32(time.Now().Unix()),
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  soaMinTTL,
	}
}

// Watch drives Reconcile from filesystem events on the config file's
// directory: watching the directory, not the file, survives editors that
// replace-via-rename. It blocks until ctx is cancelled, the watcher's
// channels close, or too many reconciles fail in a row.
func (rc *Reconciler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return wrapErr("Reconciler.Watch", KindNotify, err)
	}
	defer watcher.Close()

	dir := filepath.Dir(rc.ConfigPath)
	if err := watcher.Add(dir); err != nil {
		return wrapErr("Reconciler.Watch", KindNotify, fmt.Errorf("watching %s: %w", dir, err))
	}
	base := filepath.Base(rc.ConfigPath)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := rc.Reconcile(); err != nil {
				failures++
				log.Printf("Reconciler: reconcile after %s (failure %d/%d): %v", ev, failures, maxConsecutiveFailures, err)
				if failures >= maxConsecutiveFailures {
					return wrapErr("Reconciler.Watch", KindConfigParse,
						fmt.Errorf("%d consecutive reconcile failures, last: %w", failures, err))
				}
			} else {
				failures = 0
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Reconciler: watcher error: %v", err)
		}
	}
}
