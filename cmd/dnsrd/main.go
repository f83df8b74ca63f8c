package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/pflag"

	"github.com/dnsrd/dnsrd/internal/dnsr"
)

// version is set by a release build's -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	var (
		configFlag = pflag.String("config", "", "path to the YAML config file (overrides "+dnsr.EnvConfigFile+")")
		tsigFlag   = pflag.String("tsig-dir", "", "directory holding TSIG key files (overrides "+dnsr.EnvTsigPath+")")
		once       = pflag.Bool("once", false, "load config, materialize zones/keys, and exit")
	)
	pflag.Parse()

	cfgPath := dnsr.ConfigFilePath(*configFlag)
	tsigDir := dnsr.TsigPath(*tsigFlag)

	cfg, err := dnsr.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("dnsrd: loading config %s: %v", cfgPath, err)
	}
	dnsr.SetupLogging(cfg.Log)

	zones := dnsr.NewZoneTree()
	keys := dnsr.NewKeyStore()
	reconciler := dnsr.NewReconciler(cfgPath, tsigDir, zones, keys)

	if err := reconciler.Reconcile(); err != nil {
		log.Fatalf("dnsrd: initial reconcile: %v", err)
	}
	log.Printf("dnsrd: loaded %d zone(s), %d key(s) from %s", len(zones.Apexes()), len(keys.Names()), cfgPath)

	if *once {
		return
	}

	svc := dnsr.NewService(zones, keys, version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watchCtx, watchCancel := context.WithCancel(ctx)
	go func() {
		if err := reconciler.Watch(watchCtx); err != nil {
			// Unrecoverable reconciler error: fail loud.
			log.Fatalf("dnsrd: config watcher stopped: %v", err)
		}
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Printf("dnsrd: SIGHUP received, forcing reconcile")
			if err := reconciler.Reconcile(); err != nil {
				log.Printf("dnsrd: forced reconcile: %v", err)
			}
		}
	}()

	servers := startDNSServers(svc)

	admin := dnsr.NewAdminAPI(zones, keys, reconciler, version)
	adminSrv := &http.Server{Addr: adminAddr(), Handler: admin.Router()}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("dnsrd: admin server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("dnsrd: shutting down")
	watchCancel()
	signal.Stop(sighup)
	close(sighup)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	for _, srv := range servers {
		_ = srv.ShutdownContext(shutdownCtx)
	}
}

func adminAddr() string {
	if v := os.Getenv("DNSR_ADMIN_ADDR"); v != "" {
		return v
	}
	return "127.0.0.1:8553"
}

func listenAddrs() []string {
	if v := os.Getenv("DNSR_LISTEN"); v != "" {
		return []string{v}
	}
	return []string{":53"}
}

// startDNSServers starts one dns.Server per (address, network) pair, each
// in its own goroutine so UDP and TCP listeners run concurrently.
func startDNSServers(svc *dnsr.Service) []*dns.Server {
	var servers []*dns.Server
	handler := svc.Handler()

	for _, addr := range listenAddrs() {
		udp := &dns.Server{Addr: addr, Net: "udp", Handler: handler, TsigProvider: svc.Tsig}
		tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: handler, TsigProvider: svc.Tsig}
		servers = append(servers, udp, tcp)

		go func(s *dns.Server) {
			if err := s.ListenAndServe(); err != nil {
				log.Printf("dnsrd: %s/%s server: %v", s.Addr, s.Net, err)
			}
		}(udp)
		go func(s *dns.Server) {
			if err := s.ListenAndServe(); err != nil {
				log.Printf("dnsrd: %s/%s server: %v", s.Addr, s.Net, err)
			}
		}(tcp)
	}

	return servers
}
