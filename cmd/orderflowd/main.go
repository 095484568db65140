// Copyright 2025 Certen Protocol
//
// orderflowd is the order lifecycle engine daemon: REST intake, the
// orchestrator worker pool, and the chain-event reconciler in one process.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/certen/mpc-orderflow/pkg/chainrpc"
	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/firestoresync"
	"github.com/certen/mpc-orderflow/pkg/intake"
	"github.com/certen/mpc-orderflow/pkg/metrics"
	"github.com/certen/mpc-orderflow/pkg/mpc"
	"github.com/certen/mpc-orderflow/pkg/orchestrator"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
	"github.com/certen/mpc-orderflow/pkg/policy"
	"github.com/certen/mpc-orderflow/pkg/reconciler"
	"github.com/certen/mpc-orderflow/pkg/server"
	"github.com/certen/mpc-orderflow/pkg/signer"
	"github.com/certen/mpc-orderflow/pkg/submitter"
)

// HealthStatus tracks component health for the /health endpoint.
type HealthStatus struct {
	mu       sync.RWMutex
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func newHealthStatus() *HealthStatus {
	return &HealthStatus{Status: "starting", Services: make(map[string]string)}
}

func (h *HealthStatus) Set(service, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Services[service] = status
	h.Status = "ok"
	for _, s := range h.Services {
		if s != "connected" && s != "ok" {
			h.Status = "degraded"
		}
	}
}

func (h *HealthStatus) write(w http.ResponseWriter) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := `{"status":"` + h.Status + `"`
	for k, v := range h.Services {
		body += `,"` + k + `":"` + v + `"`
	}
	body += "}"
	w.Write([]byte(body))
}

// observerFanout delivers state transitions to every configured observer.
type observerFanout []orchestrator.StateObserver

func (f observerFanout) OrderTransitioned(o *order.Order, from, to order.State) {
	for _, obs := range f {
		obs.OrderTransitioned(o, from, to)
	}
}

func (f observerFanout) ObserveAdvanceLatency(seconds float64) {
	for _, obs := range f {
		if lat, ok := obs.(orchestrator.AdvanceObserver); ok {
			lat.ObserveAdvanceLatency(seconds)
		}
	}
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("Starting Certen MPC order lifecycle engine...")

	configPath := flag.String("config", "config.yaml", "Path to YAML configuration")
	flag.Parse()

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	health := newHealthStatus()

	log.Println("Connecting to PostgreSQL database...")
	storeClient, err := orderstore.NewClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}
	defer storeClient.Close()
	health.Set("database", "connected")

	if err := storeClient.MigrateUp(context.Background()); err != nil {
		log.Fatal("Failed to run database migrations: ", err)
	}
	log.Println("Connected to PostgreSQL and applied migrations")

	orders := orderstore.NewOrderRepository(storeClient)
	locks := orderstore.NewLockRepository(storeClient)
	nonces := orderstore.NewNonceRepository(storeClient)
	policies := orderstore.NewPolicyRepository(storeClient)
	keyDir := orderstore.NewKeyDirectoryRepository(storeClient)
	gasPool := orderstore.NewGasPoolRepository(storeClient)

	chainClient := chainrpc.NewClient(cfg.Chains, nil)
	defer chainClient.Close()
	if err := chainClient.Health(context.Background()); err != nil {
		log.Printf("WARNING: chain RPC health check failed: %v", err)
		health.Set("chain_rpc", "degraded")
	} else {
		health.Set("chain_rpc", "connected")
	}

	mpcClient := mpc.NewClient(cfg.MPC, nil)
	approverClient := policy.NewHTTPApproverClient(cfg.Approver, nil)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		mpcClient.SetObserver(m)
	}

	var observers observerFanout
	if m != nil {
		observers = append(observers, m)
	}
	if cfg.Firestore.Enabled {
		log.Println("Initializing Firestore mirror for real-time order dashboards...")
		mirror, err := firestoresync.NewMirror(context.Background(), cfg.Firestore, nil)
		if err != nil {
			log.Printf("WARNING: Firestore mirror unavailable: %v", err)
		} else {
			defer mirror.Close()
			observers = append(observers, mirror)
			health.Set("firestore", "connected")
		}
	}

	signerGateway := signer.NewGateway(orders, nonces, chainClient, mpcClient, cfg.Retry, nil)
	sub := submitter.NewSubmitter(orders, chainClient, cfg.Retry, nil)

	orch := orchestrator.New(orders, locks, keyDir, nil, signerGateway, sub, mpcClient, observers, cfg.Orchestrator, nil)

	collector, err := policy.NewCollector(policies, orders, approverClient, orch, cfg.Approver, nil)
	if err != nil {
		log.Fatal("Failed to construct policy collector: ", err)
	}
	orch.SetCollector(collector)

	rec := reconciler.New(orders, nonces, keyDir, chainClient, orch, nil)
	intakeService := intake.NewService(orders, keyDir, gasPool, orch, cfg.Chains)

	apiServer := server.New(intakeService, collector, rec, chainClient, gasPool, orders, m,
		cfg.Server, cfg.Chains, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { health.write(w) })
	apiServer.Routes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.Run(ctx)
	log.Printf("Orchestrator running with %d workers", cfg.Orchestrator.Workers)

	if m != nil {
		go func() {
			log.Printf("Metrics listening on %s", cfg.Metrics.ListenAddr)
			metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: m.Handler()}
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("API listening on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("API server: ", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
