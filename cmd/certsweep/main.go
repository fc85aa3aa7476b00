package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"certeon.org/internal/audit"
	"certeon.org/internal/config"
	"certeon.org/internal/decision"
	"certeon.org/internal/mitigation"
	"certeon.org/internal/obs"
	"certeon.org/internal/phase"
	"certeon.org/internal/provision"
	"certeon.org/internal/remediation"
	"certeon.org/internal/rule"
	"certeon.org/internal/signoff"
	"certeon.org/internal/store"
	"certeon.org/internal/store/pg"
	"certeon.org/internal/work"
)

var version = "0.3.1"

// certsweep is the housekeeping host: it runs the phase-transition,
// auto-close and mitigation-expiry sweeps on an interval against the
// configured store.
// The in-process store it wires here is the harness store; production hosts
// embed the engine against their own session-backed store.
func main() {
	var (
		configPath  = flag.String("config", os.Getenv("CERTEON_CONFIG"), "Path to YAML config")
		interval    = flag.Duration("interval", time.Minute, "Sweep interval")
		once        = flag.Bool("once", false, "Run one sweep and exit")
		metricsAddr = flag.String("metrics", ":9102", "Metrics listen address, empty to disable")
		recordsDSN  = flag.String("records-dsn", os.Getenv("CERTEON_PG_DSN"), "PostgreSQL DSN for the durable record store, empty to scan in process")
	)
	flag.Parse()

	obs.Init()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	st := store.NewMemory()
	rules := rule.NewFuncEngine()
	workEng := work.NewMemory()
	sink := audit.LogSink{}

	var exec provision.Executor = provision.ExecutorFunc(func(ctx context.Context, plan *provision.Plan) error {
		obs.Info("provisioning plan executed", map[string]any{
			"plan": plan.ID, "identity": plan.Identity, "accounts": len(plan.Accounts),
		})
		return nil
	})
	if cfg.ProvisionRate > 0 {
		exec = provision.NewRateLimited(exec, cfg.ProvisionRate, cfg.ProvisionBurst)
	}

	planner := remediation.SnapshotPlanner{}
	remed := remediation.NewManager(st, planner, exec, workEng, cfg.RemediationCommitEvery)
	mit := mitigation.NewManager(st, planner, exec, cfg)
	decider := decision.NewDecider(st, mit, workEng, cfg)

	if cfg.SignoffSecret == "" {
		log.Println("CERTEON_CONFIG sets no signoff secret, using dev default")
		cfg.SignoffSecret = "certeon-dev-secret"
	}
	signer, err := signoff.New(cfg.SignoffSecret)
	if err != nil {
		log.Fatalf("signoff signer: %v", err)
	}

	msgs := &obs.Messages{}
	phaser := phase.New(st, rules, workEng, remed, nil, cfg, msgs)
	closer := decision.NewAutoCloser(st, rules, decider, mit, signer, sink, cfg)

	// Expired mitigations come off the durable record store when one is
	// configured, the in-process identities otherwise.
	var expiredSrc mitigation.ExpiredSource = st.Identities()
	if *recordsDSN != "" {
		records, err := pg.Open(*recordsDSN)
		if err != nil {
			log.Fatalf("open record store: %v", err)
		}
		defer records.Close()
		expiredSrc = records
	}
	expiry := mitigation.NewExpirySweeper(st, expiredSrc, exec, cfg)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", obs.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Fatalf("metrics listen: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), *interval)
		defer cancel()

		if err := phaser.TransitionDue(ctx, time.Now().UTC()); err != nil {
			obs.Error("phase sweep failed", map[string]any{"err": err.Error()})
		}
		results, err := closer.Execute(ctx)
		if err != nil {
			obs.Error("auto close sweep failed", map[string]any{"err": err.Error()})
		}
		expiryResults, err := expiry.Execute(ctx, time.Now().UTC())
		if err != nil {
			obs.Error("mitigation expiry sweep failed", map[string]any{"err": err.Error()})
		}

		out, _ := json.Marshal(map[string]any{
			"phased":       phaser.Results().CertificationsPhased,
			"itemsPhased":  phaser.Results().CertificationItemsPhased,
			"closed":       results.CertificationsClosed,
			"itemsDecided": results.ItemsDecided,
			"expired":      expiryResults.Expired,
			"expiryPlans":  expiryResults.Provisioned,
		})
		log.Printf("sweep complete %s", out)
		for _, m := range msgs.All() {
			log.Printf("sweep %s: %s", m.Level, m.Text)
		}
	}

	log.Printf("Starting certsweep %s (interval %s)", version, *interval)
	sweep()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-stop:
			log.Println("Shutting down...")
			phaser.Terminate()
			closer.Terminate()
			return
		}
	}
}
