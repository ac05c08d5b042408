package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"netops-console/internal/artifact"
	"netops-console/internal/config"
	"netops-console/internal/guard"
	"netops-console/internal/monitor"
	"netops-console/internal/netcap"
	"netops-console/internal/queue"
	"netops-console/internal/runtime"
	"netops-console/internal/store"
	"netops-console/internal/telemetry"
	workerproc "netops-console/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	g := guard.New(policy, cfg.LabMode)

	// SIGHUP reloads the allowlist policy without a restart.
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			p, err := config.LoadPolicy(cfg.PolicyPath)
			if err != nil {
				log.Printf("policy reload failed: %v", err)
				continue
			}
			g.Reload(p)
			log.Printf("policy reloaded from %s", cfg.PolicyPath)
		}
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, cfg.LogLineCap)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	net, err := netcap.New(netcap.Options{
		SSHUser:        cfg.SSHUser,
		SSHKeyPath:     cfg.SSHKeyPath,
		SSHDialTimeout: cfg.SSHDialTimeout,
	})
	if err != nil {
		log.Fatalf("init network providers: %v", err)
	}

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	registry := runtime.NewRegistry()
	for _, unit := range runtime.Prebuilt() {
		registry.Register(unit)
	}
	registry.Register(monitor.HealthUnit())
	resolver := runtime.NewResolver(registry, artifacts)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, st, g, resolver, net, workerID)

	monitorTargets := cfg.MonitorTargets
	if len(monitorTargets) == 0 {
		monitorTargets = policy.Monitor.Targets
	}
	monitorInterval := cfg.MonitorInterval
	if policy.Monitor.Interval > 0 {
		monitorInterval = policy.Monitor.Interval
	}
	mon := monitor.New(st, processor, monitorTargets, monitorInterval)
	go mon.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with exec_timeout=%s lab_mode=%t", workerID, cfg.ExecTimeout, cfg.LabMode)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
