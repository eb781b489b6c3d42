package main

import (
	"context"
	"log"

	"github.com/rawblock/txaudit-engine/internal/api"
	"github.com/rawblock/txaudit-engine/internal/attestation"
	"github.com/rawblock/txaudit-engine/internal/config"
	"github.com/rawblock/txaudit-engine/internal/db"
	"github.com/rawblock/txaudit-engine/internal/executor"
	"github.com/rawblock/txaudit-engine/internal/forensics"
	"github.com/rawblock/txaudit-engine/internal/isolation"
	"github.com/rawblock/txaudit-engine/internal/pipeline"
	"github.com/rawblock/txaudit-engine/internal/simulator"
)

func main() {
	log.Println("Starting txaudit-engine (transaction simulation & forensics audit pipeline)...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	var dbConn *db.PostgresStore
	if cfg.Storage.PostgresDSN != "" {
		conn, err := db.Connect(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without audit history: %v", err)
		} else {
			dbConn = conn
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: audit schema init failed: %v", err)
			}
		}
	} else {
		log.Println("storage.postgres_dsn not set; audit history will not be persisted")
	}

	ctx := context.Background()

	var pool *simulator.Pool
	if cfg.Simulator.ForkURL != "" {
		simCfg := simulator.Config{
			ForkURL:   cfg.Simulator.ForkURL,
			ForkBlock: cfg.Simulator.ForkBlock,
			Binary:    cfg.Simulator.Binary,
			Port:      cfg.Simulator.BasePort,
			Timeout:   cfg.Simulator.Timeout,
		}
		p, err := simulator.NewPool(ctx, simCfg, cfg.Simulator.PoolSize)
		if err != nil {
			log.Printf("Warning: failed to start simulator pool, audits will report executor stage errors until SIMULATOR_FORK_URL is reachable: %v", err)
		} else {
			pool = p
			defer pool.Shutdown()
		}
	} else {
		log.Println("simulator.fork_url not set; audits will report executor stage errors until it is configured")
	}

	isolator := isolation.NewManager(isolationBackend(cfg))

	issuer, err := attestation.NewIssuer(cfg.Isolation.Backend, "txaudit-engine-process")
	if err != nil {
		log.Fatalf("FATAL: failed to initialize attestation issuer: %v", err)
	}

	exec := executor.New(executor.Capabilities{
		Pool:         pool,
		Isolation:    isolator,
		ScamRegistry: forensics.InertScamRegistry{},
	})

	pipe := pipeline.New(cfg, exec, isolator)

	wsHub := api.NewHub()
	go wsHub.Run()

	r := api.SetupRouter(cfg, pipe, issuer, dbConn, wsHub)

	log.Printf("Engine running on :%s\n", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// isolationBackend selects the concrete isolation.Backend named by
// cfg.Isolation.Backend. config.Validate already rejects unknown names, so
// the default case here is unreachable in practice.
func isolationBackend(cfg config.Config) isolation.Backend {
	switch cfg.Isolation.Backend {
	case "cloud-enclave":
		return isolation.CloudEnclaveBackend{}
	case "sgx":
		return isolation.SGXBackend{}
	default:
		return isolation.ContainerSimBackend{Image: cfg.Isolation.Image}
	}
}
