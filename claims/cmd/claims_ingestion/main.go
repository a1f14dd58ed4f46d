// claims_ingestion fetches claim submission and remittance advice files from
// the configured source, projects them into the claims database and, for
// remote files, acknowledges the ones that landed cleanly.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.sahl.health/claims/claims/go/ack"
	"go.sahl.health/claims/claims/go/audit"
	"go.sahl.health/claims/claims/go/config"
	"go.sahl.health/claims/claims/go/dhpo"
	"go.sahl.health/claims/claims/go/fetcher"
	"go.sahl.health/claims/claims/go/ingestion"
	"go.sahl.health/claims/claims/go/orchestrator"
	"go.sahl.health/claims/claims/go/persist"
	"go.sahl.health/claims/claims/go/sql/schema"
	"go.sahl.health/claims/claims/go/vault"
	"go.sahl.health/claims/claims/go/verify"
	"go.sahl.health/claims/claims/go/xmlparse"
	"go.sahl.health/claims/go/httputils"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
)

func main() {
	configPath := flag.String("config", "", "Path to the JSON5 ingestion config.")
	flag.Parse()
	if *configPath == "" {
		sklog.Fatal("--config is required.")
	}

	var cfg config.IngestionConfig
	if err := config.LoadFromJSON5(&cfg, *configPath); err != nil {
		sklog.Fatalf("Cannot load config: %s", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		sklog.Fatalf("Bad config: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		sklog.Fatalf("Startup failed: %s", err)
	}
	app.run(ctx)
	sklog.Flush()
}

// app holds the wired pipeline of one process.
type app struct {
	cfg     config.IngestionConfig
	db      *pgxpool.Pool
	queue   *ingestion.Queue
	fetch   ingestion.Fetcher
	orch    *orchestrator.Orchestrator
	creds   *vault.Vault
	adminMu *chi.Mux
}

func newApp(ctx context.Context, cfg config.IngestionConfig) (*app, error) {
	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if cfg.ApplySchemaOnStartup {
		if _, err := db.Exec(ctx, schema.Schema); err != nil {
			return nil, skerr.Wrapf(err, "applying schema")
		}
		sklog.Info("Applied schema.")
	}

	queue, err := ingestion.NewQueueWithWatermarks(cfg.QueueCapacity, cfg.QueuePauseHighPct, cfg.QueueResumeLowPct)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	registry, err := fetcher.NewRegistry(4 * cfg.QueueCapacity)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	a := &app{cfg: cfg, db: db, queue: queue}

	parser := xmlparse.New(cfg.MaxAttachmentBytes)
	persister := persist.New(db, persist.Options{
		BatchSize:           cfg.BatchSize,
		HashSensitive:       cfg.HashSensitive,
		RefDataAutoInsert:   cfg.RefDataAutoInsert,
		FailOnXSDError:      cfg.FailOnXSDError,
		TxPerFile:           cfg.TxPerFile,
		TxPerChunkThreshold: cfg.TxPerChunkThreshold,
		TxChunkClaims:       cfg.TxChunkClaims,
	})
	verifier := verify.New(db)
	sink := audit.New(db)

	var acker ack.Acker = ack.NoopAcker{}
	var disposer orchestrator.Disposer

	switch cfg.Source {
	case config.SourceLocalFS:
		lf, err := fetcher.NewLocalFSFetcher(cfg.LocalFS.ReadyDir, cfg.LocalFS.ArchiveDir, cfg.LocalFS.FailedDir, queue)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		a.fetch = lf
		disposer = lf

	case config.SourceSOAP:
		creds, err := newVault(ctx, cfg, db)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		a.creds = creds
		gateway := newGateway(cfg)
		facilities := fetcher.NewSQLFacilities(db)
		a.fetch = fetcher.NewCoordinator(cfg.DHPO, gateway, creds, facilities, registry, queue)
		if cfg.AckEnabled {
			acker = ack.NewSOAPAcker(gateway, registry, facilities, creds)
		}

	default:
		return nil, skerr.Fmt("unknown source %q; expected %q or %q", cfg.Source, config.SourceLocalFS, config.SourceSOAP)
	}

	a.orch = orchestrator.New(cfg, queue, parser, persister, verifier, acker, sink, disposer)
	queue.OnBackpressure(a.fetch.Pause, a.fetch.Resume)
	a.adminMu = a.newAdminMux()
	return a, nil
}

func (a *app) run(ctx context.Context) {
	if a.cfg.AdminPort != "" {
		go func() {
			sklog.Infof("Admin server on %s", a.cfg.AdminPort)
			if err := http.ListenAndServe(a.cfg.AdminPort, a.adminMu); err != nil {
				sklog.Errorf("Admin server exited: %s", err)
			}
		}()
	}

	a.orch.Start(ctx)
	if err := a.fetch.Start(ctx); err != nil {
		sklog.Fatalf("Cannot start fetcher: %s", err)
	}
	sklog.Infof("Ingestion running; source=%s workers=%d queue=%d", a.cfg.Source, a.cfg.ParserWorkers, a.cfg.QueueCapacity)

	<-ctx.Done()
	sklog.Info("Shutting down; draining in-flight files.")
	a.orch.Wait()
	a.db.Close()
	sklog.Info("Shutdown complete.")
}

// newAdminMux serves health, metrics and the operational switches.
func (a *app) newAdminMux() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", httputils.ReadyHandleFunc)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/admin/pause", func(w http.ResponseWriter, _ *http.Request) {
		a.fetch.Pause()
		a.orch.Pause()
		sklog.Info("Paused via admin endpoint.")
		_, _ = w.Write([]byte("paused\n"))
	})
	r.Post("/admin/resume", func(w http.ResponseWriter, _ *http.Request) {
		a.fetch.Resume()
		a.orch.Resume()
		sklog.Info("Resumed via admin endpoint.")
		_, _ = w.Write([]byte("resumed\n"))
	})
	r.Post("/admin/rewrap", func(w http.ResponseWriter, req *http.Request) {
		if a.creds == nil {
			http.Error(w, "vault not configured", http.StatusConflict)
			return
		}
		n, err := a.creds.ReencryptAllIfNeeded(req.Context())
		if err != nil {
			sklog.Errorf("Re-wrap failed: %s", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sklog.Infof("Re-wrapped %d credential envelopes via admin endpoint.", n)
		_, _ = w.Write([]byte("rewrapped\n"))
	})
	return r
}

func newPool(ctx context.Context, cfg config.IngestionConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.SQLConnection)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing sql_connection")
	}
	// Workers persist concurrently, plus headroom for audit and verify.
	workers := cfg.ParserWorkers
	if workers <= 0 {
		workers = 4
	}
	poolCfg.MaxConns = int32(workers) + 2
	db, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, skerr.Wrapf(err, "connecting to database")
	}
	return db, nil
}

func newVault(ctx context.Context, cfg config.IngestionConfig, db *pgxpool.Pool) (*vault.Vault, error) {
	if cfg.Vault.KeystorePath == "" {
		return nil, skerr.Fmt("vault.keystore_path is required for the soap source")
	}
	keystore, err := vault.LoadKeystore(cfg.Vault.KeystorePath, cfg.Vault.StorePass)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading keystore")
	}
	v, err := vault.New(keystore, vault.NewSQLStore(db), cfg.Vault.CacheTTL.Duration)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	// Rows wrapped under older key versions are brought forward on startup.
	n, err := v.ReencryptAllIfNeeded(ctx)
	if err != nil {
		sklog.Warningf("Credential re-wrap on startup failed: %s", err)
	} else if n > 0 {
		sklog.Infof("Re-wrapped %d credential envelopes on startup.", n)
	}
	return v, nil
}

// newGateway builds the SOAP client. The HTTP client must not retry on its
// own; the gateway owns the retry budget.
func newGateway(cfg config.IngestionConfig) dhpo.Gateway {
	clientCfg := httputils.DefaultClientConfig().WithoutRetries()
	if cfg.DHPO.ConnectTimeout.Duration > 0 {
		clientCfg = clientCfg.WithDialTimeout(cfg.DHPO.ConnectTimeout.Duration)
	}
	if cfg.DHPO.DownloadTimeout.Duration > 0 {
		clientCfg = clientCfg.WithRequestTimeout(cfg.DHPO.DownloadTimeout.Duration)
	} else if cfg.DHPO.ReadTimeout.Duration > 0 {
		clientCfg = clientCfg.WithRequestTimeout(cfg.DHPO.ReadTimeout.Duration)
	}
	return dhpo.NewClient(dhpo.ClientOpts{
		HTTPClient: clientCfg.Client(),
		SOAP12:     cfg.DHPO.SOAP12,
		Retries:    cfg.DHPO.RetriesOnTransient,
	})
}
