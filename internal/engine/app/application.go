// Package app wires every engine package into one runnable Application,
// grounded on internal/app/application.go's single-constructor,
// Manager-owned-services shape: build every collaborator, register the
// long-running ones with a core.Manager, and expose Start/Stop.
package app

import (
	"context"
	"database/sql"
	"math/big"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/r3e-network/workflow-engine/infrastructure/httputil"
	"github.com/r3e-network/workflow-engine/infrastructure/resilience"
	"github.com/r3e-network/workflow-engine/internal/engine/config"
	"github.com/r3e-network/workflow-engine/internal/engine/core"
	"github.com/r3e-network/workflow-engine/internal/engine/executor"
	"github.com/r3e-network/workflow-engine/internal/engine/httpapi"
	"github.com/r3e-network/workflow-engine/internal/engine/ledger"
	"github.com/r3e-network/workflow-engine/internal/engine/lifecycle"
	"github.com/r3e-network/workflow-engine/internal/engine/payment"
	"github.com/r3e-network/workflow-engine/internal/engine/refstub"
	"github.com/r3e-network/workflow-engine/internal/engine/scheduler"
	"github.com/r3e-network/workflow-engine/internal/engine/ssrf"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	memstore "github.com/r3e-network/workflow-engine/internal/engine/storage/memory"
	pgstore "github.com/r3e-network/workflow-engine/internal/engine/storage/postgres"
	"github.com/r3e-network/workflow-engine/internal/engine/stream"
	"github.com/r3e-network/workflow-engine/internal/platform/migrations"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Application owns every wired collaborator plus the core.Manager that
// starts and stops the long-running ones (tick worker, HTTP boundary).
type Application struct {
	Config    *config.Config
	Log       *logger.Logger
	DB        *sql.DB
	Store     storage.Store
	Ledger    *ledger.Ledger
	SSRF      *ssrf.Policy
	Handshake *payment.Handshake
	Executor  *executor.Executor
	Lifecycle *lifecycle.Manager
	Scheduler *scheduler.Scheduler
	Fanout    *stream.Fanout
	HTTP      *httpapi.Service

	manager *core.Manager
}

// circuitBreakerTransport wraps an http.RoundTripper with a resilience
// circuit breaker so outbound calls stop being attempted once it trips,
// instead of exhausting every worker's lease window on a host that is
// already down. app.New builds one breaker for the shared outbound client,
// so failures from any tool count toward it and, once it is open, calls to
// every tool are refused until it half-opens. Grounded on
// infrastructure/resilience's Execute(ctx, fn) shape.
type circuitBreakerTransport struct {
	base http.RoundTripper
	cb   *resilience.CircuitBreaker
}

func (t *circuitBreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.cb.Execute(req.Context(), func() error {
		var rtErr error
		resp, rtErr = t.base.RoundTrip(req)
		if rtErr != nil {
			return rtErr
		}
		if resp.StatusCode >= 500 {
			return &transientStatusError{code: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*transientStatusError); ok {
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

type transientStatusError struct{ code int }

func (e *transientStatusError) Error() string { return "upstream 5xx" }

// New builds an Application from configuration. When cfg.DatabaseURL is
// empty the engine runs on the in-memory Store (tests, local demos);
// otherwise it opens and migrates Postgres.
func New(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	var store storage.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrate {
			if err := migrations.Apply(context.Background(), db); err != nil {
				return nil, err
			}
		}
		store = pgstore.NewStore(db)
	} else {
		store = memstore.NewStore()
	}

	ssrfPolicy := ssrf.New()

	transport := &circuitBreakerTransport{
		base: httputil.DefaultTransportWithMinTLS12(),
		cb:   resilience.New(resilience.DefaultConfig()),
	}
	httpClient := &http.Client{
		Timeout:       30 * time.Second,
		Transport:     transport,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	wallet := refstub.NewStaticWallet(big.NewInt(10_000_000_000))
	handshake := payment.New(httpClient, ssrfPolicy, store.Events, store.Receipts, wallet, log)
	led := ledger.New(store.Runs, log)
	llm := refstub.NewEchoLLM()
	exec := executor.New(store.Tools, handshake, ssrfPolicy, led, store.Runs, llm, log)
	lc := lifecycle.New(store.Runs, store.Steps, store.Events, log)
	sched := scheduler.New(store.Runs, store.Steps, store.Events, exec, lc, log)
	sched.StallThreshold = cfg.StallThreshold()
	fanout := stream.New(store.Runs, store.Events, log)
	fanout.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	fanout.PingInterval = time.Duration(cfg.PingIntervalMs) * time.Millisecond
	planner := refstub.NewStaticPlanner()

	tickWorker := scheduler.NewTickWorker(sched, cfg.TickInterval(), cfg.MaxStepsPerTick, cfg.MaxConcurrency, log)

	var validator httpapi.JWTValidator
	if hv := httpapi.NewHMACValidator(cfg.JWTSecret); hv != nil {
		validator = hv
	}

	providers := []core.DescriptorProvider{tickWorker}
	httpSvc := httpapi.NewService(store, lc, sched, fanout, planner, providers, cfg.Addr, validator, cfg.CronSecrets(), log)

	manager := core.NewManager()
	if err := manager.Register(tickWorker); err != nil {
		return nil, err
	}
	if err := manager.Register(httpSvc); err != nil {
		return nil, err
	}

	return &Application{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Store:     store,
		Ledger:    led,
		SSRF:      ssrfPolicy,
		Handshake: handshake,
		Executor:  exec,
		Lifecycle: lc,
		Scheduler: sched,
		Fanout:    fanout,
		HTTP:      httpSvc,
		manager:   manager,
	}, nil
}

// Start launches every registered service (tick worker, HTTP boundary).
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop tears down every registered service in reverse start order, then
// closes the database handle if one was opened.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.DB != nil {
		if closeErr := a.DB.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// Descriptors reports every registered service's descriptor (tick worker and
// HTTP boundary). The Boundary's /system/descriptors endpoint does not call
// this; it lists the providers handed to httpapi.NewService in New, which
// is the tick worker only.
func (a *Application) Descriptors() []core.Descriptor {
	return a.manager.Descriptors()
}
