package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/core"
	"github.com/r3e-network/workflow-engine/internal/engine/lifecycle"
	"github.com/r3e-network/workflow-engine/internal/engine/metrics"
	"github.com/r3e-network/workflow-engine/internal/engine/refstub"
	"github.com/r3e-network/workflow-engine/internal/engine/scheduler"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/internal/engine/stream"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Service exposes the Boundary over HTTP and fits the engine's Service
// lifecycle contract, grounded on internal/app/httpapi/service.go's
// addr/server/handler shape.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the Boundary's handler and layers on auth, CORS and
// metrics instrumentation, grounded on internal/app/httpapi/service.go's
// wrap order.
func NewService(store storage.Store, lc *lifecycle.Manager, sched *scheduler.Scheduler, fanout *stream.Fanout, planner refstub.Planner, providers []core.DescriptorProvider, addr string, validator JWTValidator, cronSecrets map[string]struct{}, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	handler := NewHandler(store, lc, sched, fanout, planner, providers, log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler)

	wrapped := http.Handler(mux)
	wrapped = wrapWithAuth(wrapped, validator, cronSecrets)
	wrapped = wrapWithCORS(wrapped)
	wrapped = metrics.InstrumentHandler(wrapped)

	return &Service{addr: addr, handler: wrapped, log: log}
}

var _ core.Service = (*Service)(nil)
var _ core.DescriptorProvider = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "http", Domain: "boundary", Layer: core.LayerIngress, Capabilities: []string{"rest", "sse"}}
}

// Start binds the listener in the background, matching the teacher's
// "Start returns once the goroutine is launched, not once it's serving"
// convention.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event streaming holds connections open indefinitely
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http: server stopped unexpectedly")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows the operator dashboard to call the Boundary
// cross-origin and short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
