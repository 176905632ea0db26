package httpapi

import (
	"context"
	"net/http"
	"time"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/pkg/logger"
)

// Service exposes the admin HTTP surface and fits into the application's
// lifecycle alongside the other services.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// New constructs the admin HTTP Service.
func New(addr string, runsSvc *runs.Service, jobsSvc *jobs.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &Service{
		addr:    addr,
		handler: NewRouter(runsSvc, jobsSvc, log),
		log:     log,
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "httpapi" }

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "observability",
		Layer:        core.LayerIngress,
		Capabilities: []string{"health", "metrics", "active-runs"},
	}
}

// Start begins serving on addr in the background.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	s.log.WithField("addr", s.addr).Info("admin http surface started")
	return nil
}

// Stop gracefully shuts down the server.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
