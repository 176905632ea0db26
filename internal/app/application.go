// Package app wires the Credential & Session Registry, Job Store, Run
// Aggregator, JIT Scheduler, Worker Runtime, and admin HTTP surface into a
// single Application whose lifecycle is owned by a system.Manager.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/cafeauto/backbone/internal/config"
	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/httpapi"
	"github.com/cafeauto/backbone/internal/metrics"
	"github.com/cafeauto/backbone/internal/queue"
	"github.com/cafeauto/backbone/internal/queue/memqueue"
	"github.com/cafeauto/backbone/internal/queue/redisqueue"
	"github.com/cafeauto/backbone/internal/services/credentials"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/internal/services/scheduler"
	"github.com/cafeauto/backbone/internal/services/worker"
	"github.com/cafeauto/backbone/internal/system"
	"github.com/cafeauto/backbone/pkg/logger"
)

// Application owns every long-running service and the manager that starts
// and stops them in dependency order.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Credentials *credentials.Service
	Jobs        *jobs.Service
	Runs        *runs.Service
	Scheduler   *scheduler.Service
	Worker      *worker.Service
	HTTP        *httpapi.Service
	Metrics     *metrics.Poller
}

// New constructs an Application from cfg. store may be nil, in which case
// an in-memory Store is used. driver may be nil, in which case the worker
// runtime is wired against a stub that fails every call — callers that
// need real target-site automation must supply their own worker.Driver.
func New(cfg config.Config, store Store, log *logger.Logger, driver worker.Driver) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("backbone")
	}
	if driver == nil {
		driver = NewUnimplementedDriver()
	}
	store = defaultStore(store)

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("decode secret master key: %w", err)
	}
	cipher := credentials.NewAESGCMCipher(masterKey)
	credsSvc := credentials.New(store, store, cipher, log)

	broker, closer := newBroker(cfg, log)

	jobsSvc := jobs.New(store, broker, log)
	runsSvc := runs.New(store, log)
	schedulerSvc := scheduler.New(store, store, runsSvc, jobsSvc, credsSvc, log)
	workerSvc := worker.New(broker, jobsSvc, runsSvc, credsSvc, driver, log, schedulerSvc, worker.WithTelemetry(metrics.WorkerTelemetry{}))
	httpSvc := httpapi.New(cfg.HTTPAddr, runsSvc, jobsSvc, log)
	pollerSvc := metrics.NewPoller(broker, runsSvc, log)

	manager := system.NewManager()
	for _, svc := range []system.Service{
		closerService{name: "queue-broker", closer: closer},
		credsSvc,
		jobsSvc,
		runsSvc,
		schedulerSvc,
		workerSvc,
		httpSvc,
		pollerSvc,
	} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register service: %w", err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Credentials: credsSvc,
		Jobs:        jobsSvc,
		Runs:        runsSvc,
		Scheduler:   schedulerSvc,
		Worker:      workerSvc,
		HTTP:        httpSvc,
		Metrics:     pollerSvc,
	}, nil
}

// Start brings up every registered service in dependency order, rolling
// back anything already started if one of them fails.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop tears down every registered service in reverse order. It is safe
// to call multiple times.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors exposes the lifecycle-managed services' descriptors, sorted
// by layer then name, for diagnostics.
func (a *Application) Descriptors() []core.Descriptor {
	return a.manager.Descriptors()
}

// newBroker constructs a queue.Broker from cfg: Redis-backed when
// cfg.RedisAddr is set, in-memory otherwise. The returned closer releases
// whatever resources the broker holds (for Redis, this also closes the
// underlying client) and is wrapped in a closerService so the manager
// closes it as part of the ordinary shutdown sequence.
func newBroker(cfg config.Config, log *logger.Logger) (queue.Broker, interface{ Close() error }) {
	if cfg.RedisAddr == "" {
		broker := memqueue.New()
		return broker, broker
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	broker := redisqueue.New(client, log)
	return broker, broker
}
