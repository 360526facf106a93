package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/admission"
	"github.com/sells-group/inference-gateway/internal/classifier"
	"github.com/sells-group/inference-gateway/internal/config"
	"github.com/sells-group/inference-gateway/internal/cost"
	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/gateway"
	"github.com/sells-group/inference-gateway/internal/health"
	"github.com/sells-group/inference-gateway/internal/identity"
	"github.com/sells-group/inference-gateway/internal/job"
	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
	"github.com/sells-group/inference-gateway/internal/provider/factory"
	"github.com/sells-group/inference-gateway/internal/scheduler"
	"github.com/sells-group/inference-gateway/internal/usage"
)

// gatewayEnv holds the wired request pipeline shared by serve and worker.
type gatewayEnv struct {
	usageStore usage.Store
	jobStore   job.Store
	recorder   *usage.Recorder
	calc       *cost.Calculator
	registry   *provider.Registry
	monitor    *health.Monitor
	sched      *scheduler.Scheduler
	gw         *gateway.Gateway
	jobs       *job.Service
}

func openUsageStore(ctx context.Context, cfg config.StoreConfig) (usage.Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return usage.NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return usage.NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openJobStore(ctx context.Context, cfg config.StoreConfig) (job.Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return job.NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return job.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func loadRates(cfg config.PricingConfig) (cost.Rates, error) {
	if cfg.Path == "" {
		return cost.DefaultRates(), nil
	}
	rates, err := cost.LoadRates(cfg.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load price table")
	}
	return rates, nil
}

// loadPolicies reads the policy file; when the file is absent it falls
// back to one pass-through policy per registered model.
func loadPolicies(cfg config.PoliciesConfig, registry *provider.Registry) ([]classifier.Policy, error) {
	policies, err := classifier.LoadPolicies(cfg.Path)
	if err == nil {
		return policies, nil
	}
	if !os.IsNotExist(eris.Cause(err)) {
		return nil, err
	}
	zap.L().Warn("policy file not found, using per-model defaults", zap.String("path", cfg.Path))
	for _, m := range registry.Models() {
		policies = append(policies, classifier.Policy{ID: m, ModelID: m})
	}
	return policies, nil
}

// newGatewayEnv wires the full pipeline. Run loops (monitor, scheduler,
// job service) are not started; callers own their lifecycle.
func newGatewayEnv(ctx context.Context, cfg *config.Config) (*gatewayEnv, error) {
	usageStore, err := openUsageStore(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open usage store")
	}
	if err := usageStore.Migrate(ctx); err != nil {
		usageStore.Close()
		return nil, eris.Wrap(err, "migrate usage store")
	}

	jobStore, err := openJobStore(ctx, cfg.Store)
	if err != nil {
		usageStore.Close()
		return nil, eris.Wrap(err, "open job store")
	}
	if err := jobStore.Migrate(ctx); err != nil {
		jobStore.Close()
		usageStore.Close()
		return nil, eris.Wrap(err, "migrate job store")
	}

	env := &gatewayEnv{usageStore: usageStore, jobStore: jobStore}

	rates, err := loadRates(cfg.Pricing)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.calc = cost.NewCalculator(rates)
	env.recorder = usage.NewRecorder(usageStore, env.calc)

	env.registry = provider.NewRegistry()
	if err := factory.RegisterConfigured(cfg.Providers, env.registry); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "register providers")
	}

	env.monitor = health.NewMonitor(health.Options{
		PollInterval:     cfg.Monitor.PollInterval,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		CircuitCooldown:  cfg.Monitor.CircuitCooldown,
	})
	for _, p := range env.registry.Providers() {
		env.monitor.Register(p)
	}

	exec := executor.New(executor.Options{
		RequestTimeout: cfg.Executor.RequestTimeout,
		MaxAttempts:    cfg.Executor.MaxAttempts,
		InitialBackoff: cfg.Executor.InitialBackoff,
	}, env.monitor)

	env.sched = scheduler.New(scheduler.Options{
		Workers:          cfg.Scheduler.Workers,
		BandQuota:        cfg.Scheduler.BandQuota,
		RequeueCeiling:   cfg.Scheduler.RequeueCeiling,
		RequeueBackoff:   cfg.Scheduler.RequeueBackoff,
		MinCapacityScore: cfg.Scheduler.MinCapacityScore,
	}, env.registry, env.monitor, exec)

	policies, err := loadPolicies(cfg.Policies, env.registry)
	if err != nil {
		env.Close()
		return nil, err
	}
	cls := classifier.New(policies, nil, env.sched.DepthForModel)

	resolver := identity.NewResolver(identity.NewConfigStore(cfg.Processes, cfg.Admission))
	admitter := admission.NewController(cfg.Scheduler.MaxQueueDepth, env.sched.Depth)

	env.gw = gateway.New(resolver, cls, admitter, env.sched, env.recorder, env.calc)

	runner := func(ctx context.Context, j model.Job) (string, error) {
		resp, err := env.gw.SubmitForProcess(ctx, j.ProcessID, gateway.SubmitParams{Request: j.Request})
		if err != nil {
			return "", err
		}
		return "usage://" + resp.RequestID, nil
	}
	env.jobs = job.NewService(jobStore, runner, job.Options{
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval,
	})

	return env, nil
}

// Close releases store handles. Run loops stop via their contexts.
func (e *gatewayEnv) Close() {
	if e.jobStore != nil {
		if err := e.jobStore.Close(); err != nil {
			zap.L().Warn("close job store", zap.Error(err))
		}
	}
	if e.usageStore != nil {
		if err := e.usageStore.Close(); err != nil {
			zap.L().Warn("close usage store", zap.Error(err))
		}
	}
}
