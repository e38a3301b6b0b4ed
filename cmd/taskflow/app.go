package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/taskflow/internal/config"
	"github.com/flexinfer/taskflow/internal/dataflow"
	"github.com/flexinfer/taskflow/internal/driver"
	"github.com/flexinfer/taskflow/internal/engine"
	"github.com/flexinfer/taskflow/internal/k8s"
	"github.com/flexinfer/taskflow/internal/notify"
	"github.com/flexinfer/taskflow/internal/operators"
	"github.com/flexinfer/taskflow/internal/pipelinestore"
	"github.com/flexinfer/taskflow/internal/planner"
	"github.com/flexinfer/taskflow/internal/registry"
	"github.com/flexinfer/taskflow/internal/runstore"
	"github.com/flexinfer/taskflow/internal/scheduler"
	"github.com/flexinfer/taskflow/internal/taskgroup"
	"github.com/flexinfer/taskflow/internal/warehouse"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	runs      runstore.RunStore
	pipelines pipelinestore.Store
	registry  registry.Registry
	planner   *planner.Planner
	executor  *scheduler.Executor
	publisher notify.Publisher
	engine    *engine.Engine

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.runs, err = newRunStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.runs.Close() })

	a.pipelines, err = newPipelineStore(cfg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.pipelines.Close() })

	storage, err := dataflow.New(&dataflow.Config{
		Type:            cfg.StorageBackend,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		UseSSL:          cfg.S3UseSSL,
		PathPrefix:      cfg.S3PathPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}

	deps := operators.Deps{Storage: storage, Logger: logger}
	if cfg.WarehouseURL != "" {
		whCfg := warehouse.DefaultConfig()
		whCfg.URL = cfg.WarehouseURL
		wh, err := warehouse.Open(ctx, whCfg, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(wh.Close)
		deps.Warehouse = wh
	} else {
		logger.Warn("WAREHOUSE_URL not set; warehouse operators cannot be bound")
	}

	reg := registry.NewMemoryRegistry()
	if err := operators.Register(ctx, reg, deps); err != nil {
		return nil, err
	}
	a.registry = reg

	checkEnv := map[string]string{"CHECKS_ROOT": cfg.ChecksRoot}
	if cfg.WarehouseURL != "" {
		checkEnv["WAREHOUSE_URL"] = cfg.WarehouseURL
	}
	resolvers := map[string]taskgroup.Resolver{
		taskgroup.DefaultResolver: taskgroup.NewDbtResolver(taskgroup.DbtConfig{
			Executable:  cfg.DbtExecutable,
			ProjectDir:  cfg.DbtProjectDir,
			ProfilesDir: cfg.DbtProfilesDir,
			Target:      cfg.DbtTarget,
		}),
	}
	a.planner, err = planner.New(reg, resolvers, &planner.Config{
		CheckCommand: cfg.CheckCommand,
		CheckEnv:     checkEnv,
	}, logger)
	if err != nil {
		return nil, err
	}

	runner, err := newRouter(ctx, cfg, a.runs, logger)
	if err != nil {
		return nil, err
	}
	a.executor = scheduler.New(runner,
		scheduler.WithConfig(&scheduler.Config{
			Concurrency:        cfg.MaxParallelism,
			DefaultMaxAttempts: cfg.DefaultMaxRetries + 1,
			DefaultBackoff:     time.Duration(cfg.DefaultBackoffSecs) * time.Second,
			AbandonAfter:       cfg.AbandonAfter,
		}),
		scheduler.WithStore(a.runs),
		scheduler.WithLogger(logger),
	)

	a.publisher, err = newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.publisher.Close() })

	a.engine = engine.New(engine.Deps{
		Pipelines: a.pipelines,
		Planner:   a.planner,
		Executor:  a.executor,
		Runs:      a.runs,
		Publisher: a.publisher,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadPipelines stores every pipeline file found in dir, replacing stored
// versions with the same id.
func (a *app) loadPipelines(ctx context.Context, dir string) ([]string, error) {
	specs, err := planner.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, err := a.pipelines.Get(ctx, spec.ID); err == nil {
			_, err = a.pipelines.Update(ctx, spec.ID, spec)
			if err != nil {
				return nil, fmt.Errorf("update pipeline %s: %w", spec.ID, err)
			}
		} else if _, err := a.pipelines.Create(ctx, spec); err != nil {
			return nil, fmt.Errorf("create pipeline %s: %w", spec.ID, err)
		}
		ids = append(ids, spec.ID)
	}
	return ids, nil
}

func newRunStore(cfg *config.Config, logger *slog.Logger) (runstore.RunStore, error) {
	switch cfg.RunStoreType {
	case "redis":
		store, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:         cfg.RedisURL,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Prefix:      "runs",
			TTL:         cfg.RunStoreTTL,
			EventMaxLen: cfg.EventMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("redis runstore: %w", err)
		}
		logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		return store, nil
	default:
		logger.Info("using in-memory runstore")
		return runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		}), nil
	}
}

func newPipelineStore(cfg *config.Config) (pipelinestore.Store, error) {
	if cfg.PipelineStoreType == "redis" {
		store, err := pipelinestore.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis pipelinestore: %w", err)
		}
		return store, nil
	}
	return pipelinestore.NewMemoryStore(), nil
}

// newRouter builds the runner for each isolation. The Kubernetes runner is
// only wired when enabled.
func newRouter(ctx context.Context, cfg *config.Config, runs runstore.RunStore, logger *slog.Logger) (*driver.Router, error) {
	emitter := driver.NewRunStoreEmitter(runs)
	router := &driver.Router{
		InProcess: driver.NewInProcess(),
		Process: driver.NewSubprocess(emitter, &driver.SubprocessConfig{
			GracePeriod: cfg.KillGrace,
		}),
	}
	if cfg.K8sEnabled {
		k8sCfg := k8s.DefaultConfig()
		k8sCfg.InCluster = cfg.K8sInCluster
		k8sCfg.Namespace = cfg.K8sNamespace
		if cfg.K8sKubeconfig != "" {
			k8sCfg.Kubeconfig = cfg.K8sKubeconfig
		}
		runner, err := driver.NewKubernetes(emitter, &driver.KubernetesConfig{K8sConfig: k8sCfg})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		version, err := runner.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		router.Kubernetes = runner
		logger.Info("kubernetes runner enabled",
			slog.String("namespace", cfg.K8sNamespace),
			slog.String("server_version", version),
		)
	}
	return router, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (notify.Publisher, error) {
	switch cfg.NotifyBackend {
	case "amqp":
		return notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	case "kafka":
		return notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	default:
		return notify.Noop{}, nil
	}
}
