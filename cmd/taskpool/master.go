package main

import (
	"cluster-task-queue/pkg/api"
	"cluster-task-queue/pkg/config"
	"cluster-task-queue/pkg/events"
	"cluster-task-queue/pkg/logging"
	"cluster-task-queue/pkg/persistence"
	"cluster-task-queue/pkg/producer"
	"cluster-task-queue/pkg/queue"
	"cluster-task-queue/pkg/storage"
	"cluster-task-queue/pkg/supervisor"
	"cluster-task-queue/pkg/worker"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMasterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the producer and supervise the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			inline, _ := cmd.Flags().GetBool("inline")
			noProduce, _ := cmd.Flags().GetBool("no-produce")
			if cfg.Backend == storage.BackendMemory && !inline {
				// forked workers would each get a private store
				return fmt.Errorf("backend %q requires --inline", cfg.Backend)
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runMaster(ctx, cfg, masterOptions{
				inline:     inline,
				produce:    !noProduce,
				workerArgs: append([]string{"worker"}, forwardedFlags(cmd)...),
			})
		},
	}
	cmd.Flags().Bool("inline", false, "Run workers as goroutines in this process instead of child processes")
	cmd.Flags().Bool("no-produce", false, "Only supervise workers; do not push tasks")
	return cmd
}

type masterOptions struct {
	inline     bool
	produce    bool
	workerArgs []string
}

func runMaster(ctx context.Context, cfg config.Config, opts masterOptions) error {
	log := logging.L()
	log.Info(fmt.Sprintf("Master %d is running", os.Getpid()))

	client, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Backend, err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var spawner supervisor.Spawner
	if opts.inline {
		spawner = &supervisor.FuncSpawner{Fn: func(ctx context.Context, id int) error {
			return runWorker(ctx, cfg, client, strconv.Itoa(id))
		}}
	} else {
		ps, err := supervisor.SelfSpawner(opts.workerArgs...)
		if err != nil {
			return err
		}
		spawner = ps
	}
	sup := supervisor.New(spawner, cfg.PoolSize(), supervisor.WithLogger(log))

	hooks, closeHooks := queue.LifecycleHooks(queue.NoopHooks{}), func() {}
	if opts.produce {
		hooks, closeHooks = buildHooks(ctx, cfg, client, "")
	}
	defer closeHooks()

	var wg sync.WaitGroup
	defer wg.Wait()
	if cfg.HTTPAddr != "" {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: (&api.Server{Pool: sup, Client: client}).Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if opts.produce {
		p := newProducer(cfg, client, hooks)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				log.Error("producer stopped", zap.Error(err))
			}
		}()
	}

	err = sup.Run(ctx)
	// stop the producer even when the pool failed on its own
	cancel()
	return err
}

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = worker.ProcessID()
			}

			ctx, cancel := signalContext()
			defer cancel()
			client, err := storage.Open(ctx, cfg.Storage())
			if err != nil {
				return fmt.Errorf("connect %s: %w", cfg.Backend, err)
			}
			defer client.Close()
			return runWorker(ctx, cfg, client, id)
		},
	}
	cmd.Flags().String("id", "", "Worker id used for heartbeats (default the process id, as reported by the master)")
	return cmd
}

// runWorker runs one worker loop against client until ctx ends or the loop
// fails. The heartbeat is published only on backends with get/set.
func runWorker(ctx context.Context, cfg config.Config, client queue.Client, id string) error {
	log := logging.L().With(zap.Int("pid", os.Getpid()))

	hctx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	if kv, ok := client.(queue.KeyValue); ok {
		worker.NewRegistry(kv, id, cfg.Queue, cfg.HeartbeatInterval(), cfg.HeartbeatTTL()).StartHeartbeat(hctx, log)
	}

	hooks, closeHooks := buildHooks(ctx, cfg, client, id)
	defer closeHooks()
	limiter := storage.NewRateLimiter(client, cfg.RateLimit())
	defer limiter.Close()

	w := &worker.Worker{
		ID:         id,
		Client:     client,
		Queue:      cfg.Queue,
		PopTimeout: cfg.PopTimeout(),
		Handler:    worker.Sleep(cfg.TaskDelay()),
		Hooks:      hooks,
		Limiter:    limiter,
		Logger:     log,
	}
	return w.Run(ctx)
}

func newProduceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "produce",
		Short: "Run only the producer loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			client, err := storage.Open(ctx, cfg.Storage())
			if err != nil {
				return fmt.Errorf("connect %s: %w", cfg.Backend, err)
			}
			defer client.Close()
			hooks, closeHooks := buildHooks(ctx, cfg, client, "")
			defer closeHooks()
			return newProducer(cfg, client, hooks).Run(ctx)
		},
	}
}

func newProducer(cfg config.Config, client queue.Client, hooks queue.LifecycleHooks) *producer.Producer {
	prefix := cfg.MessagePrefix
	return &producer.Producer{
		Client:   client,
		Queue:    cfg.Queue,
		Interval: cfg.ProduceInterval(),
		Schedule: cfg.ProduceCron,
		Payload:  func(now time.Time) string { return queue.TimestampPayload(prefix, now) },
		Hooks:    hooks,
		Logger:   logging.L(),
	}
}

// buildHooks assembles the lifecycle hooks enabled by cfg. The returned
// func releases whatever the hooks hold open.
func buildHooks(ctx context.Context, cfg config.Config, client queue.Client, workerID string) (queue.LifecycleHooks, func()) {
	log := logging.L()
	var hooks queue.MultiHooks
	closers := []func(){}

	if cfg.EventsChannel != "" {
		if ps, ok := client.(queue.PubSub); ok {
			hooks = append(hooks, &events.PublishHooks{PubSub: ps, Channel: cfg.EventsChannel, Worker: workerID, Logger: log})
		} else {
			log.Warn("events channel ignored: backend has no pub/sub", zap.String("backend", cfg.Backend))
		}
	}
	if cfg.EventsDSN != "" {
		ph, err := persistence.NewPostgresHooks(ctx, cfg.EventsDSN, os.Getpid())
		if err != nil {
			log.Warn("postgres event persistence disabled", zap.Error(err))
		} else {
			hooks = append(hooks, ph)
			closers = append(closers, func() { _ = ph.Close() })
		}
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(hooks) == 0 {
		return queue.NoopHooks{}, closeAll
	}
	return hooks, closeAll
}
