package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"rulehive/internal/config"
	"rulehive/internal/dispatch"
	"rulehive/internal/engine"
	"rulehive/internal/engine/docker"
	"rulehive/internal/engine/kubernetes"
	"rulehive/internal/notify"
	"rulehive/internal/orchestrator"
	"rulehive/internal/store"
	"rulehive/pkg/logging"
)

var (
	workerConfigPath string
	workerPool       string
	workerOnce       bool
	workerDebug      bool
)

// newWorkerCmd creates the Cobra command running the drain/monitor loop
// for one worker pool. Run one worker process per pool.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the orchestration loop for one worker pool",
		Long: `Drains the lifecycle request queues of the pool's activations,
starts worker containers and monitors them, sweeping on a fixed interval.
With --once a single synchronous pass is performed instead.`,
		RunE: runWorker,
	}
	cmd.Flags().StringVar(&workerConfigPath, "config", "rulehive.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&workerPool, "pool", "", "worker pool to serve (defaults to the configured default queue)")
	cmd.Flags().BoolVar(&workerOnce, "once", false, "run a single drain pass and exit")
	cmd.Flags().BoolVar(&workerDebug, "debug", false, "enable debug logging")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if workerDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	loaded, err := config.LoadConfig(workerConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := &loaded

	pool := workerPool
	if pool == "" {
		pool = cfg.Dispatcher.DefaultQueue
	}
	if !validPool(cfg, pool) {
		return fmt.Errorf("pool %q is not a configured worker queue", pool)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eng, err := buildEngine(cfg)
	if err != nil {
		return fmt.Errorf("build container engine: %w", err)
	}

	queues := append([]string{cfg.Dispatcher.DefaultQueue}, cfg.Dispatcher.WorkerQueues...)
	d, err := dispatch.New(queues, cfg.Dispatcher.WorkersPerQueue)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	defer d.Close()

	o := orchestrator.New(st, eng, d, cfg, pool)

	if cfg.Notify.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		defer rdb.Close()
		o.Manager().SetNotifier(notify.NewPublisher(rdb, cfg.Notify.MaxMessageBytes))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.Run(ctx, workerOnce); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func validPool(cfg *config.Config, pool string) bool {
	if pool == cfg.Dispatcher.DefaultQueue {
		return true
	}
	for _, q := range cfg.Dispatcher.WorkerQueues {
		if q == pool {
			return true
		}
	}
	return false
}

func buildEngine(cfg *config.Config) (engine.ContainerEngine, error) {
	switch cfg.Engine.Backend {
	case config.BackendDocker:
		return docker.New()
	case config.BackendKubernetes:
		return kubernetes.New(cfg.Engine.Kubeconfig, cfg.Engine.Namespace)
	}
	return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
}
