// okami-server runs the orchestration engine behind its HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"okami/internal/config"
	"okami/internal/crew"
	"okami/internal/evolution"
	"okami/internal/knowledge"
	"okami/internal/llm"
	"okami/internal/logging"
	"okami/internal/memory"
	"okami/internal/observability"
	"okami/internal/server"
	"okami/internal/tools"
	"okami/internal/vector"
)

func main() {
	var configDir string
	var addr string

	root := &cobra.Command{
		Use:   "okami-server",
		Short: "Multi-agent orchestration engine with a self-evolving knowledge corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&configDir, "config-dir", "", "directory containing okami.yaml (default: working directory)")
	root.Flags().StringVar(&addr, "addr", "", "listen address override")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("main")
	logger.Info("starting okami-server model=%s specs=%s", cfg.LLM.Model, cfg.Specs.Dir)

	tracing, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
	}()

	completer, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init completer: %w", err)
	}
	embedder, err := vector.NewEmbedder(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	memoryIndex, err := vector.NewIndex(vector.IndexConfig{
		PersistPath: cfg.Memory.PersistPath,
		Collection:  "memory",
	}, embedder)
	if err != nil {
		return fmt.Errorf("open memory index: %w", err)
	}
	knowledgeIndex, err := vector.NewIndex(vector.IndexConfig{
		PersistPath: cfg.Knowledge.PersistPath,
		Collection:  "knowledge",
	}, embedder)
	if err != nil {
		return fmt.Errorf("open knowledge index: %w", err)
	}

	var memoryService *memory.Service
	if cfg.Memory.Enabled {
		memoryService = memory.NewService(cfg.Memory, memoryIndex, memory.NewSidecarClient(cfg.Memory))
	}
	store, err := knowledge.NewStore(cfg.Knowledge, knowledgeIndex)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewKnowledgeSearch(store), false); err != nil {
		return err
	}
	if memoryService != nil {
		if err := registry.Register(tools.NewMemorySearch(memoryService), false); err != nil {
			return err
		}
	}

	specs, err := crew.LoadRegistry(specsDir(cfg))
	if err != nil {
		return fmt.Errorf("load specs: %w", err)
	}
	logger.Info("loaded crews: %v", specs.CrewNames())

	executor, err := crew.NewExecutor(crew.Options{
		Completer: completer,
		Tools:     registry,
		Memory:    memoryService,
		Knowledge: store,
		Embedder:  embedder,
		Config:    cfg,
	})
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}

	coordinator := evolution.NewCoordinator(
		executor,
		specs,
		evolution.NewApplier(store, cfg.Evolution, nil),
		cfg.Evolution,
		nil,
	)

	srv := server.New(server.Options{
		Config:    cfg,
		Registry:  specs,
		Runner:    executor,
		Evolution: coordinator,
		Knowledge: store,
	})
	return srv.ListenAndServe(ctx)
}

func specsDir(cfg *config.Config) string {
	if cfg.Specs.Dir != "" {
		return cfg.Specs.Dir
	}
	return filepath.Join(".", "config")
}
