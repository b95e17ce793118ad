// Command cascade runs a workflow YAML file against the configured model
// pool: load config, build the engine services, execute the DAG, persist
// the run record, and extract artifacts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	cascade "github.com/nevindra/cascade"
	"github.com/nevindra/cascade/internal/config"
	"github.com/nevindra/cascade/observer"
	"github.com/nevindra/cascade/provider/openaicompat"
	"github.com/nevindra/cascade/store"
	"github.com/nevindra/cascade/store/postgres"
	"github.com/nevindra/cascade/store/sqlite"
	"github.com/nevindra/cascade/tools/fetch"
	"github.com/nevindra/cascade/tools/file"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cascade:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to cascade.toml (default: auto-discover)")
		inputFlags multiFlag
	)
	flag.Var(&inputFlags, "input", "workflow input as name=value (repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: cascade [flags] <workflow.yaml>")
	}
	workflowPath := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadDefaultPath()
	}
	if err != nil {
		return err
	}

	var tracer cascade.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Warn("observer init failed, continuing without telemetry", "error", err)
		} else {
			tracer = observer.NewInstrumentedTracer(inst)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	chains, err := cfg.TierChains()
	if err != nil {
		return err
	}
	routerOpts := []cascade.RouterOption{cascade.WithRouterLogger(logger)}
	for tier, models := range chains {
		routerOpts = append(routerOpts, cascade.WithChain(tier, models...))
	}
	if cfg.Engine.StatsFile != "" {
		routerOpts = append(routerOpts, cascade.WithStatsFile(cfg.Engine.StatsFile))
	}
	for model, cost := range cfg.Costs {
		routerOpts = append(routerOpts, cascade.WithModelCost(model, cost))
	}
	router := cascade.NewSmartRouter(routerOpts...)
	for provider, limits := range cfg.RateLimit {
		router.RateLimits().SetProviderLimits(provider, limits.RPM, limits.TPM)
	}

	registry := cascade.NewToolRegistry()
	workspace, err := os.Getwd()
	if err != nil {
		return err
	}
	for _, tool := range []cascade.Tool{
		fetch.New(),
		file.NewRead(workspace),
		file.NewWrite(workspace),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	backend := openaicompat.New(cfg.Backend.APIKey, cfg.Backend.BaseURL,
		openaicompat.WithLogger(logger))

	def, err := cascade.LoadDefinition(workflowPath)
	if err != nil {
		return err
	}
	prompts := cascade.NewPromptLoader(cfg.Engine.PromptsDir)
	dag, err := def.BuildDAG(prompts, logger)
	if err != nil {
		return err
	}

	initialVars, err := def.SeedInputs(inputFlags.values())
	if err != nil {
		return err
	}

	executorOpts := []cascade.WorkflowExecutorOption{
		cascade.WithExecutionConfig(cascade.ExecutionConfig{
			GlobalTimeout:  time.Duration(cfg.Engine.GlobalTimeoutSeconds * float64(time.Second)),
			MaxConcurrency: cfg.Engine.MaxConcurrency,
			CheckpointDir:  cfg.Engine.CheckpointDir,
		}),
		cascade.WithRouter(router),
		cascade.WithToolRegistry(registry),
		cascade.WithBackend(backend),
		cascade.WithExecutorLogger(logger),
	}
	if tracer != nil {
		executorOpts = append(executorOpts, cascade.WithTracer(tracer))
	}
	executor := cascade.NewWorkflowExecutor(executorOpts...)

	result, err := executor.ExecuteDAG(ctx, dag, nil, initialVars)
	if err != nil {
		return err
	}

	record := cascade.BuildRunRecord(result, cascade.RunRecordOptions{Inputs: initialVars})

	runLogger := cascade.NewRunLogger(cfg.Engine.RunsDir, cascade.WithRunLoggerLogger(logger))
	if _, err := runLogger.Log(result, cascade.RunRecordOptions{Inputs: initialVars}); err != nil {
		logger.Warn("run log failed", "error", err)
	}

	if runStore, err := openStore(ctx, cfg.Store); err != nil {
		logger.Warn("run store unavailable", "error", err)
	} else if runStore != nil {
		defer runStore.Close()
		if err := runStore.Init(ctx); err != nil {
			logger.Warn("run store init failed", "error", err)
		} else if err := runStore.SaveRun(ctx, record); err != nil {
			logger.Warn("run store save failed", "error", err)
		}
	}

	extractor := cascade.NewArtifactExtractor(cfg.Engine.ArtifactsDir, cascade.WithArtifactLogger(logger))
	if dir, err := extractor.Extract(result); err != nil {
		logger.Warn("artifact extraction failed", "error", err)
	} else if dir != "" {
		logger.Info("artifacts extracted", "dir", dir)
	}

	fmt.Printf("workflow %s: %s (%d steps, %.0f%% success)\n",
		result.WorkflowName, result.OverallStatus, len(result.Steps), result.SuccessRate()*100)
	if result.OverallStatus != cascade.StepSuccess {
		os.Exit(2)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.RunStore, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		return sqlite.New(cfg.Path), nil
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// multiFlag collects repeated name=value flags.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func (m *multiFlag) values() map[string]any {
	out := make(map[string]any, len(*m))
	for _, entry := range *m {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			out[entry] = true
			continue
		}
		out[name] = value
	}
	return out
}
