package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/approval"
	"github.com/deepnoodle-ai/epic/catalog"
	"github.com/deepnoodle-ai/epic/engine"
	"github.com/deepnoodle-ai/epic/executor"
	"github.com/deepnoodle-ai/epic/notify"
	"github.com/deepnoodle-ai/epic/planner"
	"github.com/deepnoodle-ai/epic/server"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/deepnoodle-ai/epic/snapshot"
	"github.com/deepnoodle-ai/epic/store"
	"github.com/openai/openai-go"
	"github.com/spf13/cobra"
)

var (
	serveAddr       string
	catalogPath     string
	dataDir         string
	storeBackend    string
	workspaceDir    string
	executorURL     string
	plannerKind     string
	plannerModel    string
	approvalTimeout time.Duration
	notifyWebhook   string
	trackerWebhook  string
	parallelism     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8366", "HTTP listen address")
	serveCmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "step catalog file (hot reloaded)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", ".epic", "directory for checkpoints and snapshots")
	serveCmd.Flags().StringVar(&storeBackend, "store", "sqlite", "state store backend (sqlite, file, memory)")
	serveCmd.Flags().StringVar(&workspaceDir, "workspace", ".", "directory snapshotted before each step")
	serveCmd.Flags().StringVar(&executorURL, "executor", "", "workflow executor base URL (empty runs the built-in scripted executor)")
	serveCmd.Flags().StringVar(&plannerKind, "planner", "rules", "planner to use (rules, openai)")
	serveCmd.Flags().StringVar(&plannerModel, "planner-model", string(openai.ChatModelGPT4o), "model for the openai planner")
	serveCmd.Flags().DurationVar(&approvalTimeout, "approval-timeout", 0, "approval deadline (0 uses the 24h default)")
	serveCmd.Flags().StringVar(&notifyWebhook, "notify-webhook", "", "webhook URL for engine events")
	serveCmd.Flags().StringVar(&trackerWebhook, "tracker-webhook", "", "webhook URL for status mirroring")
	serveCmd.Flags().IntVar(&parallelism, "parallelism", engine.DefaultParallelism, "max concurrent steps in a parallel batch")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slogger.New(slogger.LevelFromString(logLevel))

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cat, err := catalog.Load(catalogPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cat.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}

	plan, err := buildPlanner(cat)
	if err != nil {
		return err
	}
	exec, err := buildExecutor(logger)
	if err != nil {
		return err
	}
	notifier, tracker, err := buildAdapters(logger)
	if err != nil {
		return err
	}

	provider, err := snapshot.NewDirProvider(snapshot.DirProviderOptions{
		Root:          workspaceDir,
		SnapshotsPath: dataDir + "/snapshots",
		Exclude:       []string{".epic/**", ".git/**"},
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot provider: %w", err)
	}

	gate := approval.NewGate(approval.GateOptions{
		Store:          st,
		Notifier:       notifier,
		Logger:         logger,
		DefaultTimeout: approvalTimeout,
	})

	eng, err := engine.New(engine.Options{
		Store:           st,
		Planner:         plan,
		Executor:        exec,
		Snapshots:       snapshot.NewManager(provider, st, logger),
		Approvals:       gate,
		Specs:           cat,
		Notifier:        notifier,
		Tracker:         tracker,
		Logger:          logger,
		ApprovalTimeout: approvalTimeout,
		Parallelism:     parallelism,
	})
	if err != nil {
		return err
	}

	resumed, err := eng.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume epics: %w", err)
	}
	if resumed > 0 {
		logger.Info("resumed in-flight epics", "count", resumed)
	}

	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", "error", err)
		}
	}()

	srv, err := server.New(server.Options{Engine: eng, Addr: serveAddr, Logger: logger})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

func openStore(logger slogger.Logger) (store.Store, error) {
	switch storeBackend {
	case "sqlite":
		return store.NewSQLiteStore(dataDir+"/epic.db", store.DefaultSQLiteOptions())
	case "file":
		return store.NewFileStore(dataDir + "/state"), nil
	case "memory":
		logger.Warn("memory store selected; state is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}
}

func buildPlanner(cat *catalog.Catalog) (epic.Planner, error) {
	switch plannerKind {
	case "rules":
		return planner.NewRuleTable(cat.Rules())
	case "openai":
		if os.Getenv("OPENAI_API_KEY") == "" {
			return nil, fmt.Errorf("the openai planner requires OPENAI_API_KEY")
		}
		return planner.NewOpenAIPlanner(planner.OpenAIPlannerOptions{
			Model: openai.ChatModel(plannerModel),
			Steps: cat.Steps(),
		})
	default:
		return nil, fmt.Errorf("unknown planner %q", plannerKind)
	}
}

func buildExecutor(logger slogger.Logger) (epic.ExecutorClient, error) {
	if executorURL == "" {
		logger.Warn("no executor configured; steps run on the built-in scripted executor")
		return executor.NewScriptedExecutor(nil), nil
	}
	return executor.NewHTTPClient(executor.HTTPClientOptions{
		BaseURL: executorURL,
		Logger:  logger,
	})
}

func buildAdapters(logger slogger.Logger) (epic.Notifier, epic.Tracker, error) {
	var notifier epic.Notifier = epic.NullNotifier{}
	var tracker epic.Tracker = epic.NullTracker{}
	if notifyWebhook != "" {
		n, err := notify.NewWebhookNotifier(notify.WebhookOptions{Endpoint: notifyWebhook, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		notifier = n
	}
	if trackerWebhook != "" {
		t, err := notify.NewWebhookTracker(notify.WebhookOptions{Endpoint: trackerWebhook, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		tracker = t
	}
	return notifier, tracker, nil
}
