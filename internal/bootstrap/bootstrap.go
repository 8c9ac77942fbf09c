package bootstrap

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/eventbus"
	eventbusinfra "antigravity-manager/internal/domain/eventbus/infrastructure"
	"antigravity-manager/internal/domain/eventbus/repository"
	"antigravity-manager/internal/domain/googleapi"
	"antigravity-manager/internal/domain/identity"
	"antigravity-manager/internal/domain/inject"
	"antigravity-manager/internal/domain/procctl"
	"antigravity-manager/internal/domain/switchsvc"
	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
	"antigravity-manager/internal/platform/storage"
	httptransport "antigravity-manager/internal/transport/http"
	"antigravity-manager/internal/transport/http/webapi"

	"gorm.io/gorm"
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      errors.Kind
	Execute   stepFn
}

type appState struct {
	config     *config.Config
	configPath string
	logger     *logging.Logger

	db      *gorm.DB
	cipher  *account.Cipher
	store   *account.Store
	aliases *account.AliasStore
	stateDB *storage.StateDB

	identity *identity.Manager
	injector *inject.Injector
	procs    *procctl.Controller
	google   *googleapi.Client
	audit    repository.AuditRepository
	orch     *switchsvc.Orchestrator
}

// Run drives the whole service lifecycle: configuration, dependency
// initialisation, the HTTP server and graceful shutdown.
func Run(ctx context.Context) error {
	state := &appState{}

	if err := executeInitSteps(ctx, InitGraph(), state); err != nil {
		return err
	}

	logger := state.logger
	if state.config == nil || logger == nil {
		return errors.New(errors.KindBootstrap, "bootstrap.validate", "config/logger not initialised")
	}

	defer func() {
		eventbus.Shutdown()
		if state.google != nil {
			state.google.Close()
		}
		if state.stateDB != nil {
			if err := state.stateDB.Close(); err != nil {
				logger.WarnTag("bootstrap", "closing state db: %v", err)
			}
		}
		logger.Close()
	}()

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if _, err := startHTTPServer(state, group, groupCtx); err != nil {
		cancel()
		return err
	}

	if err := waitForShutdown(signalCtx, cancel, logger, group); err != nil {
		return err
	}

	logger.InfoTag("bootstrap", "shutdown complete")
	return nil
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return errors.New(errors.KindBootstrap, "bootstrap.init", "nil bootstrap state")
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return errors.New(errors.KindBootstrap, step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep))
			}
		}
		if step.Execute == nil {
			return errors.New(errors.KindBootstrap, step.ID, "missing execute function")
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *errors.Error
			if stderrors.As(err, &typed) {
				return err
			}
			kind := step.Kind
			if kind == "" {
				kind = errors.KindBootstrap
			}
			return errors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    errors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init",
			Title:     "Initialise logging",
			DependsOn: []string{"config:load"},
			Execute:   initLoggingStep,
		},
		{
			ID:        "storage:open-database",
			Title:     "Open accounts database",
			DependsOn: []string{"config:load", "logging:init"},
			Kind:      errors.KindStorage,
			Execute:   openDatabaseStep,
		},
		{
			ID:        "secrets:init-cipher",
			Title:     "Initialise credential cipher",
			DependsOn: []string{"config:load"},
			Kind:      errors.KindStorage,
			Execute:   initCipherStep,
		},
		{
			ID:        "accounts:init-store",
			Title:     "Initialise account store",
			DependsOn: []string{"storage:open-database", "secrets:init-cipher"},
			Kind:      errors.KindStorage,
			Execute:   initAccountStoreStep,
		},
		{
			ID:        "state:open-db",
			Title:     "Open IDE state database",
			DependsOn: []string{"config:load", "logging:init"},
			Kind:      errors.KindStorage,
			Execute:   openStateDBStep,
		},
		{
			ID:        "domain:init-services",
			Title:     "Initialise domain services",
			DependsOn: []string{"accounts:init-store", "state:open-db"},
			Execute:   initDomainStep,
		},
		{
			ID:        "switch:init-orchestrator",
			Title:     "Initialise switch orchestrator",
			DependsOn: []string{"domain:init-services"},
			Execute:   initOrchestratorStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	result, err := config.NewLoader().WithDotEnv(true).Load()
	if err != nil {
		return err
	}
	state.config = result.Config
	state.configPath = result.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return errors.New(errors.KindBootstrap, "logging:init", "config not loaded")
	}

	logger, err := logging.New(logging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return errors.Wrap(errors.KindBootstrap, "logging:init", "initialise logging", err)
	}
	state.logger = logger

	logger.InfoTag("bootstrap", "logging ready [%s] config=%s", state.config.Log.Level, state.configPath)
	eventbus.SetupLogging(logger)
	return nil
}

func openDatabaseStep(_ context.Context, state *appState) error {
	if err := os.MkdirAll(state.config.Manager.DataDir, 0o700); err != nil {
		return errors.Wrap(errors.KindStorage, "storage:open-database", "create data directory", err)
	}
	db, err := storage.Open(state.config.DatabasePath())
	if err != nil {
		return err
	}
	state.db = db
	return nil
}

// initCipherStep builds the key chain: the current master key first, then
// the legacy key file and the machine-derived key so databases written by
// older versions still decrypt. Anything read through a legacy key gets
// re-encrypted with the current one on the next write.
func initCipherStep(_ context.Context, state *appState) error {
	keyPath := state.config.KeyPath()
	if err := account.EnsureKeyFile(keyPath); err != nil {
		return errors.Wrap(errors.KindStorage, "secrets:init-cipher", "ensure master key file", err)
	}

	sources := []account.KeySource{account.FileKeySource("master", keyPath)}
	if state.config.Manager.LegacyKeyFile != "" {
		if legacy := state.config.LegacyKeyPath(); legacy != keyPath {
			if _, err := os.Stat(legacy); err == nil {
				sources = append(sources, account.FileKeySource("legacy", legacy))
			}
		}
	}
	sources = append(sources, account.DerivedKeySource())

	state.cipher = account.NewCipher(sources...)
	return nil
}

func initAccountStoreStep(_ context.Context, state *appState) error {
	state.store = account.NewStore(state.db, state.cipher, state.logger)

	aliases, err := account.NewAliasStore(state.config.AliasPath())
	if err != nil {
		return err
	}
	state.aliases = aliases
	return nil
}

func openStateDBStep(_ context.Context, state *appState) error {
	cfg := state.config.Identity
	stateDB, err := storage.OpenStateDB(state.config.App.StateDB, cfg.RetryAttempts, cfg.RetryDelay)
	if err != nil {
		return err
	}
	state.stateDB = stateDB
	return nil
}

func initDomainStep(_ context.Context, state *appState) error {
	cfg := state.config

	state.identity = identity.NewManager(cfg.Identity, cfg.App, cfg.SnapshotPath(), state.stateDB, state.logger)
	state.injector = inject.NewInjector(state.stateDB, cfg.App.Version, state.logger)
	state.procs = procctl.NewController(cfg.App.ProcessHints, state.logger)
	state.google = googleapi.NewClient(cfg.Google, googleapi.DefaultEndpoints(), state.logger)
	state.audit = eventbusinfra.NewAuditRepository(state.db)
	return nil
}

func initOrchestratorStep(_ context.Context, state *appState) error {
	state.orch = switchsvc.NewOrchestrator(switchsvc.Options{
		Store:    state.store,
		Identity: state.identity,
		Injector: state.injector,
		Procs:    state.procs,
		Google:   state.google,
		Audit:    state.audit,
		App:      state.config.App,
		Logger:   state.logger,
	})
	return nil
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	cfg := state.config
	logger := state.logger

	httpRouter, err := httptransport.Build(httptransport.Options{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	router := httpRouter.Engine
	apiGroup := httpRouter.API

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, httptransport.APIResponse{
			Success: false,
			Message: "not found",
			Code:    http.StatusNotFound,
		})
	})

	service, err := webapi.NewService(webapi.Deps{
		Config:   cfg,
		Logger:   logger,
		Store:    state.store,
		Aliases:  state.aliases,
		Orch:     state.orch,
		Identity: state.identity,
		Injector: state.injector,
		Google:   state.google,
		Procs:    state.procs,
		Audit:    state.audit,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, "webapi:new-service", "create webapi service", err)
	}
	if err := service.Register(groupCtx, apiGroup); err != nil {
		return nil, err
	}

	feed := httptransport.NewEventFeed(logger)
	apiGroup.GET("/events", feed.Handler)

	addr := cfg.Server.IP + ":" + strconv.Itoa(cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	g.Go(func() error {
		logger.InfoTag("http", "listening on http://%s", addr)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("http", "shutdown failed: %v", err)
			} else {
				logger.InfoTag("http", "server stopped")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("http", "server failed: %v", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *logging.Logger,
	g *errgroup.Group,
) error {
	<-ctx.Done()
	logger.InfoTag("bootstrap", "signal received, shutting down")

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("bootstrap", "shutdown error: %v", err)
			return err
		}
	case <-time.After(15 * time.Second):
		logger.ErrorTag("bootstrap", "shutdown timed out")
		return errors.New(errors.KindBootstrap, "bootstrap.shutdown", "shutdown timed out")
	}
	return nil
}
