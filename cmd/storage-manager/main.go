// Точка входа Storage Manager — сервиса управления файлами арендаторов
// на ONLINE- и NEARLINE-бэкендах с локальным кэшем восстановления.
// Команды: serve (по умолчанию), migrate, version.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/storage-manager/internal/api/handlers"
	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/backend/diskstore"
	"github.com/bigkaa/goartstore/storage-manager/internal/backend/s3store"
	"github.com/bigkaa/goartstore/storage-manager/internal/config"
	"github.com/bigkaa/goartstore/storage-manager/internal/database"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/storage-manager/internal/jobs"
	"github.com/bigkaa/goartstore/storage-manager/internal/repository"
	"github.com/bigkaa/goartstore/storage-manager/internal/server"
	"github.com/bigkaa/goartstore/storage-manager/internal/service"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "storage-manager",
		Short:         "Storage Manager — хранение, удаление и восстановление файлов арендаторов",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadEnvFile(envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "файл с переменными окружения (по умолчанию ./.env, если есть)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP API и фоновые обходы",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции БД и выйти",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate()
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Version)
		},
	})

	return rootCmd
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		return nil, nil, err
	}
	return cfg, config.SetupLogger(cfg), nil
}

func runMigrate() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// backgroundSweeps — число периодических обходов, запускаемых runServe:
// dispatch_storage, dispatch_deletion, cache_purge, cache_restore, backend_health.
const backgroundSweeps = 5

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Конфигурация и логирование
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Storage Manager запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Any("tenants", cfg.Tenants),
	)
	if os.Getenv("SM_DEPHEALTH_GROUP") == "" {
		logger.Warn("SM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 2. Миграции и пул соединений
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		return err
	}
	pool, err := database.Connect(ctx, cfg, backgroundSweeps, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		return err
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics: проверка идёт через
	// тот же пул, что обнаруживает его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	uow := repository.NewUnitOfWork(pool)

	// 3. Плагины бэкендов и кэш экземпляров
	plugins := backend.NewRegistry()
	plugins.Register(diskstore.PluginID, diskstore.Factory)
	plugins.Register(s3store.PluginID, s3store.Factory)

	resolver, err := backend.NewResolver(plugins,
		func(ctx context.Context, tenant string, id int64) (*model.BackendEntry, error) {
			return repository.NewBackendEntryRepository(pool, tenant).GetByID(ctx, id)
		},
		cfg.ResolverCacheSize, logger)
	if err != nil {
		logger.Error("Ошибка создания резолвера бэкендов", slog.String("error", err.Error()))
		return err
	}

	// 4. Реестр бэкендов
	known := service.NewKnownBackends(logger)
	if err := known.Load(ctx, uow, cfg.Tenants); err != nil {
		logger.Error("Ошибка загрузки бэкендов", slog.String("error", err.Error()))
		return err
	}
	registry := service.NewBackendRegistry(uow, plugins, logger)
	registry.AddListener(known)
	registry.AddListener(service.InvalidateOnChange(resolver))

	if err := seedBackends(ctx, cfg, registry, logger); err != nil {
		return err
	}

	// 5. Сервисный слой
	notifier := service.NewLogNotifier(logger)
	ledger := service.NewRequestLedger(uow, known, logger)
	files := service.NewFileReferenceService(uow, ledger, logger)

	queue := jobs.NewQueue(cfg.JobQueueSize, cfg.WorkerCount, logger)
	dispatcher := service.NewDispatcher(uow, resolver, known, queue, cfg.DispatchPageSize, logger)

	cache := service.NewCacheManager(uow, ledger, dispatcher, notifier, osfs.New(cfg.CacheRoot),
		service.CacheConfig{
			MaxSize:    cfg.CacheMaxSize,
			PurgeUpper: cfg.CachePurgeUpper,
			PurgeLower: cfg.CachePurgeLower,
			MinTTL:     cfg.CacheMinTTL,
			PageSize:   cfg.CachePageSize,
		}, logger)
	queue.SetRunner(service.NewJobRunner(uow, resolver, files, cache, logger))
	monitor := service.NewHealthMonitor(uow, resolver, notifier, logger)

	// 6. Восстановление состояния после перезапуска
	for _, tenant := range cfg.Tenants {
		n, err := ledger.RecoverPending(ctx, tenant, cfg.DispatchPageSize)
		if err != nil {
			logger.Error("Ошибка возврата PENDING-запросов",
				slog.String("tenant", tenant),
				slog.String("error", err.Error()),
			)
			return err
		}
		if n > 0 {
			logger.Info("PENDING-запросы возвращены в TODO",
				slog.String("tenant", tenant),
				slog.Int("count", n),
			)
		}
		if err := cache.Startup(ctx, tenant); err != nil {
			logger.Error("Ошибка проверки кэша",
				slog.String("tenant", tenant),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	// 7. Фоновые задачи
	queue.Start(ctx)
	defer queue.Stop()

	scheduler := service.NewScheduler(cfg.Tenants, cfg.WorkerCount, logger,
		dispatchSweep(dispatcher, model.KindStorage, cfg),
		dispatchSweep(dispatcher, model.KindDeletion, cfg),
		// Восстановление планирует только cache_restore: он проверяет место в кэше
		service.Sweep{
			Name:     "cache_purge",
			Interval: cfg.CachePurgeInterval,
			Run: func(ctx context.Context, tenant string) error {
				_, err := cache.Purge(ctx, tenant)
				return err
			},
		},
		service.Sweep{
			Name:     "cache_restore",
			Interval: cfg.CacheRestoreInterval,
			Run: func(ctx context.Context, tenant string) error {
				_, err := cache.RestoreQueued(ctx, tenant)
				return err
			},
		},
		service.Sweep{
			Name:     "backend_health",
			Interval: cfg.HealthMonitorInterval,
			Run: func(ctx context.Context, tenant string) error {
				_, err := monitor.Check(ctx, tenant)
				return err
			},
		},
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 8. topologymetrics
	depSvc, err := service.NewDephealthService("storage-manager", cfg.DephealthGroup,
		pgDB, cfg.DatabaseURL(), cfg.DephealthS3URL, cfg.DephealthCheckInterval, logger)
	if err != nil {
		logger.Error("Ошибка создания dephealth сервиса", slog.String("error", err.Error()))
		return err
	}
	if err := depSvc.Start(ctx); err != nil {
		logger.Error("Ошибка запуска dephealth", slog.String("error", err.Error()))
		return err
	}
	defer depSvc.Stop()

	// 9. HTTP API
	api := handlers.NewAPIHandler(
		handlers.NewHealthHandler(database.NewReadinessChecker(pool)),
		handlers.Services{
			Files:     files,
			Scheduler: dispatcher,
			Ledger:    ledger,
			Cache:     cache,
			Backends:  registry,
			Health:    monitor,
		},
		cfg.Tenants, logger)

	if err := server.New(cfg, logger, api).Run(ctx); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Storage Manager остановлен")
	return nil
}

func dispatchSweep(d *service.Dispatcher, kind model.RequestKind, cfg *config.Config) service.Sweep {
	return service.Sweep{
		Name:     "dispatch_" + string(kind),
		Interval: cfg.DispatchInterval,
		Run: func(ctx context.Context, tenant string) error {
			_, err := d.ScheduleRequests(ctx, tenant, kind, model.StatusTodo, service.ScheduleFilter{})
			return err
		},
	}
}

// seedBackends регистрирует бэкенды из SM_BACKENDS_FILE. Уже
// зарегистрированные метки пропускаются.
func seedBackends(ctx context.Context, cfg *config.Config, registry *service.BackendRegistry, logger *slog.Logger) error {
	seeds, err := config.LoadBackendSeeds(cfg.BackendsFile, cfg.Tenants)
	if err != nil {
		logger.Error("Ошибка чтения файла бэкендов", slog.String("error", err.Error()))
		return err
	}
	for _, seed := range seeds {
		entry := seed.Entry()
		_, err := registry.Register(ctx, entry.Tenant, entry.Type, entry.Config)
		switch {
		case err == nil:
			logger.Info("Бэкенд зарегистрирован",
				slog.String("tenant", entry.Tenant),
				slog.String("label", entry.Config.Label),
			)
		case errors.Is(err, service.ErrConflict):
			logger.Debug("Бэкенд уже зарегистрирован",
				slog.String("tenant", entry.Tenant),
				slog.String("label", entry.Config.Label),
			)
		default:
			return fmt.Errorf("регистрация бэкенда %s/%s: %w", entry.Tenant, entry.Config.Label, err)
		}
	}
	return nil
}
