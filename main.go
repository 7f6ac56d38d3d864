package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"taskist-core/api"
	"taskist-core/domain"
	"taskist-core/replication"
	"taskist-core/settings"
	"taskist-core/storage"
	"taskist-core/subscription"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	dataDir := os.Getenv("TASKIST_DATA_DIR")
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			logger.Fatalf("data dir: %v", err)
		}
		dataDir = filepath.Join(base, "taskist")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	changes := subscription.NewBroker()
	store, err := storage.Open(dataDir, changes)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()

	tasks := domain.NewTaskService(store, logger)
	gateway, err := settings.NewGateway(dataDir)
	if err != nil {
		logger.Fatalf("settings: %v", err)
	}
	engine := replication.NewEngine(store, tasks, changes, logger, replication.Config{})

	syncSettings, err := gateway.Get()
	if err != nil {
		logger.WithError(err).Warn("stored sync settings unreadable, using defaults")
		syncSettings = domain.DefaultSettings()
	}
	if err := engine.Start(syncSettings); err != nil {
		logger.WithError(err).Error("sync engine did not start")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, tasks, gateway, engine, changes, logger)

	listenAddr := ":8580"
	if val, ok := os.LookupEnv("TASKIST_LISTEN_ADDR"); ok {
		listenAddr = val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.WithError(err).Info("http server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	engine.Stop()
	if err := e.Close(); err != nil {
		logger.WithError(err).Warn("server close")
	}
}
