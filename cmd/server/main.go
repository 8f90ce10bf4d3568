package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-dmchat/internal/api"
	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/notify"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

// originsOrEnv returns the origins given on the command line, falling back to
// the comma-separated env value when the flag was not set.
func originsOrEnv(fromFlag stringSliceFlag, env string) stringSliceFlag {
	if len(fromFlag) > 0 || env == "" {
		return fromFlag
	}
	var origins stringSliceFlag
	origins.Set(env)
	return origins
}

var (
	addr           string
	dbDriver       string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	storeTimeout   time.Duration
	sendgridKey    string
	sendgridFrom   string
)

func main() {
	logger := log.New(os.Stderr, "[go-dmchat] ", log.LstdFlags)

	if err := config.LoadDotenv(".env"); err != nil {
		logger.Fatal("dotenv:", err)
	}

	defaultTimeout, err := time.ParseDuration(config.Getenv("STORE_TIMEOUT", server.DefaultStoreTimeout.String()))
	if err != nil {
		logger.Fatal("STORE_TIMEOUT:", err)
	}
	flag.StringVar(&addr, "addr", config.Getenv("HTTP_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dbDriver, "db-driver", config.Getenv("DB_DRIVER", config.DriverPostgres), "database driver (postgres or sqlite)")
	flag.StringVar(&dsn, "dsn", config.Getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", config.Getenv("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&storeTimeout, "store-timeout", defaultTimeout, "timeout for message store and notifier calls")
	flag.StringVar(&sendgridKey, "sendgrid-api-key", config.Getenv("SENDGRID_API_KEY", ""), "SendGrid API key, enables email notifications")
	flag.StringVar(&sendgridFrom, "sendgrid-from", config.Getenv("SENDGRID_FROM", ""), "sender address for email notifications")
	flag.Parse()
	allowedOrigins = originsOrEnv(allowedOrigins, config.Getenv("ALLOWED_ORIGINS", ""))

	cfg, err := config.NewConfig(addr, dbDriver, dsn, signingKey, allowedOrigins, storeTimeout)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if err := cfg.WithSendGrid(sendgridKey, sendgridFrom); err != nil {
		logger.Fatal("config:", err)
	}

	store, err := database.NewSQLStore(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if err := store.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.SendGridEnabled() {
		notifier = notify.NewSendGridNotifier(logger, cfg.SendGridAPIKey, cfg.SendGridFrom, store)
	}

	statsUpdater := stats.NewStatsUpdater()

	chatServer, err := server.NewChatServer(logger, server.Deps{
		Store:        store,
		Auth:         auth.NewJWTAuthenticator(cfg.SigningKey),
		Notifier:     notifier,
		Stats:        statsUpdater,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewApp(logger, chatServer, store, statsUpdater.Handler(), cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
