// File: cmd/liquidator/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xssnick/tonutils-go/address"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/connection"
	"github.com/smartdevs17/ton-liquidator/internal/escalation"
	"github.com/smartdevs17/ton-liquidator/internal/indexer"
	"github.com/smartdevs17/ton-liquidator/internal/liquidator"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/notification"
	"github.com/smartdevs17/ton-liquidator/internal/scheduler"
	"github.com/smartdevs17/ton-liquidator/internal/server"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// liteHealthInterval is how often the lite server pool is probed
const liteHealthInterval = 30 * time.Second

// Application represents the main application
type Application struct {
	config       *config.Config
	logger       *logrus.Logger
	master       *address.Address
	metrics      *metrics.Manager
	storage      storage.Storage
	connection   *connection.ConnectionManager
	ledger       *connection.Ledger
	history      *connection.HistoryClient
	notification *notification.NotificationManager
	indexer      *indexer.Indexer
	dispatcher   *liquidator.Dispatcher
	intake       *liquidator.Intake
	escalator    *escalation.Escalator
	scheduler    *scheduler.Scheduler
	server       *server.HTTPServer
	ctx          context.Context
	cancel       context.CancelFunc
	startedAt    time.Time
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	master, err := codec.ParseAddress(app.config.TON.MasterAddress)
	if err != nil {
		return fmt.Errorf("invalid master address: %w", err)
	}
	app.master = master
	app.metrics = metrics.NewManager()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"storage", app.initializeStorage},
		{"connection", app.initializeConnection},
		{"notification", app.initializeNotification},
		{"indexer", app.initializeIndexer},
		{"liquidator", app.initializeLiquidator},
		{"escalation", app.initializeEscalation},
		{"scheduler", app.initializeScheduler},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage initializes the storage layer
func (app *Application) initializeStorage() error {
	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)

	if err := app.storage.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized successfully")
	return nil
}

// initializeConnection connects to the lite servers and opens the bot wallet
func (app *Application) initializeConnection() error {
	app.connection = connection.NewConnectionManager(&app.config.TON, app.metrics)
	if err := app.connection.Connect(app.ctx); err != nil {
		return fmt.Errorf("failed to connect to lite servers: %w", err)
	}

	ledger, err := connection.NewLedger(app.connection, app.config.TON.WalletMnemonic)
	if err != nil {
		return fmt.Errorf("failed to open bot wallet: %w", err)
	}
	app.ledger = ledger
	app.history = connection.NewHistoryClient(&app.config.TON, app.metrics)

	app.logger.WithField("wallet", codec.FriendlyAddress(ledger.WalletAddress(), app.config.TON.Testnet)).
		Info("Connection initialized successfully")
	return nil
}

// initializeNotification initializes the notification manager
func (app *Application) initializeNotification() error {
	nm, err := notification.NewFromConfig(&app.config.Notifications, app.metrics)
	if err != nil {
		return fmt.Errorf("failed to create notification manager: %w", err)
	}
	app.notification = nm

	if err := app.notification.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start notification manager: %w", err)
	}
	return nil
}

// initializeIndexer initializes the chain indexer
func (app *Application) initializeIndexer() error {
	app.indexer = indexer.New(app.storage, app.history, app.ledger, app.config.Registry(), indexer.Config{
		Master:         app.master,
		Testnet:        app.config.TON.Testnet,
		PageSize:       app.config.Indexer.PageSize,
		IdleInterval:   app.config.Indexer.IdleInterval,
		ReadRetryDelay: app.config.Indexer.ReadRetryDelay,
	}, app.metrics)
	return nil
}

// initializeLiquidator initializes the dispatcher and the task intake
func (app *Application) initializeLiquidator() error {
	dispatcher, err := liquidator.NewDispatcher(app.storage, app.ledger, app.config.Registry(), app.notification,
		liquidator.DispatcherConfig{
			Master:         app.master,
			TokenGasAmount: app.config.TokenGasNano(),
			ForwardAmount:  app.config.ForwardAmountNano(),
			PendingExpiry:  app.config.Escalation.PendingExpiry,
			BalanceWorkers: app.config.Liquidator.BalanceWorkers,
		}, app.metrics)
	if err != nil {
		return err
	}
	app.dispatcher = dispatcher
	app.intake = liquidator.NewIntake(app.storage, app.config.Registry(), app.config.DedupWindows(), app.config.TON.Testnet)
	return nil
}

// initializeEscalation initializes the risk escalation loop
func (app *Application) initializeEscalation() error {
	app.escalator = escalation.New(app.storage, app.notification, escalation.Config{
		PendingExpiry:       app.config.Escalation.PendingExpiry,
		ConfirmationTimeout: app.config.Escalation.ConfirmationTimeout,
		FailureThreshold:    app.config.Escalation.FailureThreshold,
	}, app.metrics)
	return nil
}

// initializeScheduler registers the indexer loop and the periodic jobs
func (app *Application) initializeScheduler() error {
	app.scheduler = scheduler.New(app.notification, app.metrics)

	if err := app.scheduler.Supervise("Indexer", app.config.Indexer.RestartDelay, app.indexer.Sync); err != nil {
		return err
	}
	if err := app.scheduler.Every("Liquidator", app.config.Liquidator.Interval, func(ctx context.Context) error {
		_, err := app.dispatcher.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := app.scheduler.Every("Escalation", app.config.Escalation.Interval, func(ctx context.Context) error {
		_, err := app.escalator.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	return app.scheduler.Every("LiteClient", liteHealthInterval, app.connection.HealthCheck)
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	serverCfg := &server.ServerConfig{
		Port:             app.config.Server.Port,
		Host:             app.config.Server.Host,
		ReadTimeout:      app.config.Server.ReadTimeout,
		WriteTimeout:     app.config.Server.WriteTimeout,
		EnableMetrics:    app.config.Server.EnableMetrics,
		EnableHealth:     app.config.Server.EnableHealth,
		EnableTaskIntake: app.config.Server.EnableTaskIntake,
		Testnet:          app.config.TON.Testnet,
		Version:          AppVersion,
	}

	var err error
	app.server, err = server.NewHTTPServer(serverCfg, server.Dependencies{
		Storage:      app.storage,
		Intake:       app.intake,
		Connection:   app.connection,
		Indexer:      app.indexer,
		Scheduler:    app.scheduler,
		Notification: app.notification,
		Metrics:      app.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.startedAt = time.Now()
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting TON liquidator")

	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := app.scheduler.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"master":         codec.FriendlyAddress(app.master, app.config.TON.Testnet),
		"assets":         len(app.config.Assets),
	}).Info("TON liquidator started successfully")

	return nil
}

// Stop stops the application gracefully, in reverse start order
func (app *Application) Stop() {
	app.logger.Info("Stopping TON liquidator")

	app.cancel()

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.scheduler != nil {
		app.scheduler.Stop()
	}

	if app.dispatcher != nil {
		app.dispatcher.Close()
	}

	if app.notification != nil {
		if err := app.notification.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop notification manager")
		}
	}

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if !app.startedAt.IsZero() {
		app.logger.WithField("uptime", time.Since(app.startedAt).Round(time.Second)).Info("TON liquidator stopped")
	}
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "ton-liquidator",
	Short:   "Liquidation bot for a TON lending protocol",
	Long:    `Indexes the lending protocol's master contract, dispatches liquidations for undercollateralised accounts and escalates tasks that never confirm.`,
	Version: AppVersion,
	RunE:    runLiquidator,
}

// runLiquidator is the main command to run the bot
func runLiquidator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")

	app.Stop()
	return nil
}

// loadConfig loads the configuration and validates it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	} else if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = viper.GetString("log-level")
	}
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("TON Liquidator %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		symbols := make([]string, 0, len(cfg.Assets))
		for _, a := range cfg.Registry().All() {
			symbols = append(symbols, strings.ToUpper(a.Symbol))
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Network: %s\n", networkName(cfg.TON.Testnet))
		fmt.Printf("Master: %s\n", cfg.TON.MasterAddress)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Assets: %s\n", strings.Join(symbols, ", "))

		return nil
	},
}

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		fmt.Println("Testing TON liquidator connectivity...")

		fmt.Printf("Testing lite servers from %s...\n", cfg.TON.LiteConfigURL)
		conn := connection.NewConnectionManager(&cfg.TON, nil)
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to lite servers: %w", err)
		}
		defer conn.Close()
		fmt.Printf("✓ Lite servers reachable (masterchain seqno %d)\n", conn.Stats().MasterchainSeqno)

		ledger, err := connection.NewLedger(conn, cfg.TON.WalletMnemonic)
		if err != nil {
			return fmt.Errorf("failed to open bot wallet: %w", err)
		}
		balance, err := ledger.BaseBalance(ctx)
		if err != nil {
			return fmt.Errorf("failed to read bot balance: %w", err)
		}
		fmt.Printf("✓ Bot wallet %s holds %s %s\n",
			codec.FriendlyAddress(ledger.WalletAddress(), cfg.TON.Testnet),
			liquidator.FormatUnits(balance, cfg.Registry().Base().Decimals),
			strings.ToUpper(cfg.Registry().Base().Symbol))

		master, err := codec.ParseAddress(cfg.TON.MasterAddress)
		if err != nil {
			return fmt.Errorf("invalid master address: %w", err)
		}
		fmt.Printf("Testing history API at %s...\n", cfg.TON.APIEndpoint)
		history := connection.NewHistoryClient(&cfg.TON, nil)
		txs, err := history.FetchTransactions(ctx, codec.RawAddress(master), 1, 0)
		if err != nil {
			return fmt.Errorf("failed to fetch master history: %w", err)
		}
		fmt.Printf("✓ History API reachable (%d transaction(s) returned)\n", len(txs))

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		if err := store.Connect(); err != nil {
			return fmt.Errorf("failed to connect to storage: %w", err)
		}
		defer store.Close()
		fmt.Println("✓ Storage connection successful")

		if cfg.Notifications.Enabled {
			fmt.Println("Sending test alert...")
			nm, err := notification.NewFromConfig(&cfg.Notifications, nil)
			if err != nil {
				return fmt.Errorf("invalid notification configuration: %w", err)
			}
			if err := nm.Alert(ctx, "test", "Test alert from TON liquidator"); err != nil {
				return fmt.Errorf("failed to deliver test alert: %w", err)
			}
			fmt.Println("✓ Test alert delivered")
		}

		fmt.Println("\nAll connectivity tests passed! ✓")
		return nil
	},
}

func networkName(testnet bool) string {
	if testnet {
		return "testnet"
	}
	return "mainnet"
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
