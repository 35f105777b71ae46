package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/config"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/wire"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfgDir  string
	version = getVersion()
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "settlementd",
		Short: "Jackpot settlement service",
		Long:  "Settles expired prize pools, materializes rewards and serves the claim API.",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&cfgFile, "config", "", "path to a config file")
	serveCmd.Flags().StringVar(&cfgDir, "config-dir", ".", "directory holding config-<env>.yaml files")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.LoadByEnv(cfgDir)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := wire.ProvideLogger(cfg)

	db, err := wire.ProvideDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := wire.ProvideRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	producer, err := wire.ProvideProducer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize kafka producer: %w", err)
	}

	svc := wire.ProvideSettlementService(cfg, db, redisClient, producer, logger)

	consumer := wire.ProvideConsumer(cfg, db, svc, logger)
	consumer.Start()

	app := wire.ProvideApp(wire.ProvideServerOptions(cfg, logger, svc))
	app.UseCommonMiddlewares()
	app.RegisterHealthCheck()
	app.RegisterSettlementRoutes()

	if cfg.Server.EnableSwagger {
		app.RegisterSwagger(nil)
	}

	app.OnShutdown(func() {
		if err := consumer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop kafka consumer")
		}
		if err := producer.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close kafka producer")
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close redis client")
			}
		}
	})

	return app.Run()
}
