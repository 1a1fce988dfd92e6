package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amoylab/sessiond/internal/common/config"
	"github.com/amoylab/sessiond/internal/server"
	"github.com/amoylab/sessiond/pkg/helper"
	"github.com/amoylab/sessiond/pkg/logger"
	"github.com/amoylab/sessiond/pkg/trace"
	"github.com/amoylab/sessiond/pkg/version"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	pidFile    string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sessiond",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sessiond version %s\n", version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the configuration file",
		Long:  `Load and validate the configuration file, then exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration %s is invalid: %w", cfgPath, err)
			}
			fmt.Printf("configuration %s is valid: %d context(s), store %s\n",
				cfgPath, len(cfg.Contexts), cfg.Session.Store.Type)
			return nil
		},
	}

	reloadCmd = &cobra.Command{
		Use:   "reload",
		Short: "Reload the session timing of a running sessiond",
		Long:  `Send SIGHUP to the sessiond process recorded in the PID file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := pidFile
			if path == "" {
				cfg, _, err := config.LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				path = cfg.Server.PID
			}
			pid, err := helper.NewPIDFile(path).Read()
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
				return fmt.Errorf("failed to signal process %d: %w", pid, err)
			}
			fmt.Printf("reload signal sent to process %d\n", pid)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   "sessiond",
		Short: "Session lifecycle server",
		Long:  `sessiond serves session-tracked contexts sharing one session id authority and one periodic inspector`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "sessiond.yaml", "path to configuration file, like /etc/sessiond/sessiond.yaml")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pid", "p", "", "path to PID file, overrides server.pid")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(reloadCmd)
}

func run(ctx context.Context) error {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration %s: %w", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Sync()

	lg.Info("Starting sessiond",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("failed to shutdown tracing", zap.Error(err))
		}
	}()

	pidPath := cfg.Server.PID
	if pidFile != "" {
		pidPath = pidFile
	}
	pid := helper.NewPIDFile(pidPath)
	if err := pid.Write(); err != nil {
		lg.Warn("failed to write PID file", zap.String("path", pid.Path()), zap.Error(err))
	} else {
		defer func() { _ = pid.Remove() }()
	}

	if cfg.Logger.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := server.New(ctx, lg, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Wait() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

wait:
	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				lg.Info("Received reload signal")
				reload(lg, srv)
				continue
			}
			lg.Info("Received shutdown signal", zap.String("signal", sig.String()))
			break wait
		case err := <-serveErr:
			if err != nil {
				lg.Error("Server stopped serving", zap.Error(err))
			}
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		lg.Error("Failed to stop server", zap.Error(err))
		return err
	}
	lg.Info("Server stopped")
	return nil
}

func reload(lg *zap.Logger, srv *server.Server) {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		lg.Error("failed to reload configuration, keeping the current one",
			zap.String("config", cfgPath), zap.Error(err))
		return
	}
	srv.Reload(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
