// Command vworldd runs the virtual-world execution substrate: the process
// scheduler, channel infrastructure, and the user/puppet agents that ride
// on top of them, reachable over a websocket listener.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"vworld/internal/home"
	"vworld/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "vworldd",
		Short: "Virtual-world execution substrate",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, agents, and websocket listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			addr, _ := cmd.Flags().GetString("addr")
			console, _ := cmd.Flags().GetBool("console")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, homeFlag, addr, console)
		},
	}
	serveCmd.Flags().String("addr", ":4677", "websocket listen address (host:port)")
	serveCmd.Flags().Bool("console", true, "run the operator console REPL on stdin/stdout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, homeFlag, addr string, enableConsole bool) error {
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	app, err := newApp(ctx, logger, hd)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close()

	app.scheduler.Start(ctx)
	logger.Info("scheduler started", "workers", app.cfg.Scheduler.Workers)

	listener, err := newListener(app, addr, logger)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	logger.Info("listening", "addr", addr)

	if enableConsole {
		go app.console.Run()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()

	if err := listener.Close(); err != nil {
		logger.Warn("listener close error", "error", err)
	}
	app.scheduler.Shutdown(shCtx)
	if err := app.jobs.Stop(); err != nil {
		logger.Warn("housekeeping stop error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
