// Command server runs the browser automation service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirvoism/browser-automation-service/internal/agent"
	"github.com/mirvoism/browser-automation-service/internal/archive"
	"github.com/mirvoism/browser-automation-service/internal/config"
	"github.com/mirvoism/browser-automation-service/internal/logger"
	"github.com/mirvoism/browser-automation-service/internal/orchestrator"
	"github.com/mirvoism/browser-automation-service/internal/server"
	"github.com/mirvoism/browser-automation-service/internal/task"
)

var version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "automation-server",
	Short: "Browser automation task service",
	Long:  "Accepts natural language automation commands, executes them through an agent, and streams live progress over WebSocket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log := logger.New(cfg.Logging)
	defer log.Sync()

	var arch orchestrator.Archiver
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a, err := archive.Dial(ctx, cfg.Redis.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL.Std())
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis archive: %w", err)
		}
		defer a.Close()
		arch = a
		log.Info("task archiving enabled", zap.String("redis", cfg.Redis.RedisAddr()))
	}

	orch := orchestrator.New(demoAgent(), orchestrator.Config{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		TaskBudget:    cfg.Orchestrator.TaskBudget.Std(),
		QueueSize:     cfg.Orchestrator.QueueSize,
	}, arch, log)
	if err := orch.Start(); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:         cfg.Server.ListenAddr,
		PingInterval: cfg.Server.PingInterval.Std(),
		DefaultParams: task.Params{
			LLMProvider:    cfg.Agent.LLMProvider,
			LLMModel:       cfg.Agent.LLMModel,
			BrowserProfile: cfg.Agent.BrowserProfile,
		},
	}, orch, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(ctx); err != nil {
		log.Warn("orchestrator shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

// demoAgent simulates a browser session. It stands in for a real
// browser-driving agent so the service runs end to end out of the box.
func demoAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, command string, params task.Params, report agent.ProgressSink) (map[string]interface{}, error) {
		steps := []string{
			"Launching browser session",
			"Navigating to target",
			"Extracting page content",
		}
		for i, step := range steps {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			report(step, map[string]interface{}{
				"step_number": i + 1,
				"total_steps": len(steps),
			})
		}

		return map[string]interface{}{
			"success": true,
			"command": command,
			"summary": fmt.Sprintf("executed %q via %s/%s", command, params.LLMProvider, params.LLMModel),
		}, nil
	})
}
