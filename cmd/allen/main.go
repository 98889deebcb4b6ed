// Command allen runs the multi-agent execution runtime: it loads the role,
// skill and tool-server configuration, wires the system container, serves
// the dashboard API and optionally submits a first task.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	allen "github.com/motern88/allen"
	"github.com/motern88/allen/config"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/monitor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		task       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "allen",
		Short: "Allen multi-agent execution runtime",
		Long: "Allen coordinates LLM-driven and human-driven agents collaborating on " +
			"user-submitted tasks: per-agent action loops, a state synchronizer, a message " +
			"dispatcher and a tool-client multiplexer, observable over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, task, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "system config file (viper format)")
	cmd.Flags().StringVarP(&task, "task", "t", "", "intention of a first task to submit at startup")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	return cmd
}

func parseLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

func run(configPath, task, logLevel string) error {
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  parseLevel(logLevel),
		Format: "text",
		Output: os.Stderr,
	})
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	sysCfg, err := config.LoadSystem(configPath)
	if err != nil {
		return err
	}
	roles, err := config.LoadRoleDir(sysCfg.RoleDir)
	if err != nil {
		return err
	}
	skills, err := config.LoadSkillDir(sysCfg.SkillDir)
	if err != nil {
		return err
	}
	toolServers, err := config.LoadToolServerDir(sysCfg.ToolDir)
	if err != nil {
		return err
	}
	defaultLLM, err := config.LoadDefaultLLM(sysCfg.DefaultLLMPath)
	if err != nil {
		return err
	}

	system, err := allen.New(allen.Options{
		System:     sysCfg,
		Roles:      roles,
		Skills:     skills,
		ToolServer: toolServers,
		DefaultLLM: defaultLLM,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	system.Start()
	if task != "" {
		system.SubmitTask("startup task", task)
	}

	dashboard := monitor.New(system, system, logger.WithComponent("monitor"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dashboard.Start(sysCfg.MonitorAddr)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dashboard.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dashboard shutdown", "error", err.Error())
		}
		return system.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
