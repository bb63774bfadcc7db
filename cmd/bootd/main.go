package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/bootd/internal/log"
	"github.com/CZERTAINLY/bootd/internal/metrics"
	"github.com/CZERTAINLY/bootd/internal/model"
	"github.com/CZERTAINLY/bootd/internal/service"
	"github.com/CZERTAINLY/bootd/internal/services/apps"
	"github.com/CZERTAINLY/bootd/internal/services/jobs"
	"github.com/CZERTAINLY/bootd/internal/services/server"
	"github.com/CZERTAINLY/bootd/internal/services/store"
	"github.com/CZERTAINLY/bootd/internal/services/system"
)

const shutdownTimeout = 30 * time.Second

var (
	userConfigPath string // /default/config/path/bootd on given OS
	configPath     string // actual config file used
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "bootd")
}

func main() {
	// root flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is bootd.yaml in current directory or in "+userConfigPath)
	flags.String("data-directory", "", "directory with the database and app manifests")
	flags.Int("port", model.DefaultPort, "port of the HTTP API")
	flags.String("log-level", string(model.LogLevelNormal), "quiet, normal or verbose")
	flags.String("phase-timeout", "", "maximum duration of a single boot phase, e.g. 30s")
	flags.BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initBootd

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("bootd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bootd",
	Short:        "Boots the backend services in order",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts all services and waits for a signal",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return err
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a bootd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("bootd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("bootd:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "dev"
	}
	return info.Main.Version
}

// newRegistry returns the services of bootd. Store is booted first, Server
// last, the rest concurrently.
func newRegistry(m *metrics.Metrics) (*service.Registry, error) {
	return service.NewRegistry(
		store.Definition(),
		system.Definition(),
		apps.Definition(),
		jobs.Definition(),
		server.Definition(m),
	)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("bootd",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	m := metrics.New()
	registry, err := newRegistry(m)
	if err != nil {
		return err
	}
	supervisor, err := service.New(config, registry,
		service.WithVersion(version()),
		service.WithObserver(m),
	)
	if err != nil {
		return err
	}

	bootErr := supervisor.Start(ctx)
	finishBoot(ctx, supervisor, bootErr)
	if bootErr != nil {
		supervisor.Logger().Error(fmt.Sprintf("Boot failed: %v", bootErr))
		return errors.Join(bootErr, shutdown(ctx, supervisor))
	}

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down", "cause", context.Cause(ctx))
	return shutdown(ctx, supervisor)
}

// finishBoot records the outcome of the boot in the Store, if it started.
func finishBoot(ctx context.Context, supervisor *service.Supervisor, bootErr error) {
	st, err := service.Get[*store.Store](supervisor, store.Name)
	if err != nil {
		return
	}
	if err := st.FinishBoot(context.WithoutCancel(ctx), st.BootID(), bootErr); err != nil {
		slog.WarnContext(ctx, "recording boot failed", "error", err)
	}
}

func shutdown(ctx context.Context, supervisor *service.Supervisor) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return supervisor.Stop(ctx)
}

func initBootd(cmd *cobra.Command, _ []string) error {
	configPath = configPathFrom(flagConfigFilePath, userConfigPath, ".")

	// store default configuration
	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, configFileName)
		config, err = writeDefaultConfig(configPath, filepath.Join(userConfigPath, "data"))
	} else {
		config, err = readConfig(configPath)
	}
	if err != nil {
		return err
	}

	v, err := newViper(cmd)
	if err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	config = applyOverrides(v, config)

	// --verbose has a precedence over config file
	if flagVerbose {
		config.LogLevel = model.LogLevelVerbose
	}
	if err := config.Validate(); err != nil {
		return err
	}

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.LogLevel == model.LogLevelVerbose))

	slog.Debug("bootd run", "configPath", configPath)
	slog.Debug("bootd run", "config", config)
	return nil
}
