package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synche-io/synche/internal/config"
	"github.com/synche-io/synche/internal/daemon"
	"github.com/synche-io/synche/internal/utils"
	"github.com/synche-io/synche/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "synche",
	Short:   "Peer-to-peer LAN file synchronization",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:          viper.ConfigFileUsed(),
			HomePath:      viper.GetString("home_path"),
			Directories:   viper.GetStringSlice("directories"),
			TransportPort: viper.GetInt("transport_port"),
			DiscoveryPort: viper.GetInt("discovery_port"),
			AdminPort:     viper.GetInt("admin_port"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye")
		return d.Start(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.AppName, version.Detailed())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("home", "H", "", "home path holding the sync directories")
	rootCmd.Flags().StringSliceP("dir", "d", nil, "sync directory names")
	rootCmd.Flags().IntP("port", "p", config.DefaultTransportPort, "transport port")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}

	if stateDir, err := config.Dir(); err == nil {
		logFile := filepath.Join(stateDir, "logs", "synche.log")
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
				handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				}))
			}
		}
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		stateDir, err := config.Dir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(stateDir)
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("home_path", cmd.Flags().Lookup("home"))
	viper.BindPFlag("directories", cmd.Flags().Lookup("dir"))
	viper.BindPFlag("transport_port", cmd.Flags().Lookup("port"))

	viper.SetEnvPrefix("SYNCHE")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("Synche %s\n", version.Short())
}
