package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DarkNoah/aime-chat-sub001/internal/app"
	"github.com/DarkNoah/aime-chat-sub001/internal/config"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
)

const defaultConfigPath = ".aime/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config

	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "aime",
	Short: "Talk to aime worker processes",
	Long: `aime drives the long-lived worker processes behind the aime assistant:
speech and OCR workers answer request/response calls, the chat engine
streams validated chunks for each chat.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .aime/config.yaml, then ~/.config/aime/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (or set AIME_DEBUG)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("chat.engine", defaults.Chat.Engine)
	viper.SetDefault("chat.queue_size", defaults.Chat.QueueSize)
	viper.SetDefault("chat.mode", defaults.Chat.Mode)
	viper.SetDefault("chat.control_timeout", defaults.Chat.ControlTimeout)
	viper.SetDefault("chat.outcome_ttl", defaults.Chat.OutcomeTTL)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .aime/config.yaml (current directory)
		// 2. ~/.config/aime/config.yaml (user config)
		if _, err := os.Stat(defaultConfigPath); err == nil {
			viper.SetConfigFile(defaultConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "aime"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .aime/config.yaml.
		// An explicit --config path that does not exist runs on defaults.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			if writeErr := config.WriteDefaultConfig(defaultConfigPath); writeErr == nil {
				viper.SetConfigFile(defaultConfigPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	cfg = config.Config{}
	_ = viper.Unmarshal(&cfg)
}

// setupLogging enables the debug log when --debug or AIME_DEBUG is set.
// AIME_LOG overrides the log path and AIME_LOG_LEVEL the minimum level.
func setupLogging(*cobra.Command, []string) error {
	if !debugFlag && os.Getenv("AIME_DEBUG") == "" {
		return nil
	}

	logPath := os.Getenv("AIME_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.Init(logPath, "aime")
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup

	if lvl := os.Getenv("AIME_LOG_LEVEL"); lvl != "" {
		level, err := log.ParseLevel(lvl)
		if err != nil {
			return err
		}
		log.SetMinLevel(level)
	}

	log.Info(log.CatConfig, "aime starting", "version", version, "logPath", logPath, "config", viper.ConfigFileUsed())
	return nil
}

// newApp builds the App from the loaded configuration.
func newApp() (*app.App, error) {
	return app.New(cfg)
}

// watchConfig reloads the config file on change and hands the new values
// to a. Used by long-running commands only.
func watchConfig(a *app.App) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info(log.CatConfig, "Config file changed", "path", e.Name, "op", e.Op.String())

		var next config.Config
		if err := viper.Unmarshal(&next); err != nil {
			log.Warn(log.CatConfig, "Ignoring unreadable config", "error", err)
			return
		}
		if err := a.ApplyConfig(next); err != nil {
			log.Warn(log.CatConfig, "Ignoring invalid config", "error", err)
		}
	})
	viper.WatchConfig()
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
