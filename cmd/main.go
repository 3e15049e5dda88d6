package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	logLevel  string
	logFormat string
	logger    *zap.Logger
)

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	rootCmd := &cobra.Command{
		Use:   "orbit",
		Short: "Orbit resource-oriented runtime",
		Long:  "Orbit manages declarative spec/status resources in an etcd-style backend and reconciles them toward their desired state, with watch resumption, finalizer-ordered cleanup and lease-based HA.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")

	// Bind flags to viper - errors only occur if flag doesn't exist, which can't happen here
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	viper.SetConfigName("orbit")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.orbit")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("ORBIT")
	viper.AutomaticEnv()

	// Read config file if it exists (ignore error if file not found)
	_ = viper.ReadInConfig()

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		return err
	}

	if logger != nil {
		_ = logger.Sync()
	}
	return nil
}

func initLogger() error {
	logLevel = viper.GetString("log-level")
	logFormat = viper.GetString("log-format")

	var level zapcore.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", logLevel)
	}

	var config zap.Config
	if strings.ToLower(logFormat) == "text" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	}

	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	var err error
	logger, err = config.Build()
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			logger.Info("Version info",
				zap.String("version", version),
				zap.String("commit", commit),
				zap.String("built", buildDate),
			)
		},
	}
}
