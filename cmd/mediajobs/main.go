package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/config"
)

// Version is set during build via -ldflags "-X main.version=X.Y.Z"
var version = "dev"

const appName = "mediajobs"

var (
	configFile  string
	debug       bool
	configViper = viper.New()
	settings    *config.Settings

	// persistent flags and the settings keys they override
	flags = map[string]string{
		"workspace":  config.KeyWorkspaceDir,
		"max-active": config.KeyMaxActive,
		"deliver":    config.KeyDeliverBackend,
		"outbox":     config.KeyDeliverLocalDir,
		"max-bytes":  config.KeyMaxBytes,
	}
)

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Media job runner",
	Long:          `Fetches media, optionally re-encodes or extracts audio, and delivers the result.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		s, err := config.Load(configViper, configFile)
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		return nil
	},
	Run: func(c *cobra.Command, args []string) {
		fmt.Fprintf(c.OutOrStdout(), "%s v%s\n", appName, version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./mediajobs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("workspace", "", "Parent directory of job workspaces")
	rootCmd.PersistentFlags().Int("max-active", config.DefaultMaxActive, "Jobs running at the same time")
	rootCmd.PersistentFlags().String("deliver", config.DefaultDeliverBackend, "Delivery backend: local, http, s3 or minio")
	rootCmd.PersistentFlags().String("outbox", config.DefaultDeliverLocalDir, "Outbox directory of the local backend")
	rootCmd.PersistentFlags().Int64("max-bytes", 0, "Size ceiling per transfer in bytes")

	for name, key := range flags {
		if err := configViper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(versionCmd, newRunCmd())
}

// newLogger builds a production logger, or a development one with --debug
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}
