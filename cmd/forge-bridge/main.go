package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vyvo/forge/bridge/pkg/config"
	"github.com/vyvo/forge/bridge/pkg/logging"
)

var (
	v      *viper.Viper
	cfg    config.BridgeConfig
	logger *slog.Logger

	flagConfigFile string
	flagVerbose    bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file, default is forge.yaml in ./configs or the current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initBridge

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRenderCmd())
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("forge-bridge failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "forge-bridge",
	Short:        "Local bridge between the training UI and fine-tuning jobs",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("forge-bridge: version info not available")
			return
		}
		fmt.Printf("forge-bridge: %s\n", info.Main.Version)
		fmt.Printf("go:           %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:       %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:         %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:        %s\n", s.Value)
			}
		}
	},
}

func initBridge(cmd *cobra.Command, _ []string) error {
	if v == nil {
		v = config.New(flagConfigFile)
	}
	var err error
	cfg, err = config.Load(v)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	// --verbose has a precedence over config file
	if flagVerbose {
		level = "debug"
	}
	logger = logging.New(os.Stderr, level, cfg.Log.Format)
	slog.SetDefault(logger)
	if path := v.ConfigFileUsed(); path != "" {
		logger.Debug("loaded config", "path", path)
	}
	return nil
}
