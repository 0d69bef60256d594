// Package cli implements the fm-console command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/theCapypara/field-monitor-sub000/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fm-console",
	Short: "Interactive remote console sessions for virtualization hosts",
	Long: `fm-console attaches the local terminal to the serial console of a
virtual machine. Each backend is implemented by a separate driver binary
that is spawned under a pseudo terminal and supervised over a private
control channel; sensitive connection details never appear on a command
line.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fm-console/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("libvirt-driver", "", "path to the libvirt driver binary")
	rootCmd.PersistentFlags().String("proxmox-driver", "", "path to the proxmox driver binary")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("drivers.libvirt", rootCmd.PersistentFlags().Lookup("libvirt-driver"))
	viper.BindPFlag("drivers.proxmox", rootCmd.PersistentFlags().Lookup("proxmox-driver"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}
