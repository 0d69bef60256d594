// Package config loads the console adapter configuration from file,
// environment and flags via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Drivers DriversConfig `mapstructure:"drivers"`
	Log     LogConfig     `mapstructure:"log"`
}

// DriversConfig names the driver binaries, either as bare names resolved
// through PATH or as absolute paths.
type DriversConfig struct {
	Libvirt string `mapstructure:"libvirt"`
	Proxmox string `mapstructure:"proxmox"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.fm-console")
	viper.AddConfigPath("/etc/fm-console/")

	// Environment variable overrides: FM_DRIVERS_LIBVIRT, FM_LOG_LEVEL, etc.
	viper.SetEnvPrefix("FM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.BindEnv("drivers.libvirt")
	viper.BindEnv("drivers.proxmox")
	viper.BindEnv("log.level")

	viper.SetDefault("drivers.libvirt", "fm-libvirt-driver")
	viper.SetDefault("drivers.proxmox", "fm-proxmox-driver")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}
