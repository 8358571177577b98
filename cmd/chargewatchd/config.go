package main

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/chargewatch/chargewatch/analytics"
	"github.com/chargewatch/chargewatch/lifecycle"
)

// DaemonConfig gathers every tunable the daemon accepts from its config
// file. Anything not present in the file keeps its default.
type DaemonConfig struct {
	// PowerSupply names the /sys/class/power_supply entry to read. Empty
	// means autodetect the first battery.
	PowerSupply string `mapstructure:"power-supply"`

	DBPath   string `mapstructure:"db-path"`
	HTTPAddr string `mapstructure:"http-addr"`

	// Battery hints handed to the engine on session begin.
	CapacityMAH  float64 `mapstructure:"capacity-mah"`
	NominalWatts float64 `mapstructure:"nominal-watts"`

	Engine    analytics.Config          `mapstructure:"engine"`
	Presenter analytics.PresenterConfig `mapstructure:"presenter"`
	Lifecycle lifecycle.Config          `mapstructure:"lifecycle"`
}

func defaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		DBPath:       "/var/lib/chargewatch/samples.db",
		HTTPAddr:     "localhost:8406",
		CapacityMAH:  3000,
		NominalWatts: 10,
		Engine:       analytics.DefaultConfig(),
		Presenter:    analytics.DefaultPresenterConfig(),
		Lifecycle:    lifecycle.DefaultConfig(),
	}
}

var configViper = viper.New()

func loadConfig(path string) (DaemonConfig, error) {
	conf := defaultDaemonConfig()
	if path == "" {
		return conf, nil
	}
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		return conf, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := configViper.Unmarshal(&conf); err != nil {
		return conf, fmt.Errorf("parse config %s: %w", path, err)
	}
	return conf, nil
}

// watchConfig reloads tunables when the config file changes and hands them
// to the sample loop, which applies them between ticks.
func watchConfig(path string, loop *sampleLoop) {
	if path == "" {
		return
	}
	configViper.OnConfigChange(func(fsnotify.Event) {
		conf := defaultDaemonConfig()
		if err := configViper.Unmarshal(&conf); err != nil {
			log.Errorf("Config change ignored, could not parse: %v", err)
			return
		}
		log.Info("Configuration reloaded")
		loop.reloadConfig(conf)
	})
	configViper.WatchConfig()
}
