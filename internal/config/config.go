// Package config loads host settings for a cooper kernel from defaults,
// an optional config file and COOPER_* environment variables.
package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"tractor.dev/cooper/internal/logfilter"
	"tractor.dev/cooper/kernel"
)

const EnvPrefix = "COOPER"

type Config struct {
	Hostname string   `mapstructure:"hostname"`
	MaxPIDs  int      `mapstructure:"maxPids"`
	MaxFDs   int      `mapstructure:"maxFds"`
	PipeSize int      `mapstructure:"pipeSize"`
	HostDir  string   `mapstructure:"hostDir"`
	Env      []string `mapstructure:"env"`
	Init     []string `mapstructure:"init"`
	Addr     string   `mapstructure:"addr"`
	Debug    bool     `mapstructure:"debug"`
	// LogInclude and LogExclude are logfilter patterns.
	LogInclude []string `mapstructure:"logInclude"`
	LogExclude []string `mapstructure:"logExclude"`
}

// Load reads configuration from path, if not empty, and the environment.
// Environment variables win over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("hostname", "cooper")
	v.SetDefault("maxPids", 32768)
	v.SetDefault("maxFds", 1024)
	v.SetDefault("pipeSize", 64*1024)
	v.SetDefault("hostDir", "")
	v.SetDefault("env", []string{"PATH=/bin", "HOME=/home", "TERM=xterm"})
	v.SetDefault("init", []string{"sh"})
	v.SetDefault("addr", "localhost:7654")
	v.SetDefault("debug", false)
	v.SetDefault("logInclude", []string{})
	v.SetDefault("logExclude", []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var config Config
	err := v.Unmarshal(&config)
	return config, err
}

// Kernel returns the kernel configuration for c.
func (c Config) Kernel(logger *slog.Logger) kernel.Config {
	return kernel.Config{
		Hostname: c.Hostname,
		MaxPIDs:  c.MaxPIDs,
		MaxFDs:   c.MaxFDs,
		PipeSize: c.PipeSize,
		HostDir:  c.HostDir,
		Env:      c.Env,
		Logger:   logger,
	}
}

// Filter returns the log filter options of c.
func (c Config) Filter() logfilter.Options {
	return logfilter.Options{Include: c.LogInclude, Exclude: c.LogExclude}
}

// Level is the log level c asks for.
func (c Config) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
