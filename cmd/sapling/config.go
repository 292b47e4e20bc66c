package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jward/sapling"
)

// config is the merged result of flags, SAPLING_* environment variables
// and .sapling.yaml, in that order of precedence.
type config struct {
	Format          string   `mapstructure:"format"`
	DB              string   `mapstructure:"db"`
	LogLevel        string   `mapstructure:"log_level"`
	ParseWorkers    int      `mapstructure:"parse_workers"`
	Exclude         []string `mapstructure:"exclude"`
	ImplicitProject bool     `mapstructure:"implicit_project"`
	IndentSeverity  string   `mapstructure:"indent_severity"`
	TaskTokens      []string `mapstructure:"task_tokens"`
	Listen          string   `mapstructure:"listen"`
	MetricsListen   string   `mapstructure:"metrics_listen"`
	Watch           []string `mapstructure:"watch"`
}

// settings converts the config into engine settings. An empty token list
// selects the parser's defaults.
func (c *config) settings() sapling.Settings {
	s := sapling.Settings{
		ImplicitProject: c.ImplicitProject,
		IndentSeverity:  c.IndentSeverity,
	}
	if len(c.TaskTokens) > 0 {
		s.TaskTokens = c.TaskTokens
	}
	return s
}

// bindFlags binds each named flag to the config key spelled with
// underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

// loadConfig reads cfgFile, or .sapling.yaml from dir or $HOME when cfgFile
// is empty. A missing default file is not an error.
func loadConfig(v *viper.Viper, cfgFile, dir string) (*config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".sapling")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	v.SetEnvPrefix("SAPLING")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

var validSeverities = []string{sapling.SeverityIgnore, sapling.SeverityWarning, sapling.SeverityError}

func (c *config) validate() error {
	if !slices.Contains(validFormats, c.Format) {
		return fmt.Errorf("invalid format %q: must be %s", c.Format, strings.Join(validFormats, " or "))
	}
	if !slices.Contains(validSeverities, c.IndentSeverity) {
		return fmt.Errorf("invalid indent severity %q: must be one of %s", c.IndentSeverity, strings.Join(validSeverities, ", "))
	}
	if c.ParseWorkers < 1 {
		return fmt.Errorf("parse_workers must be at least 1, got %d", c.ParseWorkers)
	}
	return nil
}
