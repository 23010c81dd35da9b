package service

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ofeklabautomations/scraperd/internal/model"
)

// Overrides are settings taken from command line flags and environment.
// Set values take precedence over the config file.
type Overrides struct {
	Listen  string        `mapstructure:"listen"`
	Root    string        `mapstructure:"root"`
	Python  string        `mapstructure:"python"`
	Timeout time.Duration `mapstructure:"timeout"`
	Verbose bool          `mapstructure:"verbose"`
}

// NewViper returns a viper instance reading the environment variables
// understood by scraperd. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	_ = v.BindEnv("root", "SCRAPER_ROOT")
	_ = v.BindEnv("python", "PYTHON_PATH")
	_ = v.BindEnv("listen", "SCRAPERD_LISTEN")
	_ = v.BindEnv("timeout", "SCRAPERD_WORKER_TIMEOUT")
	return v
}

func ParseOverrides(v *viper.Viper) (Overrides, error) {
	var o Overrides
	err := v.Unmarshal(&o)
	return o, err
}

// Apply returns cfg with all set overrides applied.
func (o Overrides) Apply(cfg model.Config) model.Config {
	if o.Listen != "" {
		cfg.Service.Listen = o.Listen
	}
	if o.Root != "" {
		cfg.Worker.Root = o.Root
	}
	if o.Python != "" {
		cfg.Worker.Python = o.Python
	}
	if o.Timeout > 0 {
		cfg.Worker.Timeout = model.Duration(o.Timeout)
	}
	if o.Verbose {
		cfg.Service.Verbose = true
	}
	return cfg
}
