package service

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// Overrides are settings taken from SWEEPER_* environment variables or
// command line flags. They win over the configuration file.
type Overrides struct {
	ProjectDir       string `mapstructure:"project_dir"`
	MaxFastProcesses int    `mapstructure:"max_fast_processes"`
	Scheduler        *bool  `mapstructure:"scheduler"`
	Nmap             string `mapstructure:"nmap"`
	Shell            string `mapstructure:"shell"`
	Verbose          bool   `mapstructure:"verbose"`
}

var overrideKeys = []string{
	"project_dir",
	"max_fast_processes",
	"scheduler",
	"nmap",
	"shell",
	"verbose",
}

// NewViper returns a viper instance reading the override keys from the
// SWEEPER_ prefixed environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("sweeper")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range overrideKeys {
		_ = v.BindEnv(key)
	}
	return v
}

func ParseOverrides(v *viper.Viper) (Overrides, error) {
	var o Overrides
	err := v.Unmarshal(&o)
	return o, err
}

// Apply returns cfg with the overrides set.
func (o Overrides) Apply(cfg model.Config) model.Config {
	if o.ProjectDir != "" {
		cfg.Project = model.Project{}
		cfg = cfg.WithProjectDir(o.ProjectDir)
	}
	if o.MaxFastProcesses != 0 {
		cfg.Scheduler.MaxFastProcesses = o.MaxFastProcesses
	}
	if o.Scheduler != nil {
		cfg.Scheduler.Enable = *o.Scheduler
	}
	if o.Nmap != "" {
		cfg.Stages.Nmap = o.Nmap
	}
	if o.Shell != "" {
		cfg.Scheduler.Shell = o.Shell
	}
	if o.Verbose {
		cfg.Service.Verbose = true
	}
	return cfg
}
