package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	StageCount = 5
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"`
	Service   Service   `json:"service" yaml:"service"`
	Project   Project   `json:"project" yaml:"project"`
	Scheduler Scheduler `json:"scheduler" yaml:"scheduler"`
	Stages    Stages    `json:"stages" yaml:"stages"`
	Tools     Tools     `json:"tools" yaml:"tools"`
}

// Service controls how the supervisor runs: "manual" executes what was
// requested on the command line, "timer" rescans Targets on Schedule.
type Service struct {
	Mode          string         `json:"mode" yaml:"mode"`
	Verbose       bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log           string         `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Schedule      *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Targets       []string       `json:"targets,omitempty" yaml:"targets,omitempty"`
	HostDiscovery bool           `json:"host_discovery" yaml:"host_discovery"`
}

type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO 8601, e.g. PT6H
}

// Project holds the folders tool artifacts are written to and the job database.
type Project struct {
	Running  string `json:"running,omitempty" yaml:"running,omitempty"`
	Output   string `json:"output,omitempty" yaml:"output,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
}

type Scheduler struct {
	MaxFastProcesses int      `json:"max_fast_processes" yaml:"max_fast_processes"`
	Enable           bool     `json:"enable" yaml:"enable"`
	EnableOnImport   bool     `json:"enable_on_import" yaml:"enable_on_import"`
	Shell            string   `json:"shell" yaml:"shell"`
	LenientExit      []string `json:"lenient_exit,omitempty" yaml:"lenient_exit,omitempty"`
}

// Lenient reports whether a non-zero exit of tool still counts as success.
func (s Scheduler) Lenient(tool string) bool {
	return slices.Contains(s.LenientExit, tool)
}

// Stages holds the nmap binary and the port scope of each staged scan pass.
type Stages struct {
	Nmap   string `json:"nmap" yaml:"nmap"`
	Stage1 string `json:"stage1" yaml:"stage1"`
	Stage2 string `json:"stage2" yaml:"stage2"`
	Stage3 string `json:"stage3" yaml:"stage3"`
	Stage4 string `json:"stage4" yaml:"stage4"`
	Stage5 string `json:"stage5" yaml:"stage5"`
}

// Ports returns the port scope of a stage numbered from 1.
func (s Stages) Ports(stage int) string {
	switch stage {
	case 1:
		return s.Stage1
	case 2:
		return s.Stage2
	case 3:
		return s.Stage3
	case 4:
		return s.Stage4
	default:
		return s.Stage5
	}
}

type Tools struct {
	HostActions      []HostAction      `json:"host_actions,omitempty" yaml:"host_actions,omitempty"`
	PortActions      []PortAction      `json:"port_actions,omitempty" yaml:"port_actions,omitempty"`
	AutomatedAttacks []AutomatedAttack `json:"automated_attacks,omitempty" yaml:"automated_attacks,omitempty"`
	Screenshooter    *Screenshooter    `json:"screenshooter,omitempty" yaml:"screenshooter,omitempty"`
}

// HostAction is a tool run against a whole host: [IP] and [OUTPUT] are substituted.
type HostAction struct {
	Label   string `json:"label" yaml:"label"`
	Tool    string `json:"tool" yaml:"tool"`
	Command string `json:"command" yaml:"command"`
}

// PortAction is a tool run against a host port: [IP], [PORT] and [OUTPUT]
// are substituted. Empty Services means the action applies to any service.
type PortAction struct {
	Label    string   `json:"label" yaml:"label"`
	Tool     string   `json:"tool" yaml:"tool"`
	Command  string   `json:"command" yaml:"command"`
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`
}

type AutomatedAttack struct {
	Tool     string   `json:"tool" yaml:"tool"`
	Services []string `json:"services" yaml:"services"`
	Protocol string   `json:"protocol" yaml:"protocol"`
	Command  string   `json:"command,omitempty" yaml:"command,omitempty"`
}

// Screenshooter captures a screenshot of [IP]:[PORT] into [OUTPUT].
type Screenshooter struct {
	Command string `json:"command" yaml:"command"`
}

func (t Tools) HostAction(label string) (HostAction, bool) {
	for _, a := range t.HostActions {
		if a.Label == label {
			return a, true
		}
	}
	return HostAction{}, false
}

// PortAction returns the first port action with a given label or tool name.
func (t Tools) PortAction(name string) (PortAction, bool) {
	for _, a := range t.PortActions {
		if a.Label == name || a.Tool == name {
			return a, true
		}
	}
	return PortAction{}, false
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c Config) validate() error {
	if c.Service.Mode != ServiceModeTimer {
		return nil
	}
	var errs []error
	if c.Service.Schedule == nil || (c.Service.Schedule.Cron == "" && c.Service.Schedule.Duration == "") {
		errs = append(errs, errors.New("service.schedule: timer mode needs cron or duration"))
	}
	if len(c.Service.Targets) == 0 {
		errs = append(errs, errors.New("service.targets: timer mode needs at least one target"))
	}
	return errors.Join(errs...)
}

// WithProjectDir fills the unset project folders below dir.
func (c Config) WithProjectDir(dir string) Config {
	if c.Project.Running == "" {
		c.Project.Running = filepath.Join(dir, "running")
	}
	if c.Project.Output == "" {
		c.Project.Output = filepath.Join(dir, "output")
	}
	if c.Project.Database == "" {
		c.Project.Database = filepath.Join(dir, "sweeper.db")
	}
	return c
}

// DefaultConfig returns the configuration written on the first start.
func DefaultConfig(_ context.Context) Config {
	cfg := Config{
		Version: 0,
		Service: Service{
			Mode:          ServiceModeManual,
			Log:           LogStderr,
			HostDiscovery: true,
		},
		Scheduler: Scheduler{
			MaxFastProcesses: 10,
			Enable:           true,
			EnableOnImport:   false,
			Shell:            "/bin/sh",
			LenientExit:      []string{"nikto"},
		},
		Stages: Stages{
			Nmap:   "nmap",
			Stage1: "T:80,443",
			Stage2: "T:25,135,137,139,445,1433,3306,5432,U:137,161,162,1434",
			Stage3: "T:23,21,22,110,111,2049,3389,8080,U:500,5060",
			Stage4: "T:0-20,24,26-79,81-109,112-134,136,138,140-442,444,446-1432,1434-2048,2050-3305,3307-3388,3390-5431,5433-8079,8081-29999",
			Stage5: "T:30000-65535",
		},
		Tools: Tools{
			HostActions: []HostAction{
				{Label: "nmap (fast TCP)", Tool: "nmap", Command: "nmap -Pn -F -T4 -vvvv [IP] -oA [OUTPUT]"},
				{Label: "nmap (full TCP)", Tool: "nmap", Command: "nmap -Pn -sV -sC -O -p- -T4 -vvvvv [IP] -oA [OUTPUT]"},
				{Label: "nmap (top 1000 UDP)", Tool: "nmap", Command: "nmap -n -Pn -sU -F --min-rate=1000 -vvvvv [IP] -oA [OUTPUT]"},
			},
			PortActions: []PortAction{
				{Label: "Run nikto", Tool: "nikto", Command: "nikto -o [OUTPUT].txt -p [PORT] -h [IP]", Services: []string{"http", "https", "ssl", "soap", "http-proxy", "http-alt"}},
				{Label: "Run smbenum", Tool: "smbenum", Command: "bash ./scripts/smbenum.sh [IP]", Services: []string{"netbios-ssn", "microsoft-ds"}},
				{Label: "Run snmpcheck", Tool: "snmpcheck", Command: "snmp-check -t [IP]", Services: []string{"snmp", "snmptrap"}},
				{Label: "Grab banner", Tool: "banner", Command: "bash -c \"echo '' | nc -v -n -w1 [IP] [PORT]\""},
				{Label: "Run nmap (scripts) on port", Tool: "nmap", Command: "nmap -Pn -sV -sC -vvvvv -p[PORT] [IP] -oA [OUTPUT]"},
			},
			AutomatedAttacks: []AutomatedAttack{
				{Tool: ScreenshotTool, Services: []string{"http", "https", "ssl"}, Protocol: "tcp"},
				{Tool: "nikto", Services: []string{"http", "https", "ssl", "soap", "http-proxy", "http-alt", "https-alt"}, Protocol: "tcp"},
				{Tool: "smbenum", Services: []string{"microsoft-ds"}, Protocol: "tcp"},
				{Tool: "snmpcheck", Services: []string{"snmp"}, Protocol: "udp"},
			},
		},
	}
	return cfg
}

// UserDataDir returns the directory holding project folders and the job database.
func UserDataDir() (string, error) {
	d, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating user cache dir: %w", err)
	}
	return filepath.Join(d, "sweeper"), nil
}
