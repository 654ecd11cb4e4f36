package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/sweeper on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	overrides      = service.NewViper()
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "sweeper")
}

func main() {
	// root flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is sweeper.yaml in current directory or in "+userConfigPath)
	flags.Bool("verbose", false, "verbose logging")
	flags.String("project-dir", "", "folder with running and output folders and the job database")
	flags.Int("max-fast", 0, "maximum of concurrently running fast jobs")
	for key, name := range map[string]string{
		"verbose":            "verbose",
		"project_dir":        "project-dir",
		"max_fast_processes": "max-fast",
	} {
		if err := overrides.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initSweeper

	scanCmd.Flags().String("mode", service.HostScanStaged.String(), "scan mode: list, discovery or staged")
	scanCmd.Flags().Bool("no-discovery", false, "treat all hosts as online (nmap -Pn)")
	portActionCmd.Flags().String("protocol", "tcp", "protocol of the port")
	jobsCmd.Flags().Bool("active", false, "list Waiting and Running jobs only")

	actionCmd.AddCommand(hostActionCmd, portActionCmd)
	rootCmd.AddCommand(runCmd, scanCmd, importCmd, actionCmd, jobsCmd, cancelCmd, killCmd, dismissCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = closeLog()
	if err != nil {
		slog.Error("sweeper failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sweeper",
	Short:        "Staged network scanner running follow-up tools on discovered services",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and supervises jobs, in timer mode it rescans the targets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := commandContext(cmd)
		return service.Run(ctx, config, nil)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan TARGET...",
	Short: "scan hosts or ranges with nmap and run the follow-up tools",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		mode, _ := cmd.Flags().GetString("mode")
		scan, err := service.ParseHostScan(mode)
		if err != nil {
			return err
		}
		if noDiscovery, _ := cmd.Flags().GetBool("no-discovery"); noDiscovery {
			config.Service.HostDiscovery = false
		}
		return service.Scan(ctx, config, scan, args...)
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "import nmap xml reports and run the follow-up tools",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		return service.Import(ctx, config, args...)
	},
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "run a configured host or port action",
}

var hostActionCmd = &cobra.Command{
	Use:   "host LABEL IP",
	Short: "run a host action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		return service.HostAction(ctx, config, args[0], args[1])
	},
}

var portActionCmd = &cobra.Command{
	Use:   "port NAME IP PORT",
	Short: "run a port action, NAME is its label or tool",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		protocol, _ := cmd.Flags().GetString("protocol")
		return service.PortAction(ctx, config, args[0], args[1], args[2], protocol)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a sweeper",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("sweeper: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("sweeper: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func commandContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("sweeper",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func initSweeper(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SWEEPERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "sweeper.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "sweeper.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// environment and flags have a precedence over config file
	o, err := service.ParseOverrides(overrides)
	if err != nil {
		return fmt.Errorf("parsing overrides: %w", err)
	}
	config = o.Apply(config)

	dataDir, err := model.UserDataDir()
	if err != nil {
		return err
	}
	config = config.WithProjectDir(dataDir)

	// initialize logging
	w, closer, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("sweeper run", "configPath", configPath)
	slog.Debug("sweeper run", "config", config)
	return nil
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

